package cdn

import (
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// fromAWS extracts the managed fields from a live distribution config.
func fromAWS(cfg *cftypes.DistributionConfig) DistributionConfig {
	out := DistributionConfig{ErrorPages: map[int]ErrorPage{}}
	if dcb := cfg.DefaultCacheBehavior; dcb != nil {
		out.OriginID = aws.ToString(dcb.TargetOriginId)
		out.ViewerProtocolPolicy = ViewerProtocolPolicy(dcb.ViewerProtocolPolicy)
		out.DefaultTTL = aws.ToInt64(dcb.DefaultTTL)
	}
	if cer := cfg.CustomErrorResponses; cer != nil {
		for _, item := range cer.Items {
			code := int(aws.ToInt32(item.ErrorCode))
			page := ErrorPage{Path: aws.ToString(item.ResponsePagePath)}
			if rc, err := strconv.Atoi(aws.ToString(item.ResponseCode)); err == nil {
				page.ResponseCode = rc
			}
			out.ErrorPages[code] = page
		}
	}
	out.Normalize()
	return out
}

// usesCachePolicy reports whether TTLs are governed by an attached cache
// policy instead of the legacy cache behavior settings.
func usesCachePolicy(cfg *cftypes.DistributionConfig) bool {
	return cfg.DefaultCacheBehavior != nil && aws.ToString(cfg.DefaultCacheBehavior.CachePolicyId) != ""
}

// hasOrigin reports whether cfg defines an origin with the given id.
func hasOrigin(cfg *cftypes.DistributionConfig, id string) bool {
	if cfg.Origins == nil {
		return false
	}
	for _, o := range cfg.Origins.Items {
		if aws.ToString(o.Id) == id {
			return true
		}
	}
	return false
}

// applyTo writes the managed fields onto a full live config, preserving all
// other settings so the result can be submitted as a whole replacement.
func applyTo(cfg *cftypes.DistributionConfig, d DistributionConfig, manageTTL bool) {
	if cfg.DefaultCacheBehavior == nil {
		cfg.DefaultCacheBehavior = &cftypes.DefaultCacheBehavior{}
	}
	dcb := cfg.DefaultCacheBehavior
	dcb.TargetOriginId = aws.String(d.OriginID)
	dcb.ViewerProtocolPolicy = cftypes.ViewerProtocolPolicy(d.ViewerProtocolPolicy)
	if manageTTL {
		dcb.DefaultTTL = aws.Int64(d.DefaultTTL)
		if dcb.MaxTTL != nil && *dcb.MaxTTL < d.DefaultTTL {
			dcb.MaxTTL = aws.Int64(d.DefaultTTL)
		}
		if dcb.MinTTL != nil && *dcb.MinTTL > d.DefaultTTL {
			dcb.MinTTL = aws.Int64(d.DefaultTTL)
		}
	}

	// Keep per-code error caching TTLs the user may have set elsewhere.
	cachingTTL := map[int32]*int64{}
	if cfg.CustomErrorResponses != nil {
		for _, item := range cfg.CustomErrorResponses.Items {
			cachingTTL[aws.ToInt32(item.ErrorCode)] = item.ErrorCachingMinTTL
		}
	}

	codes := make([]int, 0, len(d.ErrorPages))
	for code := range d.ErrorPages {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	items := make([]cftypes.CustomErrorResponse, 0, len(codes))
	for _, code := range codes {
		page := d.ErrorPages[code]
		items = append(items, cftypes.CustomErrorResponse{
			ErrorCode:          aws.Int32(int32(code)),
			ResponsePagePath:   aws.String(page.Path),
			ResponseCode:       aws.String(strconv.Itoa(page.ResponseCode)),
			ErrorCachingMinTTL: cachingTTL[int32(code)],
		})
	}
	cfg.CustomErrorResponses = &cftypes.CustomErrorResponses{
		Quantity: aws.Int32(int32(len(items))),
		Items:    items,
	}
}
