package cdn

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/poll"
	"github.com/mrled/hedgesite/internal/retry"
)

// Invalidation defaults. CloudFront allows at most 3000 paths in progress
// per distribution.
const (
	DefaultBatchLimit           = 3000
	DefaultInvalidationTimeout  = 15 * time.Minute
	DefaultInvalidationInterval = 10 * time.Second
)

// InvalidatorConfig tunes an Invalidator.
type InvalidatorConfig struct {
	BatchLimit   int
	PollInterval time.Duration
	Timeout      time.Duration
	Retry        retry.Policy
}

// Invalidator submits invalidation batches and waits for them to complete.
type Invalidator struct {
	client CloudFrontAPI
	cfg    InvalidatorConfig
	logger *slog.Logger
}

// NewInvalidator creates an Invalidator.
func NewInvalidator(client CloudFrontAPI, cfg InvalidatorConfig, logger *slog.Logger) *Invalidator {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInvalidationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultInvalidationInterval
	}
	return &Invalidator{client: client, cfg: cfg, logger: logger}
}

// Invalidate purges paths from the distribution's edge caches. An empty set
// makes no provider calls. Paths are split into batches of at most
// BatchLimit; each batch is submitted and waited on before the next one.
// A batch that does not complete within Timeout is marked failed, the
// remaining batches are not submitted, and the error matches
// deployerr.ErrInvalidationTimeout.
func (v *Invalidator) Invalidate(ctx context.Context, distributionID string, paths []string) ([]InvalidationRequest, error) {
	paths = NormalizePaths(paths)
	if len(paths) == 0 {
		v.logger.Debug("nothing to invalidate", "distribution", distributionID)
		return nil, nil
	}

	var requests []InvalidationRequest
	for start := 0; start < len(paths); start += v.cfg.BatchLimit {
		end := min(start+v.cfg.BatchLimit, len(paths))
		req := InvalidationRequest{Paths: paths[start:end], Status: InvalidationPending}

		id, err := v.create(ctx, distributionID, req.Paths)
		if err != nil {
			return requests, errors.Wrapf(deployerr.Classify(err), "creating invalidation on %s", distributionID)
		}
		req.RequestID = id
		v.logger.Info("invalidation submitted",
			"distribution", distributionID,
			"invalidation", id,
			"paths", len(req.Paths))

		err = v.wait(ctx, distributionID, id)
		switch {
		case err == nil:
			req.Status = InvalidationCompleted
			requests = append(requests, req)
		case errors.Is(err, poll.ErrTimeout):
			req.Status = InvalidationFailed
			requests = append(requests, req)
			return requests, deployerr.Mark(deployerr.ErrInvalidationTimeout,
				errors.Wrapf(err, "invalidation %s on %s", id, distributionID))
		default:
			requests = append(requests, req)
			return requests, errors.Wrapf(deployerr.Classify(err), "waiting for invalidation %s on %s", id, distributionID)
		}
	}
	return requests, nil
}

func (v *Invalidator) create(ctx context.Context, distributionID string, paths []string) (string, error) {
	var out *cloudfront.CreateInvalidationOutput
	// Retries reuse the caller reference; the provider treats a repeat as
	// the same invalidation.
	ref := uuid.NewString()
	err := v.cfg.Retry.Do(ctx, "create invalidation", func(ctx context.Context) error {
		var err error
		out, err = v.client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
			DistributionId: aws.String(distributionID),
			InvalidationBatch: &cftypes.InvalidationBatch{
				CallerReference: aws.String(ref),
				Paths: &cftypes.Paths{
					Quantity: aws.Int32(int32(len(paths))),
					Items:    paths,
				},
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if out.Invalidation == nil || out.Invalidation.Id == nil {
		return "", errors.New("provider returned no invalidation id")
	}
	return *out.Invalidation.Id, nil
}

func (v *Invalidator) wait(ctx context.Context, distributionID, id string) error {
	return poll.Until(ctx, poll.Options{Interval: v.cfg.PollInterval, Timeout: v.cfg.Timeout}, func(ctx context.Context) (bool, error) {
		var out *cloudfront.GetInvalidationOutput
		err := v.cfg.Retry.Do(ctx, "get invalidation "+id, func(ctx context.Context) error {
			var err error
			out, err = v.client.GetInvalidation(ctx, &cloudfront.GetInvalidationInput{
				DistributionId: aws.String(distributionID),
				Id:             aws.String(id),
			})
			return err
		})
		if err != nil {
			return false, err
		}
		status := ""
		if out.Invalidation != nil {
			status = aws.ToString(out.Invalidation.Status)
		}
		v.logger.Debug("invalidation status", "invalidation", id, "status", status)
		return status == statusCompleted, nil
	})
}

// NormalizePaths makes every path absolute and URL-escaped, keeping '*'
// wildcards, and returns them de-duplicated and sorted.
func NormalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		parts := strings.Split(p, "*")
		for i, part := range parts {
			parts[i] = (&url.URL{Path: part}).EscapedPath()
		}
		p = strings.Join(parts, "*")
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// PathsForKeys maps changed object keys to the viewer paths that may be
// cached for them. When indexDocument is set, a changed index document also
// invalidates its directory URL, since the edge caches "/docs/" separately
// from "/docs/index.html".
func PathsForKeys(keys []string, indexDocument string) []string {
	var paths []string
	for _, key := range keys {
		key = strings.TrimPrefix(key, "/")
		paths = append(paths, "/"+key)
		if indexDocument != "" && path.Base(key) == indexDocument {
			dir := path.Dir(key)
			if dir == "." {
				paths = append(paths, "/")
			} else {
				paths = append(paths, "/"+dir+"/")
			}
		}
	}
	return paths
}
