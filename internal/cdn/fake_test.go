package cdn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// fakeCloudFront implements CloudFrontAPI in memory.
type fakeCloudFront struct {
	mu sync.Mutex

	config *cftypes.DistributionConfig
	etag   string

	updates       []*cloudfront.UpdateDistributionInput
	updateErr     error
	deployAfter   int // GetDistribution calls until Deployed; <0 never
	getDistCalls  int
	invalidations []*cloudfront.CreateInvalidationInput
	createErr     error
	completeAfter int // GetInvalidation calls until Completed; <0 never
	getInvCalls   map[string]int
}

func newFakeCloudFront(cfg *cftypes.DistributionConfig) *fakeCloudFront {
	return &fakeCloudFront{config: cfg, etag: "E1", getInvCalls: map[string]int{}}
}

func (f *fakeCloudFront) GetDistributionConfig(_ context.Context, in *cloudfront.GetDistributionConfigInput, _ ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &cloudfront.GetDistributionConfigOutput{DistributionConfig: f.config, ETag: aws.String(f.etag)}, nil
}

func (f *fakeCloudFront) UpdateDistribution(_ context.Context, in *cloudfront.UpdateDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.config = in.DistributionConfig
	f.etag = "E2"
	return &cloudfront.UpdateDistributionOutput{
		Distribution: &cftypes.Distribution{Id: in.Id, Status: aws.String("InProgress")},
		ETag:         aws.String(f.etag),
	}, nil
}

func (f *fakeCloudFront) GetDistribution(_ context.Context, in *cloudfront.GetDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getDistCalls++
	status := "InProgress"
	if f.deployAfter >= 0 && f.getDistCalls > f.deployAfter {
		status = "Deployed"
	}
	return &cloudfront.GetDistributionOutput{Distribution: &cftypes.Distribution{Id: in.Id, Status: aws.String(status)}}, nil
}

func (f *fakeCloudFront) CreateInvalidation(_ context.Context, in *cloudfront.CreateInvalidationInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.invalidations = append(f.invalidations, in)
	id := fmt.Sprintf("I%d", len(f.invalidations))
	return &cloudfront.CreateInvalidationOutput{
		Invalidation: &cftypes.Invalidation{Id: aws.String(id), Status: aws.String("InProgress")},
	}, nil
}

func (f *fakeCloudFront) GetInvalidation(_ context.Context, in *cloudfront.GetInvalidationInput, _ ...func(*cloudfront.Options)) (*cloudfront.GetInvalidationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.Id)
	f.getInvCalls[id]++
	status := "InProgress"
	if f.completeAfter >= 0 && f.getInvCalls[id] > f.completeAfter {
		status = "Completed"
	}
	return &cloudfront.GetInvalidationOutput{Invalidation: &cftypes.Invalidation{Id: aws.String(id), Status: aws.String(status)}}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// liveConfig returns a typical S3-backed distribution config.
func liveConfig() *cftypes.DistributionConfig {
	return &cftypes.DistributionConfig{
		CallerReference: aws.String("ref"),
		Comment:         aws.String("site"),
		Enabled:         aws.Bool(true),
		Origins: &cftypes.Origins{
			Quantity: aws.Int32(2),
			Items: []cftypes.Origin{
				{Id: aws.String("s3-site"), DomainName: aws.String("site.s3.amazonaws.com")},
				{Id: aws.String("s3-site-v2"), DomainName: aws.String("site-v2.s3.amazonaws.com")},
			},
		},
		DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
			TargetOriginId:       aws.String("s3-site"),
			ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyAllowAll,
			DefaultTTL:           aws.Int64(86400),
			MinTTL:               aws.Int64(0),
			MaxTTL:               aws.Int64(604800),
		},
		CustomErrorResponses: &cftypes.CustomErrorResponses{
			Quantity: aws.Int32(1),
			Items: []cftypes.CustomErrorResponse{
				{
					ErrorCode:          aws.Int32(404),
					ResponsePagePath:   aws.String("/404.html"),
					ResponseCode:       aws.String("404"),
					ErrorCachingMinTTL: aws.Int64(30),
				},
			},
		},
	}
}
