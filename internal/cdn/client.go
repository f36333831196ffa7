package cdn

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"golang.org/x/time/rate"
)

// CloudFrontAPI abstracts the CloudFront distribution and invalidation API.
type CloudFrontAPI interface {
	GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	GetDistribution(ctx context.Context, params *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error)
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
	GetInvalidation(ctx context.Context, params *cloudfront.GetInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetInvalidationOutput, error)
}

// Provider status strings.
const (
	statusDeployed  = "Deployed"
	statusCompleted = "Completed"
)

// limitedClient makes every call wait on a shared limiter first.
type limitedClient struct {
	api     CloudFrontAPI
	limiter *rate.Limiter
}

// RateLimited wraps api so that all calls share limiter with the rest of
// the process.
func RateLimited(api CloudFrontAPI, limiter *rate.Limiter) CloudFrontAPI {
	return &limitedClient{api: api, limiter: limiter}
}

func (c *limitedClient) GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.api.GetDistributionConfig(ctx, params, optFns...)
}

func (c *limitedClient) UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.api.UpdateDistribution(ctx, params, optFns...)
}

func (c *limitedClient) GetDistribution(ctx context.Context, params *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.api.GetDistribution(ctx, params, optFns...)
}

func (c *limitedClient) CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.api.CreateInvalidation(ctx, params, optFns...)
}

func (c *limitedClient) GetInvalidation(ctx context.Context, params *cloudfront.GetInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetInvalidationOutput, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.api.GetInvalidation(ctx, params, optFns...)
}
