package cdn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimited_PassesThrough(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	f.completeAfter = 0

	api := RateLimited(f, rate.NewLimiter(rate.Inf, 0))
	inv := NewInvalidator(api, InvalidatorConfig{PollInterval: time.Millisecond, Timeout: time.Second}, testLogger())

	reqs, err := inv.Invalidate(context.Background(), "D1", []string{"/a"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Len(t, f.invalidations, 1)
}

func TestRateLimited_CancelledWait(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RateLimited(f, limiter).GetDistributionConfig(ctx, nil)
	assert.Error(t, err)
}
