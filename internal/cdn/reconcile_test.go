package cdn

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/retry"
)

func matchingConfig() DistributionConfig {
	return DistributionConfig{
		OriginID:             "s3-site",
		ErrorPages:           map[int]ErrorPage{404: {Path: "/404.html"}},
		DefaultTTL:           86400,
		ViewerProtocolPolicy: AllowAll,
	}
}

func newTestReconciler(f *fakeCloudFront, timeout time.Duration) *Reconciler {
	return NewReconciler(f, ReconcilerConfig{
		PollInterval: time.Millisecond,
		Timeout:      timeout,
		Retry:        retry.Policy{Attempts: 3, BaseDelay: time.Millisecond},
	}, testLogger())
}

func TestReconcile_NoChange(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	res, err := newTestReconciler(f, time.Second).Reconcile(context.Background(), "D1", matchingConfig())
	require.NoError(t, err)

	assert.Equal(t, NoChange, res.State)
	assert.Equal(t, []State{NoChange}, res.History)
	assert.Empty(t, res.Changes)
	assert.Empty(t, res.Diff)
	assert.Empty(t, f.updates)
}

func TestReconcile_UpdatesAndDeploys(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	f.deployAfter = 2

	desired := DistributionConfig{
		OriginID: "s3-site-v2",
		ErrorPages: map[int]ErrorPage{
			404: {Path: "/index.html", ResponseCode: 200},
			403: {Path: "/index.html", ResponseCode: 200},
		},
		DefaultTTL:           3600,
		ViewerProtocolPolicy: RedirectToHTTPS,
	}
	res, err := newTestReconciler(f, time.Second).Reconcile(context.Background(), "D1", desired)
	require.NoError(t, err)

	assert.Equal(t, Deployed, res.State)
	assert.Equal(t, []State{NoChange, PendingUpdate, Updating, Deployed}, res.History)
	assert.Contains(t, res.Diff, "+viewer-protocol-policy = \"redirect-to-https\"")

	var fields []string
	for _, c := range res.Changes {
		fields = append(fields, c.Field)
	}
	assert.Equal(t, []string{"default-ttl", "error-pages.403", "error-pages.404", "origin-id", "viewer-protocol-policy"}, fields)

	require.Len(t, f.updates, 1)
	upd := f.updates[0]
	assert.Equal(t, "E1", aws.ToString(upd.IfMatch))

	dcb := upd.DistributionConfig.DefaultCacheBehavior
	assert.Equal(t, "s3-site-v2", aws.ToString(dcb.TargetOriginId))
	assert.Equal(t, int64(3600), aws.ToInt64(dcb.DefaultTTL))
	assert.Equal(t, "redirect-to-https", string(dcb.ViewerProtocolPolicy))
	assert.Equal(t, "site", aws.ToString(upd.DistributionConfig.Comment), "unmanaged fields are preserved")

	cer := upd.DistributionConfig.CustomErrorResponses
	require.Equal(t, int32(2), aws.ToInt32(cer.Quantity))
	assert.Equal(t, int32(403), aws.ToInt32(cer.Items[0].ErrorCode))
	assert.Equal(t, "200", aws.ToString(cer.Items[1].ResponseCode))
	assert.Equal(t, int64(30), aws.ToInt64(cer.Items[1].ErrorCachingMinTTL), "existing error caching TTL kept")
}

func TestReconcile_SecondRunIsNoChange(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	desired := matchingConfig()
	desired.ViewerProtocolPolicy = HTTPSOnly

	r := newTestReconciler(f, time.Second)
	_, err := r.Reconcile(context.Background(), "D1", desired)
	require.NoError(t, err)

	res, err := r.Reconcile(context.Background(), "D1", desired)
	require.NoError(t, err)
	assert.Equal(t, NoChange, res.State)
	assert.Len(t, f.updates, 1)
}

func TestReconcile_RaisesMaxTTL(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	desired := matchingConfig()
	desired.DefaultTTL = 31536000

	_, err := newTestReconciler(f, time.Second).Reconcile(context.Background(), "D1", desired)
	require.NoError(t, err)
	assert.Equal(t, int64(31536000), aws.ToInt64(f.config.DefaultCacheBehavior.MaxTTL))
}

func TestReconcile_CachePolicyLeavesTTLAlone(t *testing.T) {
	live := liveConfig()
	live.DefaultCacheBehavior.CachePolicyId = aws.String("658327ea")
	live.DefaultCacheBehavior.DefaultTTL = nil
	f := newFakeCloudFront(live)

	desired := matchingConfig()
	desired.DefaultTTL = 60

	res, err := newTestReconciler(f, time.Second).Reconcile(context.Background(), "D1", desired)
	require.NoError(t, err)
	assert.Equal(t, NoChange, res.State)
}

func TestReconcile_Timeout(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	f.deployAfter = -1
	desired := matchingConfig()
	desired.DefaultTTL = 10

	res, err := newTestReconciler(f, 20*time.Millisecond).Reconcile(context.Background(), "D1", desired)
	assert.True(t, errors.Is(err, deployerr.ErrReconcileTimeout), "got %v", err)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, []State{NoChange, PendingUpdate, Updating, Failed}, res.History)
}

func TestReconcile_ProviderRejects(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	f.updateErr = errors.New("PreconditionFailed")
	desired := matchingConfig()
	desired.DefaultTTL = 10

	res, err := newTestReconciler(f, time.Second).Reconcile(context.Background(), "D1", desired)
	assert.True(t, errors.Is(err, deployerr.ErrReconcileFailed))
	assert.Equal(t, Failed, res.State)
	assert.Len(t, f.updates, 1, "permanent errors are not retried")
}

func TestReconcile_UpdateNotRetriedOnTransientError(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	f.updateErr = deployerr.Unavailable(errors.New("503 service unavailable"))
	desired := matchingConfig()
	desired.DefaultTTL = 10

	res, err := newTestReconciler(f, time.Second).Reconcile(context.Background(), "D1", desired)
	assert.True(t, errors.Is(err, deployerr.ErrReconcileFailed))
	assert.True(t, errors.Is(err, deployerr.ErrRemoteUnavailable))
	assert.Equal(t, Failed, res.State)
	assert.Len(t, f.updates, 1, "an ETag-guarded update is submitted once")
}

func TestReconcile_CancelledWhileWaiting(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	f.deployAfter = -1
	desired := matchingConfig()
	desired.DefaultTTL = 10

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := newTestReconciler(f, time.Hour).Reconcile(ctx, "D1", desired)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, deployerr.ErrReconcileTimeout))
	assert.Equal(t, Updating, res.State)
}

func TestReconcile_UnknownOrigin(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	desired := matchingConfig()
	desired.OriginID = "missing"

	_, err := newTestReconciler(f, time.Second).Reconcile(context.Background(), "D1", desired)
	assert.ErrorContains(t, err, `no origin with id "missing"`)
	assert.Empty(t, f.updates)
}

func TestReconcile_InvalidDeclaredConfig(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	desired := matchingConfig()
	desired.ViewerProtocolPolicy = "sometimes-https"

	_, err := newTestReconciler(f, time.Second).Reconcile(context.Background(), "D1", desired)
	assert.ErrorContains(t, err, "invalid viewer-protocol-policy")
}

func TestPlan_DoesNotUpdate(t *testing.T) {
	f := newFakeCloudFront(liveConfig())
	desired := matchingConfig()
	desired.OriginID = "s3-site-v2"

	res, err := newTestReconciler(f, time.Second).Plan(context.Background(), "D1", desired)
	require.NoError(t, err)
	assert.Equal(t, PendingUpdate, res.State)
	assert.Len(t, res.Changes, 1)
	assert.Empty(t, f.updates)
}

func TestIllegalTransitionPanics(t *testing.T) {
	res := &ReconcileResult{State: NoChange}
	assert.Panics(t, func() { res.transition(Deployed) })
}

func TestStateTerminal(t *testing.T) {
	for state, want := range map[State]bool{
		NoChange:      false,
		PendingUpdate: false,
		Updating:      false,
		Deployed:      true,
		Failed:        true,
	} {
		assert.Equal(t, want, state.Terminal(), state.String())
	}
}
