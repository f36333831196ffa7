package cdn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/pkg/errors"

	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/poll"
	"github.com/mrled/hedgesite/internal/retry"
)

// State is a step of a single reconciliation.
type State int

const (
	NoChange State = iota
	PendingUpdate
	Updating
	Deployed
	Failed
)

func (s State) String() string {
	switch s {
	case NoChange:
		return "NoChange"
	case PendingUpdate:
		return "PendingUpdate"
	case Updating:
		return "Updating"
	case Deployed:
		return "Deployed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible in this run.
func (s State) Terminal() bool {
	return s == Deployed || s == Failed
}

var transitions = map[State][]State{
	NoChange:      {PendingUpdate},
	PendingUpdate: {Updating, Failed},
	Updating:      {Deployed, Failed},
}

// Defaults for deployment polling.
const (
	DefaultReconcileTimeout  = 15 * time.Minute
	DefaultReconcileInterval = 20 * time.Second
)

// ReconcilerConfig tunes a Reconciler.
type ReconcilerConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Retry        retry.Policy
}

// ReconcileResult reports what a reconciliation did.
type ReconcileResult struct {
	DistributionID string
	State          State
	History        []State
	Changes        []Change
	Diff           string // unified diff, empty when nothing changed

	effective DistributionConfig
}

func (r *ReconcileResult) transition(to State) {
	for _, allowed := range transitions[r.State] {
		if allowed == to {
			r.State = to
			r.History = append(r.History, to)
			return
		}
	}
	panic(fmt.Sprintf("illegal reconcile transition %s -> %s", r.State, to))
}

// Reconciler converges a distribution's managed settings on a declared
// configuration.
type Reconciler struct {
	client CloudFrontAPI
	cfg    ReconcilerConfig
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(client CloudFrontAPI, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReconcileTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultReconcileInterval
	}
	return &Reconciler{client: client, cfg: cfg, logger: logger}
}

// Plan compares the live configuration with desired without changing
// anything. The result is in NoChange or PendingUpdate.
func (r *Reconciler) Plan(ctx context.Context, id string, desired DistributionConfig) (*ReconcileResult, error) {
	res, _, _, err := r.plan(ctx, id, desired)
	return res, err
}

// Reconcile applies desired to the distribution when it differs from the
// live configuration and waits for the change to deploy. Timeouts match
// deployerr.ErrReconcileTimeout, provider rejections
// deployerr.ErrReconcileFailed. When ctx is cancelled while waiting the
// update continues on the provider side and the result stays in Updating.
func (r *Reconciler) Reconcile(ctx context.Context, id string, desired DistributionConfig) (*ReconcileResult, error) {
	res, live, etag, err := r.plan(ctx, id, desired)
	if err != nil || res.State == NoChange {
		return res, err
	}

	for _, c := range res.Changes {
		r.logger.Info("distribution change", "distribution", id, "field", c.Field, "live", c.Live, "desired", c.Desired)
	}

	applyTo(live, res.effective, !usesCachePolicy(live))

	res.transition(Updating)
	r.logger.Info("updating distribution", "distribution", id)
	// Submitted once: a retry would reuse the ETag, so an update that
	// succeeded behind a lost response would come back PreconditionFailed.
	_, err = r.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(id),
		IfMatch:            aws.String(etag),
		DistributionConfig: live,
	})
	if err != nil {
		res.transition(Failed)
		return res, deployerr.Mark(deployerr.ErrReconcileFailed,
			errors.Wrapf(deployerr.Classify(err), "updating distribution %s", id))
	}

	r.logger.Info("waiting for distribution deployment", "distribution", id, "timeout", r.cfg.Timeout)
	err = poll.Until(ctx, poll.Options{Interval: r.cfg.PollInterval, Timeout: r.cfg.Timeout}, func(ctx context.Context) (bool, error) {
		var out *cloudfront.GetDistributionOutput
		err := r.cfg.Retry.Do(ctx, "get distribution "+id, func(ctx context.Context) error {
			var err error
			out, err = r.client.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(id)})
			return err
		})
		if err != nil {
			return false, err
		}
		status := ""
		if out.Distribution != nil {
			status = aws.ToString(out.Distribution.Status)
		}
		r.logger.Debug("distribution status", "distribution", id, "status", status)
		return status == statusDeployed, nil
	})
	switch {
	case err == nil:
		res.transition(Deployed)
		r.logger.Info("distribution deployed", "distribution", id)
		return res, nil
	case errors.Is(err, poll.ErrTimeout):
		res.transition(Failed)
		return res, deployerr.Mark(deployerr.ErrReconcileTimeout, errors.Wrapf(err, "distribution %s", id))
	case ctx.Err() != nil:
		return res, errors.Wrapf(err, "stopped waiting for distribution %s", id)
	default:
		res.transition(Failed)
		return res, deployerr.Mark(deployerr.ErrReconcileFailed,
			errors.Wrapf(deployerr.Classify(err), "polling distribution %s", id))
	}
}

// plan fetches the live config and computes the diff. It returns the full
// live config and its ETag for a subsequent update.
func (r *Reconciler) plan(ctx context.Context, id string, desired DistributionConfig) (*ReconcileResult, *cftypes.DistributionConfig, string, error) {
	desired = desired.clone()
	desired.Normalize()
	if err := desired.Validate(); err != nil {
		return nil, nil, "", err
	}

	var out *cloudfront.GetDistributionConfigOutput
	err := r.cfg.Retry.Do(ctx, "get distribution config "+id, func(ctx context.Context) error {
		var err error
		out, err = r.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
		return err
	})
	if err != nil {
		return nil, nil, "", errors.Wrapf(deployerr.Classify(err), "fetching distribution %s", id)
	}
	if out.DistributionConfig == nil {
		return nil, nil, "", errors.Errorf("distribution %s returned no configuration", id)
	}
	live := out.DistributionConfig

	if !hasOrigin(live, desired.OriginID) {
		return nil, nil, "", errors.Errorf("distribution %s has no origin with id %q", id, desired.OriginID)
	}

	current := fromAWS(live)
	effective := desired
	if usesCachePolicy(live) {
		if desired.DefaultTTL != current.DefaultTTL {
			r.logger.Warn("distribution uses a cache policy, default-ttl is not managed",
				"distribution", id,
				"cache_policy", aws.ToString(live.DefaultCacheBehavior.CachePolicyId))
		}
		effective.DefaultTTL = current.DefaultTTL
	}

	res := &ReconcileResult{DistributionID: id, State: NoChange, History: []State{NoChange}}
	res.Changes = Diff(current, effective)
	res.effective = effective
	if len(res.Changes) == 0 {
		r.logger.Info("distribution already matches declared configuration", "distribution", id)
		return res, live, aws.ToString(out.ETag), nil
	}

	res.Diff = UnifiedDiff(id, current, effective)
	res.transition(PendingUpdate)
	return res, live, aws.ToString(out.ETag), nil
}
