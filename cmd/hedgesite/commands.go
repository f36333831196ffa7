package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/mrled/hedgesite/internal/cdn"
	"github.com/mrled/hedgesite/internal/config"
	"github.com/mrled/hedgesite/internal/deploy"
	"github.com/mrled/hedgesite/internal/store"
)

// clients holds the provider clients shared by a command.
type clients struct {
	s3         *s3.Client
	cloudfront cdn.CloudFrontAPI
	resolver   *cloudfront.Client
	kvs        *cloudfrontkeyvaluestore.Client
	limiter    *rate.Limiter
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("prefix") {
		cfg.Prefix = syncPrefix
	}
	if cmd.Flags().Changed("distribution-id") {
		cfg.DistributionID = syncDistributionID
	}
	if syncConcurrency != 0 {
		if syncConcurrency < 0 {
			return errors.Errorf("--concurrency must be positive (%d)", syncConcurrency)
		}
		cfg.Concurrency = syncConcurrency
	}

	c, err := newClients(ctx, cfg)
	if err != nil {
		return err
	}

	deps := deploy.Deps{
		Store: store.NewS3Store(c.s3, args[1],
			store.WithRateLimiter(c.limiter),
			store.WithHeadConcurrency(cfg.Concurrency),
			store.WithLogger(logger)),
	}
	if cfg.DistributionID != "" {
		deps.Invalidator = cdn.NewInvalidator(c.cloudfront, cdn.InvalidatorConfig{
			BatchLimit:   cfg.Invalidation.BatchSize,
			PollInterval: cfg.Invalidation.PollInterval,
			Timeout:      cfg.Invalidation.Timeout,
			Retry:        cfg.RetryPolicy(logger),
		}, logger)
	}
	if cfg.Redirects.KVSName != "" {
		deps.KVS = c.kvs
		deps.Resolver = c.resolver
	}

	summary, err := deploy.New(cfg, deps, logger).Sync(ctx, deploy.Request{
		Root:           args[0],
		Bucket:         args[1],
		Prefix:         cfg.Prefix,
		DistributionID: cfg.DistributionID,
		DryRun:         syncDryRun,
	})
	if summary != nil {
		printSyncSummary(cmd, summary, syncDryRun)
	}
	return err
}

func printSyncSummary(cmd *cobra.Command, s *deploy.Summary, dryRun bool) {
	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintf(out, "dry run: would upload %d, delete %d\n", len(s.Plan.ToUpload), len(s.Plan.ToDelete))
		return
	}
	if s.Result == nil {
		return
	}
	fmt.Fprintf(out, "uploaded %d, deleted %d\n", len(s.Result.Uploaded), len(s.Result.Deleted))
	if s.Redirects != nil {
		fmt.Fprintf(out, "redirects: %d put, %d deleted\n", len(s.Redirects.Puts), len(s.Redirects.Deletes))
	}
	for _, inv := range s.Invalidations {
		fmt.Fprintf(out, "invalidation %s: %s (%d paths)\n", inv.RequestID, inv.Status, len(inv.Paths))
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := setupLogger(os.Stderr)
	distributionID, declaredFile := args[0], args[1]

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if reconcileTimeout != "" {
		d, err := time.ParseDuration(reconcileTimeout)
		if err != nil {
			return errors.Wrap(err, "--timeout")
		}
		cfg.Reconcile.Timeout = d
	}

	desired, err := config.LoadDistribution(declaredFile, logger)
	if err != nil {
		return err
	}

	c, err := newClients(ctx, cfg)
	if err != nil {
		return err
	}
	r := cdn.NewReconciler(c.cloudfront, cdn.ReconcilerConfig{
		PollInterval: cfg.Reconcile.PollInterval,
		Timeout:      cfg.Reconcile.Timeout,
		Retry:        cfg.RetryPolicy(logger),
	}, logger)

	var res *cdn.ReconcileResult
	if reconcileDryRun {
		res, err = r.Plan(ctx, distributionID, desired)
	} else {
		res, err = r.Reconcile(ctx, distributionID, desired)
	}
	if res != nil {
		printReconcileResult(cmd.OutOrStdout(), res, reconcileDryRun)
	}
	return err
}

func printReconcileResult(out io.Writer, res *cdn.ReconcileResult, dryRun bool) {
	if res.Diff != "" {
		fmt.Fprintln(out, res.Diff)
	}
	fmt.Fprintf(out, "distribution %s: %s\n", res.DistributionID, res.State)
	if !dryRun && res.State != cdn.NoChange && !res.State.Terminal() {
		fmt.Fprintf(out, "distribution %s: update submitted but not yet deployed; re-run reconcile to check\n", res.DistributionID)
	}
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := setupLogger(os.Stderr)
	distributionID, paths := args[0], args[1:]

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if invalidateTimeout != "" {
		d, err := time.ParseDuration(invalidateTimeout)
		if err != nil {
			return errors.Wrap(err, "--timeout")
		}
		cfg.Invalidation.Timeout = d
	}

	c, err := newClients(ctx, cfg)
	if err != nil {
		return err
	}
	inv := cdn.NewInvalidator(c.cloudfront, cdn.InvalidatorConfig{
		BatchLimit:   cfg.Invalidation.BatchSize,
		PollInterval: cfg.Invalidation.PollInterval,
		Timeout:      cfg.Invalidation.Timeout,
		Retry:        cfg.RetryPolicy(logger),
	}, logger)

	reqs, err := inv.Invalidate(ctx, distributionID, paths)
	for _, req := range reqs {
		fmt.Fprintf(cmd.OutOrStdout(), "invalidation %s: %s (%s)\n", req.RequestID, req.Status, strings.Join(req.Paths, " "))
	}
	return err
}

// loadConfig reads --config. The default file may be absent; a file named
// explicitly must exist. --region overrides the file.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags().Changed("config"), logger)
	if err != nil {
		return nil, err
	}
	if region != "" {
		cfg.Region = region
	}
	logger.Debug("configuration loaded",
		"path", cfgFile,
		"region", cfg.Region,
		"concurrency", cfg.Concurrency,
		"requests_per_second", cfg.RequestsPerSecond)
	return cfg, nil
}

// newClients loads AWS credentials from the default chain. The SDK retryer
// is disabled; retries are handled by retry.Policy.
func newClients(ctx context.Context, cfg *config.Config) (*clients, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)

	cf := cloudfront.NewFromConfig(awsCfg)
	return &clients{
		s3:         s3.NewFromConfig(awsCfg),
		cloudfront: cdn.RateLimited(cf, limiter),
		resolver:   cf,
		kvs:        cloudfrontkeyvaluestore.NewFromConfig(awsCfg),
		limiter:    limiter,
	}, nil
}
