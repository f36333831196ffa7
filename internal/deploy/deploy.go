// Package deploy runs the sync control flow: build the local manifest and
// fetch the remote state concurrently, plan, apply, mirror the redirect
// table, then invalidate what actually changed.
package deploy

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mrled/hedgesite/internal/cdn"
	"github.com/mrled/hedgesite/internal/config"
	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/kvs"
	"github.com/mrled/hedgesite/internal/manifest"
	"github.com/mrled/hedgesite/internal/plan"
	"github.com/mrled/hedgesite/internal/redirects"
	"github.com/mrled/hedgesite/internal/store"
	"github.com/mrled/hedgesite/internal/syncer"
)

// Request names one sync run.
type Request struct {
	Root           string
	Bucket         string
	Prefix         string
	DistributionID string // empty disables invalidation
	DryRun         bool
}

// Summary reports what a sync run did.
type Summary struct {
	Plan          *plan.SyncPlan
	Result        *syncer.Result
	Invalidations []cdn.InvalidationRequest
	Redirects     *kvs.SyncPlan // nil when no redirect store is configured
}

// Deps are the provider clients a Deployer drives. Invalidator, KVS and
// Resolver may be nil when the matching feature is not used.
type Deps struct {
	Store       store.ObjectStore
	Invalidator *cdn.Invalidator
	KVS         kvs.KVSClient
	Resolver    kvs.ARNResolver
}

// Deployer syncs a local site to its bucket and distribution.
type Deployer struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Deployer.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Deployer {
	return &Deployer{cfg: cfg, deps: deps, logger: logger}
}

// Sync brings the bucket in line with req.Root. When some objects fail the
// successful changes are still invalidated, and the returned error is the
// *deployerr.PartialSyncFailure (joined with any invalidation error).
func (d *Deployer) Sync(ctx context.Context, req Request) (*Summary, error) {
	policy := d.cfg.RetryPolicy(d.logger)
	logger := d.logger.With("bucket", req.Bucket, "prefix", req.Prefix)

	var local []manifest.FileEntry
	var remote []store.RemoteObject
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = manifest.Load(req.Root, manifest.Options{Exclude: d.cfg.Exclude})
		return err
	})
	g.Go(func() error {
		var err error
		remote, err = store.FetchState(gctx, d.deps.Store, req.Prefix, policy)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info("state loaded", "local", len(local), "remote", len(remote))

	p := plan.Compute(local, remote)
	logger.Info("sync planned",
		"upload", len(p.ToUpload),
		"delete", len(p.ToDelete),
		"upload_bytes", p.UploadBytes())
	summary := &Summary{Plan: p}

	// The redirect table is built and validated before anything is changed.
	var table *kvs.Data
	if d.cfg.Redirects.KVSName != "" {
		var err error
		table, err = d.redirectTable(req.Root, local)
		if err != nil {
			return summary, err
		}
	}

	executor := syncer.NewExecutor(d.deps.Store, syncer.Config{
		Root:        req.Root,
		Prefix:      req.Prefix,
		Policy:      d.cfg.CacheControl,
		Concurrency: d.cfg.Concurrency,
		Retry:       policy,
		DryRun:      req.DryRun,
	}, logger)
	result, syncErr := executor.Execute(ctx, p)
	summary.Result = result

	var partial *deployerr.PartialSyncFailure
	if syncErr != nil && !errors.As(syncErr, &partial) {
		return summary, syncErr
	}

	if table != nil {
		kplan, err := d.syncRedirects(ctx, table, req.DryRun)
		summary.Redirects = kplan
		if err != nil {
			return summary, deployerr.Join(syncErr, errors.Wrap(err, "syncing redirects"))
		}
	}

	if req.DryRun {
		return summary, nil
	}

	changed := result.ChangedPaths()
	if req.DistributionID == "" || d.deps.Invalidator == nil {
		if len(changed) > 0 {
			logger.Info("no distribution configured, skipping invalidation", "changed", len(changed))
		}
		return summary, syncErr
	}

	paths := cdn.PathsForKeys(changed, d.cfg.Invalidation.IndexDocument)
	invs, err := d.deps.Invalidator.Invalidate(ctx, req.DistributionID, paths)
	summary.Invalidations = invs
	if err != nil {
		return summary, deployerr.Join(syncErr, err)
	}
	return summary, syncErr
}

func (d *Deployer) redirectTable(root string, local []manifest.FileEntry) (*kvs.Data, error) {
	index := ""
	if d.cfg.Redirects.Directories {
		index = d.cfg.Invalidation.IndexDocument
	}
	table, err := redirects.Build(root, d.cfg.Redirects.File, index, local, d.logger)
	if err != nil {
		return nil, errors.Wrap(err, "building redirect table")
	}

	if problems := table.Validate(); len(problems) > 0 {
		for _, p := range problems {
			d.logger.Error("invalid redirect", "key", p.Key, "problem", p.Message)
		}
		return nil, errors.Errorf("redirect table has %d problems", len(problems))
	}

	stats := table.Stats()
	d.logger.Info("redirect table built",
		"keys", stats.NumKeys,
		"bytes", stats.TotalBytes,
		"capacity_pct", float64(stats.TotalBytes)/float64(kvs.MaxTotalBytes)*100)
	return table, nil
}

func (d *Deployer) syncRedirects(ctx context.Context, table *kvs.Data, dryRun bool) (*kvs.SyncPlan, error) {
	if d.deps.KVS == nil || d.deps.Resolver == nil {
		return nil, errors.New("redirects kvs-name is set but no key value store client is available")
	}
	name := d.cfg.Redirects.KVSName

	arn, err := kvs.ResolveARN(ctx, d.deps.Resolver, name)
	if err != nil {
		return nil, err
	}
	existing, etag, err := kvs.FetchExistingKeys(ctx, d.deps.KVS, arn, d.cfg.RetryPolicy(d.logger))
	if err != nil {
		return nil, err
	}

	kplan := kvs.ComputeSyncPlan(table, existing)
	d.logger.Info("redirects planned", "kvs", name, "puts", len(kplan.Puts), "deletes", len(kplan.Deletes))
	if dryRun {
		for _, e := range kplan.Puts {
			d.logger.Info("would put redirect", "from", e.Key, "to", e.Value)
		}
		for _, key := range kplan.Deletes {
			d.logger.Info("would delete redirect", "from", key)
		}
		return kplan, nil
	}
	return kplan, kvs.Sync(ctx, d.deps.KVS, arn, etag, kplan, d.logger)
}
