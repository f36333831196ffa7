// Package syncer applies a sync plan to the object store.
package syncer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/manifest"
	"github.com/mrled/hedgesite/internal/plan"
	"github.com/mrled/hedgesite/internal/retry"
	"github.com/mrled/hedgesite/internal/store"
)

// DefaultConcurrency bounds in-flight object operations.
const DefaultConcurrency = 16

// Config configures an Executor.
type Config struct {
	Root        string // local site directory the plan was computed from
	Prefix      string // remote key prefix
	Policy      CachePolicy
	Concurrency int
	Retry       retry.Policy
	DryRun      bool
}

// Result lists the operations that succeeded.
type Result struct {
	Uploaded []string // relative paths, sorted
	Deleted  []string // relative keys, sorted
}

// ChangedPaths returns every path that was actually changed remotely.
func (r *Result) ChangedPaths() []string {
	paths := append(append([]string{}, r.Uploaded...), r.Deleted...)
	sort.Strings(paths)
	return paths
}

// Executor applies plans to an ObjectStore.
type Executor struct {
	store  store.ObjectStore
	cfg    Config
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(s store.ObjectStore, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Executor{store: s, cfg: cfg, logger: logger}
}

// Execute uploads everything in p.ToUpload, then deletes everything in
// p.ToDelete. A failed object never stops the others; when anything failed
// the returned error is a *deployerr.PartialSyncFailure and Result still
// lists what succeeded.
func (x *Executor) Execute(ctx context.Context, p *plan.SyncPlan) (*Result, error) {
	res := &Result{}
	failures := &deployerr.PartialSyncFailure{Attempted: len(p.ToUpload) + len(p.ToDelete)}

	if x.cfg.DryRun {
		for _, e := range p.ToUpload {
			x.logger.Info("would upload", "path", e.RelativePath, "content_type", e.ContentType,
				"cache_control", x.cfg.Policy.For(e.RelativePath), "bytes", e.SizeBytes)
		}
		for _, k := range p.ToDelete {
			x.logger.Info("would delete", "path", k)
		}
		return res, nil
	}

	var mu sync.Mutex
	record := func(path, op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			x.logger.Error("object operation failed", "op", op, "path", path, "error", err)
			failures.Failures = append(failures.Failures, deployerr.ObjectFailure{Path: path, Op: op, Err: err})
			return
		}
		if op == "upload" {
			res.Uploaded = append(res.Uploaded, path)
		} else {
			res.Deleted = append(res.Deleted, path)
		}
	}

	// Phase 1: uploads. New content must be live before old keys go away.
	x.run(ctx, len(p.ToUpload), func(ctx context.Context, i int) {
		e := p.ToUpload[i]
		record(e.RelativePath, "upload", x.upload(ctx, e))
	})

	// Phase 2: deletes.
	x.run(ctx, len(p.ToDelete), func(ctx context.Context, i int) {
		key := p.ToDelete[i]
		record(key, "delete", x.delete(ctx, key))
	})

	sort.Strings(res.Uploaded)
	sort.Strings(res.Deleted)
	x.logger.Info("sync applied",
		"uploaded", len(res.Uploaded),
		"deleted", len(res.Deleted),
		"failed", len(failures.Failures))

	if len(failures.Failures) > 0 {
		failures.Sort()
		return res, failures
	}
	return res, nil
}

// run calls fn for 0..n-1 on the bounded pool and waits for all of them.
// fn records its own failures, so the group never short-circuits.
func (x *Executor) run(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(x.cfg.Concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (x *Executor) upload(ctx context.Context, e manifest.FileEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(x.cfg.Root, filepath.FromSlash(e.RelativePath)))
	if err != nil {
		return deployerr.Mark(deployerr.ErrIO, err)
	}
	defer f.Close()

	// The body is streamed from the open file, so check it still matches the
	// manifest before sending it under the manifest's hash.
	got, size, err := manifest.HashReader(f)
	if err != nil {
		return deployerr.Mark(deployerr.ErrIO, errors.Wrapf(err, "hashing %s", e.RelativePath))
	}
	if got != e.ContentHash {
		return deployerr.Mark(deployerr.ErrIO, errors.Errorf("file changed since manifest was built (hash %s, expected %s)", got, e.ContentHash))
	}

	in := store.PutInput{
		Key:          store.Key(x.cfg.Prefix, e.RelativePath),
		Body:         f,
		Size:         size,
		ContentType:  e.ContentType,
		CacheControl: x.cfg.Policy.For(e.RelativePath),
		ContentHash:  e.ContentHash,
	}
	err = x.cfg.Retry.Do(ctx, "upload "+in.Key, func(ctx context.Context) error {
		return x.store.Put(ctx, in)
	})
	if err != nil {
		return deployerr.Classify(err)
	}
	x.logger.Debug("uploaded", "key", in.Key, "cache_control", in.CacheControl)
	return nil
}

func (x *Executor) delete(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := store.Key(x.cfg.Prefix, rel)
	err := x.cfg.Retry.Do(ctx, "delete "+key, func(ctx context.Context) error {
		return x.store.Delete(ctx, key)
	})
	if err != nil {
		return deployerr.Classify(err)
	}
	x.logger.Debug("deleted", "key", key)
	return nil
}
