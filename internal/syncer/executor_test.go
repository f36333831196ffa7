package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/manifest"
	"github.com/mrled/hedgesite/internal/plan"
	"github.com/mrled/hedgesite/internal/retry"
	"github.com/mrled/hedgesite/internal/store"
)

// recordingStore wraps a MemoryStore, records call order and fails the keys
// listed in failPut / failDelete.
type recordingStore struct {
	*store.MemoryStore
	mu         sync.Mutex
	calls      []string
	putCounts  map[string]int
	failPut    map[string]error
	failDelete map[string]error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		MemoryStore: store.NewMemoryStore(),
		putCounts:   map[string]int{},
		failPut:     map[string]error{},
		failDelete:  map[string]error{},
	}
}

func (r *recordingStore) Put(ctx context.Context, in store.PutInput) error {
	r.mu.Lock()
	r.calls = append(r.calls, "put "+in.Key)
	r.putCounts[in.Key]++
	err := r.failPut[in.Key]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.MemoryStore.Put(ctx, in)
}

func (r *recordingStore) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	r.calls = append(r.calls, "delete "+key)
	err := r.failDelete[key]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.MemoryStore.Delete(ctx, key)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// siteWith writes files into a temp dir and returns the dir and its manifest.
func siteWith(t *testing.T, files map[string]string) (string, []manifest.FileEntry) {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	entries, err := manifest.Load(dir, manifest.Options{})
	require.NoError(t, err)
	return dir, entries
}

func newExecutor(s store.ObjectStore, root string) *Executor {
	return NewExecutor(s, Config{
		Root:        root,
		Prefix:      "site",
		Policy:      DefaultCachePolicy(),
		Concurrency: 4,
		Retry:       retry.Policy{Attempts: 3, BaseDelay: time.Millisecond},
	}, testLogger())
}

func TestExecute_OneFailureOfTen(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 10; i++ {
		files[fmt.Sprintf("page%d.html", i)] = fmt.Sprintf("<p>%d</p>", i)
	}
	root, entries := siteWith(t, files)

	s := newRecordingStore()
	s.failPut["site/page3.html"] = errors.New("access point misconfigured")

	res, err := newExecutor(s, root).Execute(context.Background(), &plan.SyncPlan{ToUpload: entries})

	var pf *deployerr.PartialSyncFailure
	require.True(t, errors.As(err, &pf), "expected PartialSyncFailure, got %v", err)
	require.Len(t, pf.Failures, 1)
	assert.Equal(t, "page3.html", pf.Failures[0].Path)
	assert.Equal(t, "upload", pf.Failures[0].Op)
	assert.Equal(t, []string{"page3.html"}, pf.Paths())

	assert.Len(t, res.Uploaded, 9)
	assert.NotContains(t, res.Uploaded, "page3.html")
	for key, n := range s.putCounts {
		assert.Equal(t, 1, n, "key %s put %d times", key, n)
	}
}

func TestExecute_TransientRetriedWithinBound(t *testing.T) {
	root, entries := siteWith(t, map[string]string{"index.html": "<html>"})

	s := newRecordingStore()
	s.failPut["site/index.html"] = deployerr.Unavailable(errors.New("503 slow down"))

	_, err := newExecutor(s, root).Execute(context.Background(), &plan.SyncPlan{ToUpload: entries})

	var pf *deployerr.PartialSyncFailure
	require.True(t, errors.As(err, &pf))
	assert.True(t, errors.Is(pf.Failures[0].Err, deployerr.ErrRemoteUnavailable))
	assert.Equal(t, 3, s.putCounts["site/index.html"])
}

func TestExecute_UploadsBeforeDeletes(t *testing.T) {
	root, entries := siteWith(t, map[string]string{
		"new-name.html": "renamed",
		"a.css":         "a",
		"b.js":          "b",
	})
	s := newRecordingStore()

	res, err := newExecutor(s, root).Execute(context.Background(), &plan.SyncPlan{
		ToUpload: entries,
		ToDelete: []string{"old-name.html", "gone.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone.png", "old-name.html"}, res.Deleted)

	lastPut, firstDelete := -1, len(s.calls)
	for i, c := range s.calls {
		if c[:3] == "put" {
			lastPut = i
		} else if i < firstDelete {
			firstDelete = i
		}
	}
	assert.Less(t, lastPut, firstDelete, "calls: %v", s.calls)
}

func TestExecute_DeleteFailureDoesNotStopOthers(t *testing.T) {
	s := newRecordingStore()
	s.failDelete["site/b.html"] = errors.New("denied")

	res, err := newExecutor(s, t.TempDir()).Execute(context.Background(), &plan.SyncPlan{
		ToDelete: []string{"a.html", "b.html", "c.html"},
	})

	var pf *deployerr.PartialSyncFailure
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, []string{"b.html"}, pf.Paths())
	assert.Equal(t, []string{"a.html", "c.html"}, res.Deleted)
	assert.Equal(t, 3, pf.Attempted)
}

func TestExecute_CacheControlAndContentType(t *testing.T) {
	root, entries := siteWith(t, map[string]string{
		"index.html":         "<html>",
		"assets/app.9f8e.js": "x",
	})
	s := newRecordingStore()

	_, err := newExecutor(s, root).Execute(context.Background(), &plan.SyncPlan{ToUpload: entries})
	require.NoError(t, err)

	assert.Equal(t, NoCache, s.CacheControl("site/index.html"))
	assert.Equal(t, Immutable, s.CacheControl("site/assets/app.9f8e.js"))

	objects, err := s.List(context.Background(), "site/")
	require.NoError(t, err)
	for _, o := range objects {
		assert.Equal(t, manifest.ContentType(o.Key), o.ContentType)
	}
}

func TestExecute_FileChangedAfterManifest(t *testing.T) {
	root, entries := siteWith(t, map[string]string{"index.html": "<html>v1"})
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>v2"), 0644))

	s := newRecordingStore()
	_, err := newExecutor(s, root).Execute(context.Background(), &plan.SyncPlan{ToUpload: entries})

	var pf *deployerr.PartialSyncFailure
	require.True(t, errors.As(err, &pf))
	assert.True(t, errors.Is(pf.Failures[0].Err, deployerr.ErrIO))
	assert.Empty(t, s.calls)
}

// drainingStore reads part of the body and fails the first put of each key,
// the way a connection reset mid-upload does.
type drainingStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	attempts map[string]int
}

func (d *drainingStore) Put(ctx context.Context, in store.PutInput) error {
	d.mu.Lock()
	d.attempts[in.Key]++
	first := d.attempts[in.Key] == 1
	d.mu.Unlock()
	if first {
		if _, err := io.CopyN(io.Discard, in.Body, 3); err != nil {
			return err
		}
		return deployerr.Unavailable(errors.New("connection reset"))
	}
	return d.MemoryStore.Put(ctx, in)
}

func TestExecute_RetryResendsWholeBody(t *testing.T) {
	root, entries := siteWith(t, map[string]string{"index.html": "<html>hello</html>"})
	s := &drainingStore{MemoryStore: store.NewMemoryStore(), attempts: map[string]int{}}

	res, err := newExecutor(s, root).Execute(context.Background(), &plan.SyncPlan{ToUpload: entries})
	require.NoError(t, err)
	assert.Equal(t, []string{"index.html"}, res.Uploaded)
	assert.Equal(t, 2, s.attempts["site/index.html"])
	assert.Equal(t, "<html>hello</html>", string(s.Body("site/index.html")))
}

func TestExecute_StreamsFromFile(t *testing.T) {
	root, entries := siteWith(t, map[string]string{"app.js": "console.log(1)"})
	s := newRecordingStore()

	var got store.PutInput
	x := newExecutor(putFunc(func(ctx context.Context, in store.PutInput) error {
		got = in
		return s.Put(ctx, in)
	}, s), root)
	_, err := x.Execute(context.Background(), &plan.SyncPlan{ToUpload: entries})
	require.NoError(t, err)

	assert.IsType(t, &os.File{}, got.Body)
	assert.Equal(t, int64(len("console.log(1)")), got.Size)
	assert.Equal(t, "console.log(1)", string(s.Body("site/app.js")))
}

type putFuncStore struct {
	store.ObjectStore
	put func(ctx context.Context, in store.PutInput) error
}

func (p putFuncStore) Put(ctx context.Context, in store.PutInput) error { return p.put(ctx, in) }

func putFunc(fn func(ctx context.Context, in store.PutInput) error, next store.ObjectStore) store.ObjectStore {
	return putFuncStore{ObjectStore: next, put: fn}
}

func TestExecute_DryRun(t *testing.T) {
	root, entries := siteWith(t, map[string]string{"index.html": "<html>"})
	s := newRecordingStore()

	x := NewExecutor(s, Config{Root: root, Policy: DefaultCachePolicy(), DryRun: true}, testLogger())
	res, err := x.Execute(context.Background(), &plan.SyncPlan{ToUpload: entries, ToDelete: []string{"old.html"}})
	require.NoError(t, err)
	assert.Empty(t, res.ChangedPaths())
	assert.Empty(t, s.calls)
}
