// Package store reads and writes the remote copy of the site.
package store

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/retry"
)

// HashMetadataKey is the user metadata key holding the SHA-256 of an object
// uploaded by hedgesite.
const HashMetadataKey = "sha256"

// RemoteObject is the remote counterpart of a manifest entry.
type RemoteObject struct {
	Key         string // full key when returned by ObjectStore.List, prefix-relative from FetchState
	ETagOrHash  string
	ContentType string
	Size        int64
}

// PutInput carries everything needed to upload one object. Body is rewound
// before every attempt, so it is read from the start even when a previous
// attempt consumed part of it.
type PutInput struct {
	Key          string
	Body         io.ReadSeeker
	Size         int64
	ContentType  string
	CacheControl string
	ContentHash  string // lowercase hex SHA-256 of Body
}

// ObjectStore is the object storage surface hedgesite needs.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]RemoteObject, error)
	Put(ctx context.Context, in PutInput) error
	Delete(ctx context.Context, key string) error
}

// NormalizePrefix strips leading slashes and ensures a non-empty prefix ends
// with exactly one slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// Key joins a normalized prefix and a relative path.
func Key(prefix, rel string) string {
	return NormalizePrefix(prefix) + strings.TrimPrefix(rel, "/")
}

// FetchState lists every object under prefix and returns them keyed relative
// to the prefix, sorted by key. Transient failures are retried per policy;
// a final failure matches deployerr.ErrRemoteUnavailable.
func FetchState(ctx context.Context, s ObjectStore, prefix string, policy retry.Policy) ([]RemoteObject, error) {
	prefix = NormalizePrefix(prefix)

	var objects []RemoteObject
	err := policy.Do(ctx, "list "+prefix, func(ctx context.Context) error {
		var err error
		objects, err = s.List(ctx, prefix)
		return err
	})
	if err != nil {
		err = deployerr.Classify(err)
		if !errors.Is(err, deployerr.ErrRemoteUnavailable) {
			err = deployerr.Unavailable(err)
		}
		return nil, errors.Wrapf(err, "listing objects under %q", prefix)
	}

	out := make([]RemoteObject, 0, len(objects))
	for _, o := range objects {
		rel := strings.TrimPrefix(o.Key, prefix)
		// Folder placeholder objects have no file counterpart.
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		o.Key = rel
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
