package store

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore is an in-process ObjectStore. It exists as a test double for
// the sync flow; the CLI always talks to S3.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memObject
}

type memObject struct {
	body         []byte
	contentType  string
	cacheControl string
	hash         string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]RemoteObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RemoteObject
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, RemoteObject{Key: k, ETagOrHash: o.hash, ContentType: o.contentType, Size: int64(len(o.body))})
		}
	}
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, in PutInput) error {
	var body []byte
	if in.Body != nil {
		if _, err := in.Body.Seek(0, io.SeekStart); err != nil {
			return errors.Wrapf(err, "rewinding body for %s", in.Key)
		}
		var err error
		if body, err = io.ReadAll(in.Body); err != nil {
			return errors.Wrapf(err, "reading body for %s", in.Key)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[in.Key] = memObject{body: body, contentType: in.ContentType, cacheControl: in.CacheControl, hash: in.ContentHash}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// CacheControl returns the Cache-Control stored with key.
func (m *MemoryStore) CacheControl(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].cacheControl
}

// Body returns the bytes stored under key.
func (m *MemoryStore) Body(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].body
}
