// Package memory implements internal/backend.Backend entirely in-process,
// for use by the core's test suites in place of a real object store.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/cloudcached/internal/backend"
)

type object struct {
	data  []byte
	md5   string
	mtime time.Time
}

// Backend is an in-memory backend.Backend, safe for concurrent use.
// GetCallCount reports Get invocations per key, letting tests assert the
// at-most-one-fetch-per-key guarantee at the backend boundary.
type Backend struct {
	mu       sync.Mutex
	objects  map[string]object
	getCalls map[string]int
	caps     backend.Capabilities
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		objects:  make(map[string]object),
		getCalls: make(map[string]int),
		caps: backend.Capabilities{
			HasTransactions:     false,
			DelWithLocationInfo: false,
			OrderedDel:          false,
			MaxDelSize:          1000,
			NumDelParallel:      4,
		},
	}
}

// GetCallCount returns how many times Get has been called for key.
func (b *Backend) GetCallCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls[key]
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, key string, md5Hex string, flags backend.GetFlags) (io.ReadCloser, backend.GetResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.getCalls[key]++
	obj, ok := b.objects[key]
	if !ok {
		return nil, backend.GetResult{Status: backend.StatusNotFound}, backend.ErrNotFound
	}

	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return io.NopCloser(bytes.NewReader(cp)), backend.GetResult{MD5: obj.md5}, nil
}

// Put implements backend.Backend.
func (b *Backend) Put(ctx context.Context, key string, src io.Reader, flags backend.PutFlags) (backend.PutResult, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return backend.PutResult{}, err
	}
	sum := md5.Sum(data)
	digest := hex.EncodeToString(sum[:])

	b.mu.Lock()
	b.objects[key] = object{data: data, md5: digest, mtime: time.Now()}
	b.mu.Unlock()

	return backend.PutResult{MD5: digest, CompressedSize: int64(len(data))}, nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, keys []string, background bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.objects, k)
	}
	return nil
}

// List implements backend.Backend.
func (b *Backend) List(ctx context.Context, fn func(key, md5 string, size int64, mtime time.Time) error) error {
	b.mu.Lock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make(map[string]object, len(b.objects))
	for k, v := range b.objects {
		snapshot[k] = v
	}
	b.mu.Unlock()

	for _, k := range keys {
		obj := snapshot[k]
		if err := fn(k, obj.md5, int64(len(obj.data)), obj.mtime); err != nil {
			return err
		}
	}
	return nil
}

// Sync implements backend.Backend; every Put above is already durable.
func (b *Backend) Sync(ctx context.Context) error { return nil }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities { return b.caps }

// Exists reports whether key is present, for test assertions.
func (b *Backend) Exists(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

// Keys returns a sorted snapshot of all object keys, for test assertions.
func (b *Backend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ backend.Backend = (*Backend)(nil)
