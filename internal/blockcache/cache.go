package blockcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/cloudcached/internal/coreerr"
)

// Source is the narrow view of the object-store frontend the cache needs:
// fetch a key's current bytes on miss, submit dirty bytes at checkpoint,
// and barrier on outstanding uploads. Injected here (rather than imported
// directly) so the cache has no import-time dependency on
// internal/frontend.
type Source interface {
	Fetch(ctx context.Context, key string, bitmapInfo BitmapInfo, sizeHint int64) (data []byte, found bool, err error)
	Submit(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Sync(ctx context.Context) error
}

// CacheMetrics observes the transactional cache's hit rate, residency, and
// checkpoint behavior. Defined next to the subsystem it measures, with the
// Prometheus implementation living in pkg/metrics/prometheus; nil is the
// zero-overhead default.
type CacheMetrics interface {
	// ObserveGet records one Get call: whether it hit resident data or
	// fetched from the backend, the entry size, and how long it took.
	ObserveGet(hit bool, bytes int64, d time.Duration)

	// ObserveCheckpoint records one completed checkpoint's submitted byte
	// count, entry count, and wall-clock duration.
	ObserveCheckpoint(bytes int64, entries int, d time.Duration)

	// RecordResidency reports the current entry count and byte total,
	// called after admission/eviction changes the resident set.
	RecordResidency(entries int, bytes int64)
}

// Cache is the transactional block cache. A single mutex serializes
// admission and entry-map mutation; fetches/uploads run outside the lock
// and synchronize per-key via each entry's waiter list, which is what
// guarantees at most one concurrent fetch per key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	maxSize int64
	curSize int64

	src      Source
	watchdog WatchdogBands
	metrics  CacheMetrics

	dirtyBytes     int64
	submittedBytes int64
}

// New constructs a Cache backed by src, admitting up to maxSize bytes
// (0 = unlimited).
func New(src Source, maxSize int64) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		maxSize:  maxSize,
		src:      src,
		watchdog: DefaultWatchdogBands,
	}
}

// SetMetrics attaches m as the cache's metrics sink. Passing nil (the
// default) disables instrumentation with zero overhead.
func (c *Cache) SetMetrics(m CacheMetrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

func (c *Cache) observeResidencyLocked() {
	if c.metrics != nil {
		c.metrics.RecordResidency(len(c.entries), c.curSize)
	}
}

// Get returns a referenced Handle for key, fetching from the source on miss.
// bitmapInfo=BitmapNotPresent means "new block, create empty".
func (c *Cache) Get(ctx context.Context, key string, bitmapInfo BitmapInfo, flags Flags, sizeHint int64, tag string) (*Handle, error) {
	start := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}

	if e, ok := c.entries[key]; ok {
		if e.fetching {
			wait := make(chan struct{})
			e.waiters = append(e.waiters, wait)
			c.mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			c.mu.Lock()
			e = c.entries[key]
			if e == nil || e.fetchErr != nil {
				err := fmt.Errorf("blockcache: fetch %q: %w", key, errOrUnknown(e))
				c.mu.Unlock()
				return nil, err
			}
		}
		e.refcount++
		e.lastUsed = time.Now()
		e.tag = firstNonEmpty(tag, e.tag)
		h := &Handle{Key: key, Data: e.data, Size: e.size, BitmapInfo: e.bitmapInfo}
		m := c.metrics
		c.mu.Unlock()
		if m != nil {
			m.ObserveGet(true, h.Size, time.Since(start))
		}
		return h, nil
	}

	// Miss: admit a placeholder entry marked "fetching" so concurrent callers
	// for the same key park on its waiter list instead of re-issuing the fetch.
	e := &entry{key: key, bitmapInfo: bitmapInfo, fetching: true, tag: tag, flags: flags, lastUsed: time.Now()}
	c.entries[key] = e
	c.mu.Unlock()

	var (
		data  []byte
		found bool
		err   error
	)
	if bitmapInfo == BitmapNotPresent {
		data, found = make([]byte, 0, sizeHint), true
	} else {
		data, found, err = c.src.Fetch(ctx, key, bitmapInfo, sizeHint)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e = c.entries[key]
	if err != nil {
		delete(c.entries, key)
		wakeAll(e)
		return nil, coreerr.Wrapf(coreerr.Classify(err), err, "fetch block %q", key)
	}
	if !found {
		delete(c.entries, key)
		wakeAll(e)
		return nil, coreerr.ErrNotFound
	}

	e.data = data
	e.size = int64(len(data))
	e.fetching = false
	e.refcount = 1
	wakeAll(e)

	c.curSize += e.size
	if c.maxSize > 0 && c.curSize > c.maxSize {
		c.evictLRUToTargetLocked(c.maxSize)
	}
	c.observeResidencyLocked()
	m := c.metrics

	h := &Handle{Key: key, Data: e.data, Size: e.size, BitmapInfo: e.bitmapInfo}
	if m != nil {
		m.ObserveGet(false, h.Size, time.Since(start))
	}
	return h, nil
}

func errOrUnknown(e *entry) error {
	if e == nil {
		return fmt.Errorf("entry evicted during fetch")
	}
	return e.fetchErr
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func wakeAll(e *entry) {
	if e == nil {
		return
	}
	for _, w := range e.waiters {
		close(w)
	}
	e.waiters = nil
}

// Put writes newData into key's resident entry, marking it dirty. The key
// must already be resident; the volume write path always fetches via Get
// first.
func (c *Cache) Put(key string, newData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, key)
	}

	delta := int64(len(newData)) - e.size
	if !e.dirty {
		c.dirtyBytes += int64(len(newData))
	} else {
		c.dirtyBytes += delta
	}
	c.curSize += delta

	e.data = newData
	e.size = int64(len(newData))
	e.dirty = true
	e.submitted = false
	e.bitmapInfo = BitmapPresent
	e.lastUsed = time.Now()
	return nil
}

// Release decrements key's reference count (release(key)).
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.refcount > 0 {
		e.refcount--
	}
}

// Del removes key from the cache and calls Source.Delete for it before
// returning; the backend delete is not deferred to the next checkpoint.
func (c *Cache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		if e.dirty {
			c.dirtyBytes -= e.size
		}
		c.curSize -= e.size
		delete(c.entries, key)
	}
	c.mu.Unlock()

	return c.src.Delete(ctx, key)
}

// DirtyAll marks every resident entry dirty, used by checkpoint-adjacent
// recovery paths that must force a full re-submit.
func (c *Cache) DirtyAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if !e.dirty && !e.fetching {
			c.dirtyBytes += e.size
			e.dirty = true
			e.submitted = false
		}
	}
}

// HasItemCached reports whether key currently has a resident entry.
func (c *Cache) HasItemCached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// SetSecondChances sets the eviction-survival counter for key, used to
// keep small, frequently re-read metadata blocks resident.
func (c *Cache) SetSecondChances(key string, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, key)
	}
	e.secondChances = n
	return nil
}

// Stats returns the cache's dirty/submitted/total byte accounting.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalBytes:     c.curSize,
		DirtyBytes:     c.dirtyBytes,
		SubmittedBytes: c.submittedBytes,
		EntryCount:     len(c.entries),
	}
}

// Close marks the cache closed; subsequent Get calls fail with ErrCacheClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
