package blockcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	objects   map[string][]byte
	fetches   map[string]int
	fetchSlow bool
	submitted map[string][]byte
	deleted   []string
	synced    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		objects:   make(map[string][]byte),
		fetches:   make(map[string]int),
		submitted: make(map[string][]byte),
	}
}

func (f *fakeSource) Fetch(ctx context.Context, key string, bitmapInfo BitmapInfo, sizeHint int64) ([]byte, bool, error) {
	f.mu.Lock()
	f.fetches[key]++
	data, ok := f.objects[key]
	slow := f.fetchSlow
	f.mu.Unlock()

	if slow {
		time.Sleep(20 * time.Millisecond)
	}
	if !ok {
		return nil, false, nil
	}
	cp := append([]byte{}, data...)
	return cp, true, nil
}

func (f *fakeSource) Submit(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted[key] = append([]byte{}, data...)
	return nil
}

func (f *fakeSource) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeSource) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
	return nil
}

func (f *fakeSource) fetchCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[key]
}

func TestGetFetchesOnMissAndCachesResult(t *testing.T) {
	src := newFakeSource()
	src.objects["b0"] = []byte("hello")
	c := New(src, 0)

	h, err := c.Get(context.Background(), "b0", BitmapPresent, 0, 5, "")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), h.Data)
	require.Equal(t, 1, src.fetchCount("b0"))

	c.Release("b0")
	h2, err := c.Get(context.Background(), "b0", BitmapPresent, 0, 5, "")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), h2.Data)
	require.Equal(t, 1, src.fetchCount("b0"), "second get must hit the resident entry, not re-fetch")
}

func TestGetNotPresentCreatesEmptyBlock(t *testing.T) {
	src := newFakeSource()
	c := New(src, 0)

	h, err := c.Get(context.Background(), "new-block", BitmapNotPresent, 0, 128, "")
	require.NoError(t, err)
	require.Equal(t, int64(0), h.Size)
	require.Equal(t, 0, src.fetchCount("new-block"))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	src := newFakeSource()
	c := New(src, 0)

	_, err := c.Get(context.Background(), "nope", BitmapPresent, 0, 0, "")
	require.Error(t, err)
}

func TestConcurrentGetCoalescesToOneFetch(t *testing.T) {
	src := newFakeSource()
	src.objects["b0"] = []byte("data")
	src.fetchSlow = true
	c := New(src, 0)

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Get(context.Background(), "b0", BitmapPresent, 0, 0, "")
			if err == nil && string(h.Data) == "data" {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 20, successes.Load())
	require.Equal(t, 1, src.fetchCount("b0"), "at most one concurrent fetch per key")
}

func TestPutMarksEntryDirty(t *testing.T) {
	src := newFakeSource()
	c := New(src, 0)

	_, err := c.Get(context.Background(), "b0", BitmapNotPresent, 0, 0, "")
	require.NoError(t, err)

	require.NoError(t, c.Put("b0", []byte("newdata")))
	stats := c.Stats()
	require.Equal(t, int64(len("newdata")), stats.DirtyBytes)
}

func TestPutUnknownKeyFails(t *testing.T) {
	c := New(newFakeSource(), 0)
	err := c.Put("missing", []byte("x"))
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestDelRemovesEntryAndEnqueuesBackendDelete(t *testing.T) {
	src := newFakeSource()
	src.objects["b0"] = []byte("x")
	c := New(src, 0)

	_, err := c.Get(context.Background(), "b0", BitmapPresent, 0, 0, "")
	require.NoError(t, err)
	c.Release("b0")

	require.NoError(t, c.Del(context.Background(), "b0"))
	require.False(t, c.HasItemCached("b0"))
	require.Equal(t, []string{"b0"}, src.deleted)
}

func TestSetSecondChancesProtectsFromEviction(t *testing.T) {
	src := newFakeSource()
	c := New(src, 1) // tiny cache: any second admission evicts

	src.objects["meta"] = []byte("m")
	_, err := c.Get(context.Background(), "meta", BitmapPresent, 0, 0, MetadataTag)
	require.NoError(t, err)
	require.Zero(t, c.Stats().DirtyBytes) // clean, so only its second chances keep it resident
	c.Release("meta")
	require.NoError(t, c.SetSecondChances("meta", 3))

	src.objects["other"] = []byte("xx")
	_, err = c.Get(context.Background(), "other", BitmapPresent, 0, 0, "")
	require.NoError(t, err)

	require.True(t, c.HasItemCached("meta"), "second-chance entry should survive one eviction pass")
}

func TestAdmitAllowedBands(t *testing.T) {
	c := New(newFakeSource(), 0)

	require.True(t, c.AdmitAllowed(10<<30, 0, ""))
	require.True(t, c.AdmitAllowed(3<<30, 0, ""))   // throttle band still admits
	require.False(t, c.AdmitAllowed(512<<20, 0, "")) // critical band: non-metadata refused
	require.True(t, c.AdmitAllowed(512<<20, 0, MetadataTag))
	require.False(t, c.AdmitAllowed(1<<20, 0, MetadataTag)) // reserved floor: blocks everything
	require.True(t, c.AdmitAllowed(1<<20, FlagDisableThrottling, ""))
}

func TestDirtyAllMarksResidentEntriesDirty(t *testing.T) {
	src := newFakeSource()
	src.objects["a"] = []byte("1")
	c := New(src, 0)
	_, err := c.Get(context.Background(), "a", BitmapPresent, 0, 0, "")
	require.NoError(t, err)

	c.DirtyAll()
	stats := c.Stats()
	require.Equal(t, int64(1), stats.DirtyBytes)
}

func TestClosedCacheRejectsGet(t *testing.T) {
	c := New(newFakeSource(), 0)
	c.Close()
	_, err := c.Get(context.Background(), "a", BitmapPresent, 0, 0, "")
	require.ErrorIs(t, err, ErrCacheClosed)
}

func fmtKey(i int) string { return fmt.Sprintf("k%d", i) }
