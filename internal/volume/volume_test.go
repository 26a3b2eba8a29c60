package volume

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/cloudcached/internal/bitmap"
	"github.com/marmos91/cloudcached/internal/blockcache"
	"github.com/marmos91/cloudcached/internal/extentlock"
	"github.com/marmos91/cloudcached/internal/frontend"
	wal "github.com/marmos91/cloudcached/internal/slog"
)

// fakeSource is a minimal in-memory blockcache.Source, following the same
// pattern as internal/blockcache's own fakeSource.
type fakeSource struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeSource() *fakeSource {
	return &fakeSource{objects: make(map[string][]byte)}
}

func (f *fakeSource) Fetch(ctx context.Context, key string, _ blockcache.BitmapInfo, _ int64) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (f *fakeSource) Submit(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeSource) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeSource) Sync(ctx context.Context) error { return nil }

// fakeTrans is a minimal blockcache.TransactionAdvancer.
type fakeTrans struct {
	mu   sync.Mutex
	next uint64
}

func (t *fakeTrans) AdvanceTransaction(ctx context.Context, complete bool) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return t.next, nil
}

// noopBarrier implements blockcache.Barrier without any real locking, for
// tests that don't exercise put/checkpoint exclusion directly.
type noopBarrier struct{}

func (noopBarrier) Lock(ctx context.Context) (func(), error) { return func() {}, nil }

func newTestVolume(t *testing.T, cfg Config, size int64) (*Volume, *fakeSource) {
	t.Helper()
	return newTestVolumeWithTrans(t, cfg, size, &fakeTrans{})
}

func newTestVolumeWithTrans(t *testing.T, cfg Config, size int64, trans blockcache.TransactionAdvancer) (*Volume, *fakeSource) {
	t.Helper()
	dir := t.TempDir()

	fine, err := bitmap.Open(filepath.Join(dir, "fine.bm"), uint64(ceilDiv(size, cfg.CellSize)), 64)
	require.NoError(t, err)
	big, err := bitmap.Open(filepath.Join(dir, "big.bm"), uint64(ceilDiv(size, cfg.BigBlockSize)), 64)
	require.NoError(t, err)
	oldBig, err := bitmap.Open(filepath.Join(dir, "oldbig.bm"), uint64(ceilDiv(size, cfg.BigBlockSize)), 64)
	require.NoError(t, err)

	src := newFakeSource()
	cache := blockcache.New(src, 0)

	v, err := New(context.Background(), cfg, Deps{
		Cache:   cache,
		Locks:   extentlock.New(),
		Fine:    fine,
		Big:     big,
		OldBig:  oldBig,
		Trans:   trans,
		Barrier: noopBarrier{},
	}, size)
	require.NoError(t, err)

	t.Cleanup(func() { v.Close() })
	return v, src
}

func smallCfg() Config {
	return Config{
		BigBlockSize:   64 * 1024,
		SmallBlockSize: 16 * 1024,
		CellSize:       1024,
		FractureDelay:  50 * time.Millisecond,
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	v, _ := newTestVolume(t, smallCfg(), 1<<20)

	data := []byte("the quick brown fox jumps over the lazy dog")
	n, err := v.Write(context.Background(), 100, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = v.Read(context.Background(), 100, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestReadSparseRegionReturnsZeroes(t *testing.T) {
	v, _ := newTestVolume(t, smallCfg(), 1<<20)

	buf := make([]byte, 256)
	for i := range buf {
		buf[i] = 0xAA
	}
	n, err := v.Read(context.Background(), 4096, buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	for _, b := range buf {
		require.EqualValues(t, 0, b)
	}
}

func TestReadPastEndReturnsShortRead(t *testing.T) {
	v, _ := newTestVolume(t, smallCfg(), 512)

	buf := make([]byte, 1024)
	n, err := v.Read(context.Background(), 256, buf)
	require.ErrorIs(t, err, ErrShortRead)
	require.Equal(t, 256, n)
}

func TestWriteSpanningMultipleBlocksTracksUsedBytes(t *testing.T) {
	cfg := smallCfg()
	v, _ := newTestVolume(t, cfg, 1<<20)

	data := make([]byte, cfg.BigBlockSize+cfg.SmallBlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	_, err := v.Write(context.Background(), 0, data)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), v.UsedBytes())

	buf := make([]byte, len(data))
	_, err = v.Read(context.Background(), 0, buf)
	require.NoError(t, err)
	require.Equal(t, data, buf)
}

func TestPunchHoleZeroesAndDeletesEmptiedBlocks(t *testing.T) {
	cfg := smallCfg()
	v, _ := newTestVolume(t, cfg, 1<<20)

	_, err := v.Write(context.Background(), 0, []byte("hello world"))
	require.NoError(t, err)

	require.NoError(t, v.PunchHole(context.Background(), 0, cfg.SmallBlockSize))
	require.Equal(t, int64(0), v.UsedBytes())

	buf := make([]byte, 11)
	_, err = v.Read(context.Background(), 0, buf)
	require.NoError(t, err)
	for _, b := range buf {
		require.EqualValues(t, 0, b)
	}
}

func TestPunchHoleRestoresBigBitWhenFragmentsEmptied(t *testing.T) {
	cfg := smallCfg()
	v, src := newTestVolume(t, cfg, 1<<20)

	// Force a fracture by writing, waiting past FractureDelay with no
	// further activity, then writing elsewhere to trigger the check.
	_, err := v.Write(context.Background(), 0, []byte("data"))
	require.NoError(t, err)

	time.Sleep(cfg.FractureDelay * 3)
	_, err = v.Write(context.Background(), cfg.BigBlockSize*4, []byte("elsewhere"))
	require.NoError(t, err)
	time.Sleep(cfg.FractureDelay * 3)

	oldBit, err := v.oldBig.Get(0)
	require.NoError(t, err)
	require.True(t, oldBit, "first big block should have fractured into small blocks")

	require.NoError(t, v.PunchHole(context.Background(), 0, cfg.BigBlockSize))

	bigBit, err := v.big.Get(0)
	require.NoError(t, err)
	require.True(t, bigBit, "emptied fractured region should restore its big bit")

	_ = src
}

func TestResizeGrowsAndShrinksBitmaps(t *testing.T) {
	cfg := smallCfg()
	v, _ := newTestVolume(t, cfg, cfg.BigBlockSize)

	require.NoError(t, v.Resize(context.Background(), cfg.BigBlockSize*8))
	require.Equal(t, cfg.BigBlockSize*8, v.Size())

	_, err := v.Write(context.Background(), cfg.BigBlockSize*7, []byte("tail"))
	require.NoError(t, err)

	require.NoError(t, v.Resize(context.Background(), cfg.BigBlockSize))
	require.Equal(t, cfg.BigBlockSize, v.Size())
}

func TestCheckpointAdvancesTransactionAndSubmitsDirty(t *testing.T) {
	v, src := newTestVolume(t, smallCfg(), 1<<20)

	_, err := v.Write(context.Background(), 0, []byte("persisted"))
	require.NoError(t, err)

	transID, err := v.Checkpoint(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), transID)

	src.mu.Lock()
	_, submitted := src.objects[frontend.ObjectKey(frontend.TierBig, 0)]
	src.mu.Unlock()
	require.True(t, submitted)
}

func TestCheckpointIsIdempotentUnderRepeatedCalls(t *testing.T) {
	v, _ := newTestVolume(t, smallCfg(), 1<<20)

	_, err := v.Write(context.Background(), 0, []byte("x"))
	require.NoError(t, err)

	id1, err := v.Checkpoint(context.Background(), true)
	require.NoError(t, err)
	id2, err := v.Checkpoint(context.Background(), true)
	require.NoError(t, err)
	require.Greater(t, id2, id1)
}

func TestReplaySlogReappliesUnsyncedWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := smallCfg()

	s, err := wal.Open(filepath.Join(dir, "slog"), 0, 1<<20)
	require.NoError(t, err)

	fine, err := bitmap.Open(filepath.Join(dir, "fine.bm"), uint64(ceilDiv(1<<20, cfg.CellSize)), 64)
	require.NoError(t, err)
	big, err := bitmap.Open(filepath.Join(dir, "big.bm"), uint64(ceilDiv(1<<20, cfg.BigBlockSize)), 64)
	require.NoError(t, err)
	oldBig, err := bitmap.Open(filepath.Join(dir, "oldbig.bm"), uint64(ceilDiv(1<<20, cfg.BigBlockSize)), 64)
	require.NoError(t, err)

	src := newFakeSource()
	cache := blockcache.New(src, 0)

	v, err := New(context.Background(), cfg, Deps{
		Cache:   cache,
		Locks:   extentlock.New(),
		Slog:    s,
		Fine:    fine,
		Big:     big,
		OldBig:  oldBig,
		Trans:   &fakeTrans{},
		Barrier: noopBarrier{},
	}, 1<<20)
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Write(context.Background(), 10, []byte("recovered"))
	require.NoError(t, err)

	records, ok, err := wal.Replay(filepath.Join(dir, "slog"), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, records, 1)

	v2, src2 := newTestVolume(t, cfg, 1<<20)
	require.NoError(t, v2.ReplaySlog(context.Background(), records))

	buf := make([]byte, len("recovered"))
	_, err = v2.Read(context.Background(), 10, buf)
	require.NoError(t, err)
	require.Equal(t, "recovered", string(buf))
	_ = src2
}

// flakyTrans fails AdvanceTransaction while fail is set.
type flakyTrans struct {
	mu   sync.Mutex
	fail bool
	next uint64
}

func (t *flakyTrans) setFail(v bool) {
	t.mu.Lock()
	t.fail = v
	t.mu.Unlock()
}

func (t *flakyTrans) AdvanceTransaction(ctx context.Context, complete bool) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return 0, errors.New("backend unreachable")
	}
	t.next++
	return t.next, nil
}

// recordingStatus captures mount-state transitions.
type recordingStatus struct {
	mu     sync.Mutex
	states []string
}

func (r *recordingStatus) Report(state string, cause error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func TestCheckpointFailureMakesMountReadOnly(t *testing.T) {
	trans := &flakyTrans{}
	cfg := smallCfg()
	cfg.CheckpointRetries = 1
	v, _ := newTestVolumeWithTrans(t, cfg, 1<<20, trans)

	status := &recordingStatus{}
	v.SetStatusReporter(status)

	_, err := v.Write(context.Background(), 0, []byte("dirty"))
	require.NoError(t, err)

	trans.setFail(true)
	_, err = v.Checkpoint(context.Background(), true)
	require.Error(t, err)
	require.True(t, v.ReadOnly())

	_, err = v.Write(context.Background(), 0, []byte("blocked"))
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, v.PunchHole(context.Background(), 0, 1024), ErrReadOnly)
	require.ErrorIs(t, v.Resize(context.Background(), 2<<20), ErrReadOnly)

	// Reads stay available while read-only.
	buf := make([]byte, 5)
	_, err = v.Read(context.Background(), 0, buf)
	require.NoError(t, err)
	require.Equal(t, "dirty", string(buf))

	// A successful checkpoint retry restores write access.
	trans.setFail(false)
	_, err = v.Checkpoint(context.Background(), true)
	require.NoError(t, err)
	require.False(t, v.ReadOnly())

	_, err = v.Write(context.Background(), 0, []byte("again"))
	require.NoError(t, err)

	status.mu.Lock()
	defer status.mu.Unlock()
	require.Equal(t, []string{"readonly", "mounted"}, status.states)
}
