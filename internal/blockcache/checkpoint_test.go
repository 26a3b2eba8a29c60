package blockcache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBarrier struct {
	mu     sync.Mutex
	locked bool
}

func (b *fakeBarrier) Lock(ctx context.Context) (func(), error) {
	b.mu.Lock()
	b.locked = true
	return func() {
		b.locked = false
		b.mu.Unlock()
	}, nil
}

type fakeSlog struct {
	syncs   int
	rotated int
}

func (s *fakeSlog) Sync() error        { s.syncs++; return nil }
func (s *fakeSlog) RotateUnsyncedKeys() { s.rotated++ }

type fakeBitmap struct {
	flushed, reopened int
	reopenedAt        uint64
}

func (b *fakeBitmap) Flush(ctx context.Context) error { b.flushed++; return nil }
func (b *fakeBitmap) Reopen(transid uint64) error {
	b.reopened++
	b.reopenedAt = transid
	return nil
}

type fakeTrans struct {
	next uint64
}

func (t *fakeTrans) AdvanceTransaction(ctx context.Context, complete bool) (uint64, error) {
	t.next++
	return t.next, nil
}

func TestCheckpointRunsAllSevenSteps(t *testing.T) {
	src := newFakeSource()
	src.objects["b0"] = []byte("old")
	c := New(src, 0)

	_, err := c.Get(context.Background(), "b0", BitmapPresent, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, c.Put("b0", []byte("newer")))
	c.Release("b0")

	barrier := &fakeBarrier{}
	slog := &fakeSlog{}
	bm1, bm2, bm3 := &fakeBitmap{}, &fakeBitmap{}, &fakeBitmap{}
	trans := &fakeTrans{}

	newID, err := c.Checkpoint(context.Background(), true, CheckpointDeps{
		Barrier: barrier,
		Slog:    slog,
		Bitmaps: []BitmapStore{bm1, bm2, bm3},
		Trans:   trans,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), newID)

	require.Equal(t, 1, slog.syncs)
	require.Equal(t, 1, slog.rotated)
	require.Equal(t, 1, src.synced)
	require.Equal(t, []byte("newer"), src.submitted["b0"])
	for _, bm := range []*fakeBitmap{bm1, bm2, bm3} {
		require.Equal(t, 1, bm.flushed)
		require.Equal(t, 1, bm.reopened)
		require.EqualValues(t, 1, bm.reopenedAt)
	}
	require.False(t, barrier.locked, "barrier must be released after checkpoint")

	stats := c.Stats()
	require.Equal(t, int64(0), stats.DirtyBytes)
	require.Equal(t, int64(len("newer")), stats.SubmittedBytes)
}

func TestCheckpointWithoutSubmitLeavesEntriesDirty(t *testing.T) {
	src := newFakeSource()
	c := New(src, 0)
	_, err := c.Get(context.Background(), "b0", BitmapNotPresent, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, c.Put("b0", []byte("x")))

	_, err = c.Checkpoint(context.Background(), false, CheckpointDeps{
		Barrier: &fakeBarrier{},
		Slog:    &fakeSlog{},
		Trans:   &fakeTrans{},
	})
	require.NoError(t, err)
	require.Empty(t, src.submitted)
}
