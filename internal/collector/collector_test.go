package collector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/cloudcached/internal/catalog"
)

type fakeFrontend struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeFrontend) ObjectName(transid uint64, key string) string {
	return fmt.Sprintf("%s@%d", key, transid)
}

func (f *fakeFrontend) MarkerNames(transid uint64) (string, string, string) {
	id := fmt.Sprintf("%d", transid)
	return id + "_finalized", id + "_complete", id + "_inactive"
}

func (f *fakeFrontend) DeleteBackendObjects(ctx context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, names...)
	return nil
}

func newTestCollector(t *testing.T) (*Collector, *catalog.Catalog, *fakeFrontend) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	fe := &fakeFrontend{}
	c := New(cat, fe, 1)
	return c, cat, fe
}

func TestRemoveOldObjectsDeletesSupersededVersionsOnly(t *testing.T) {
	c, cat, fe := newTestCollector(t)

	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 0, Key: "b0", MD5: "a"}))
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 3, Key: "b0", MD5: "b"}))
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 5, Key: "b0", MD5: "c"}))
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 0, Key: "b1", MD5: "d"}))

	n, err := c.removeOldObjects(context.Background(), 5, false)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, fe.deleted, 2)

	row, ok, err := cat.GetObject(1, "b0", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c", row.MD5)

	row, ok, err = cat.GetObject(1, "b1", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "d", row.MD5)
}

func TestRemoveOldObjectsDryRunTouchesNothing(t *testing.T) {
	c, cat, fe := newTestCollector(t)
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 0, Key: "b0", MD5: "a"}))
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 2, Key: "b0", MD5: "b"}))

	n, err := c.removeOldObjects(context.Background(), 2, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, fe.deleted)

	row, ok, err := cat.GetObject(1, "b0", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", row.MD5)
}

func TestRemoveTransactionDeletesObjectsMarkersAndRow(t *testing.T) {
	c, cat, fe := newTestCollector(t)
	require.NoError(t, cat.NewTransaction(1, 7))
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 7, Key: "b0", MD5: "a"}))
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 7, Key: "b1", MD5: "b"}))

	n, err := c.removeTransaction(context.Background(), 7, false)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, fe.deleted, 5) // 2 objects + 3 markers

	_, ok, err := cat.GetObject(1, "b0", 100)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = cat.GetTransaction(1, 7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPollCoalescesMultipleRemoveOldObjectsTasks(t *testing.T) {
	c, cat, _ := newTestCollector(t)
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 0, Key: "b0", MD5: "a"}))
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 2, Key: "b0", MD5: "b"}))
	require.NoError(t, cat.PutObject(catalog.ObjectRow{CDID: 1, TransID: 4, Key: "b0", MD5: "c"}))

	_, err := cat.EnqueueTask(catalog.TaskRemoveOldObjects, 1, 2, time.Now())
	require.NoError(t, err)
	_, err = cat.EnqueueTask(catalog.TaskRemoveOldObjects, 1, 4, time.Now())
	require.NoError(t, err)

	stats, err := c.Poll(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 2, stats.TasksProcessed)
	require.Equal(t, 2, stats.ObjectsDeleted)

	row, ok, err := cat.GetObject(1, "b0", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c", row.MD5)

	remaining, err := cat.NextTasks(10)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestPauseBlocksUntilRunningBatchFinishes(t *testing.T) {
	c, _, _ := newTestCollector(t)

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	released := make(chan struct{})
	go func() {
		release, err := c.Pause(context.Background())
		require.NoError(t, err)
		release()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Pause returned before running batch finished")
	case <-time.After(50 * time.Millisecond):
	}

	c.mu.Lock()
	c.running = false
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Pause never returned after running cleared")
	}
}
