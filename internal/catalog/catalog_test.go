package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetObjectResolvesNewestAtOrBelowTransID(t *testing.T) {
	c := openTest(t)

	require.NoError(t, c.PutObject(ObjectRow{CDID: 1, TransID: 5, Key: "b0", MD5: "aaa", Size: 10}))
	require.NoError(t, c.PutObject(ObjectRow{CDID: 1, TransID: 8, Key: "b0", MD5: "bbb", Size: 20}))
	require.NoError(t, c.PutObject(ObjectRow{CDID: 1, TransID: 12, Key: "b0", MD5: "ccc", Size: 30}))

	row, ok, err := c.GetObject(1, "b0", 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bbb", row.MD5)

	row, ok, err = c.GetObject(1, "b0", 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ccc", row.MD5)

	_, ok, err = c.GetObject(1, "b0", 4)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkDeletedLeavesTombstoneVisibleToResolution(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.PutObject(ObjectRow{CDID: 1, TransID: 1, Key: "b0", MD5: "aaa"}))
	require.NoError(t, c.MarkDeleted(1, 2, "b0"))

	row, ok, err := c.GetObject(1, "b0", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, row.Deleted)
}

func TestListObjectsEnumeratesAllVersionsForCD(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.PutObject(ObjectRow{CDID: 1, TransID: 1, Key: "b0"}))
	require.NoError(t, c.PutObject(ObjectRow{CDID: 1, TransID: 2, Key: "b1"}))
	require.NoError(t, c.PutObject(ObjectRow{CDID: 2, TransID: 1, Key: "b0"}))

	var keys []string
	require.NoError(t, c.ListObjects(1, func(row ObjectRow) error {
		keys = append(keys, row.Key)
		return nil
	}))
	require.ElementsMatch(t, []string{"b0", "b1"}, keys)
}

func TestTransactionFinalizeAndComplete(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.NewTransaction(1, 5))

	row, ok, err := c.GetTransaction(1, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, row.Active)
	require.False(t, row.Finalized)

	require.NoError(t, c.FinalizeTransaction(1, 5, false))
	row, _, err = c.GetTransaction(1, 5)
	require.NoError(t, err)
	require.True(t, row.Finalized)
	require.False(t, row.Completed)

	require.NoError(t, c.FinalizeTransaction(1, 5, true))
	row, _, err = c.GetTransaction(1, 5)
	require.NoError(t, err)
	require.True(t, row.Completed)
}

func TestSetActiveTransactionsMarksOthersInactive(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.NewTransaction(1, 1))
	require.NoError(t, c.NewTransaction(1, 2))
	require.NoError(t, c.NewTransaction(1, 3))

	inactive, err := c.SetActiveTransactions(1, []uint64{2})
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 3}, inactive)

	row, _, err := c.GetTransaction(1, 2)
	require.NoError(t, err)
	require.True(t, row.Active)
}

func TestTaskQueueFIFO(t *testing.T) {
	c := openTest(t)
	id1, err := c.EnqueueTask(TaskRemoveOldObjects, 1, 5, time.Now())
	require.NoError(t, err)
	id2, err := c.EnqueueTask(TaskRemoveTransaction, 1, 6, time.Now())
	require.NoError(t, err)
	require.Less(t, id1, id2)

	tasks, err := c.NextTasks(10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, TaskRemoveOldObjects, tasks[0].Kind)
	require.Equal(t, TaskRemoveTransaction, tasks[1].Kind)

	require.NoError(t, c.CompleteTask(id1))
	tasks, err = c.NextTasks(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, id2, tasks[0].ID)
}

func TestTaskCursorSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "objects.db")
	c, err := Open(dir)
	require.NoError(t, err)
	id1, err := c.EnqueueTask(TaskRemoveOldObjects, 1, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()
	id2, err := c2.EnqueueTask(TaskRemoveOldObjects, 1, 2, time.Now())
	require.NoError(t, err)
	require.Greater(t, id2, id1)
}

func TestGenerationSkipAheadNeverGoesBackwards(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.SetGeneration(1, 50))

	next, err := c.SkipGeneration(1, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(150), next)

	gen, err := c.Generation(1)
	require.NoError(t, err)
	require.Equal(t, uint64(150), gen)
}

func TestMiscTable(t *testing.T) {
	c := openTest(t)
	_, ok, err := c.GetMisc("cd_magic_file")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.SetMisc("cd_magic_file", []byte("CD_MAGIC")))
	val, ok, err := c.GetMisc("cd_magic_file")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("CD_MAGIC"), val)
}

func TestIsEmpty(t *testing.T) {
	c := openTest(t)
	empty, err := c.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, c.PutObject(ObjectRow{CDID: 1, TransID: 1, Key: "b0"}))
	empty, err = c.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)
}
