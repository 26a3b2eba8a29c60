package slog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplayRecoversRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.slog")
	s, err := Open(path, 3, 0)
	require.NoError(t, err)

	require.NoError(t, s.Append(0, []byte("hello")))
	require.NoError(t, s.Append(4096, []byte("world")))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	records, ok, err := Replay(path, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, records, 2)
	require.Equal(t, int64(0), records[0].Offset)
	require.Equal(t, []byte("hello"), records[0].Payload)
	require.Equal(t, int64(4096), records[1].Offset)
	require.Equal(t, []byte("world"), records[1].Payload)
}

func TestReplayStaleBaseTransactionIsDiscardable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.slog")
	s, err := Open(path, 3, 0)
	require.NoError(t, err)
	require.NoError(t, s.Append(0, []byte("old")))
	require.NoError(t, s.Close())

	records, ok, err := Replay(path, 10)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, records)
}

func TestReplayFutureBaseTransactionIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.slog")
	s, err := Open(path, 10, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, ok, err := Replay(path, 3)
	require.Error(t, err)
	require.False(t, ok)
}

func TestReplayStopsAtCorruptedTailRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.slog")
	s, err := Open(path, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Append(0, []byte("good")))
	require.NoError(t, s.Close())

	// Append a truncated, bogus tail record directly to simulate a crash
	// mid-write.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0xff, 0xff, 0xff, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, ok, err := Replay(path, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, records, 1)
	require.Equal(t, []byte("good"), records[0].Payload)
}

func TestReopenTruncatesAndStartsFreshLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.slog")
	s, err := Open(path, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Append(0, []byte("before")))
	require.NoError(t, s.Reopen(1))
	require.EqualValues(t, 1, s.BaseTransID())
	require.NoError(t, s.Append(0, []byte("after")))
	require.NoError(t, s.Close())

	records, ok, err := Replay(path, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, records, 1)
	require.Equal(t, []byte("after"), records[0].Payload)
}

func TestExceedsMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.slog")
	s, err := Open(path, 0, 32)
	require.NoError(t, err)
	require.False(t, s.ExceedsMaxSize())
	require.NoError(t, s.Append(0, make([]byte, 64)))
	require.True(t, s.ExceedsMaxSize())
}
