package mountstatus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/cloudcached/internal/logger"
)

func TestSetAndRead(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	require.NoError(t, w.Set(StateMounted, nil))

	st, err := Read(dir)
	require.NoError(t, err)
	require.Equal(t, StateMounted, st.State)
	require.Empty(t, st.Err)
	require.False(t, st.UpdatedAt.IsZero())
}

func TestErrorStateCarriesCauseAndLogs(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	logger.Error("checkpoint failed", "trans_id", 7)
	require.NoError(t, w.Set(StateError, errors.New("backend unreachable")))

	st, err := Read(dir)
	require.NoError(t, err)
	require.Equal(t, StateError, st.State)
	require.Equal(t, "backend unreachable", st.Err)
	require.NotEmpty(t, st.LastLogs)
}

func TestReadMissingFileReportsStopped(t *testing.T) {
	st, err := Read(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, StateStopped, st.State)
}

func TestSetOverwritesPreviousState(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	require.NoError(t, w.Set(StateReadOnly, errors.New("checkpoint retry pending")))
	require.NoError(t, w.Set(StateMounted, nil))

	st, err := Read(dir)
	require.NoError(t, err)
	require.Equal(t, StateMounted, st.State)
	require.Empty(t, st.Err)
	require.Empty(t, st.LastLogs)
}
