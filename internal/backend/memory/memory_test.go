package memory

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/cloudcached/internal/backend"
)

func TestPutGetRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()

	res, err := b.Put(ctx, "b_0", bytes.NewReader([]byte("hello")), 0)
	require.NoError(t, err)
	require.NotEmpty(t, res.MD5)

	r, getRes, err := b.Get(ctx, "b_0", "", backend.GetDecrypted)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
	require.Equal(t, res.MD5, getRes.MD5)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	b := New()
	_, _, err := b.Get(context.Background(), "nope", "", 0)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestDeleteRemovesObject(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.Put(ctx, "k", bytes.NewReader([]byte("x")), 0)
	require.NoError(t, err)
	require.True(t, b.Exists("k"))

	require.NoError(t, b.Delete(ctx, []string{"k"}, false))
	require.False(t, b.Exists("k"))
}

func TestListEnumeratesAllObjects(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, _ = b.Put(ctx, "a", bytes.NewReader([]byte("1")), 0)
	_, _ = b.Put(ctx, "b", bytes.NewReader([]byte("22")), 0)

	seen := map[string]int64{}
	err := b.List(ctx, func(key, md5 string, size int64, mtime time.Time) error {
		seen[key] = size
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), seen["a"])
	require.Equal(t, int64(2), seen["b"])
}
