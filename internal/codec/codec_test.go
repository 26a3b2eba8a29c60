package codec

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZstdRoundTrip(t *testing.T) {
	c := NewZstdCompressor(0)
	plain := bytes.Repeat([]byte("cloudcached block payload "), 10000)

	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Less(t, buf.Len(), len(plain))

	r, err := c.NewReader(&buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestChunkedEncryptorRoundTrip(t *testing.T) {
	e := NewChunkedEncryptor()
	var key [32]byte
	rand.New(rand.NewSource(1)).Read(key[:])

	plain := make([]byte, chunkPlainSize*3+123)
	rand.New(rand.NewSource(2)).Read(plain)

	var buf bytes.Buffer
	w, err := e.NewWriter(&buf, key)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := e.NewReader(&buf, key)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestChunkedEncryptorRejectsTamperedCiphertext(t *testing.T) {
	e := NewChunkedEncryptor()
	var key [32]byte

	var buf bytes.Buffer
	w, err := e.NewWriter(&buf, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("secret block"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	tampered := buf.Bytes()
	tampered[len(tampered)-1] ^= 0xFF

	r, err := e.NewReader(bytes.NewReader(tampered), key)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.Error(t, err)
}
