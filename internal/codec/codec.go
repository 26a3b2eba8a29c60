// Package codec defines the streaming compression and encryption interfaces
// the object-store frontend wraps block bodies with, plus the
// concrete default implementations: a zstd Compressor and a chunked-AEAD
// chacha20poly1305 Encryptor. Neither the frontend nor the volume layer
// hard-codes either implementation.
package codec

import "io"

// Compressor produces streaming compressor/decompressor pairs.
type Compressor interface {
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Encryptor produces streaming encryptor/decryptor pairs keyed by a 32-byte
// key. Implementations must support reading a partial prefix of the stream
// without buffering the whole plaintext.
type Encryptor interface {
	NewWriter(w io.Writer, key [32]byte) (io.WriteCloser, error)
	NewReader(r io.Reader, key [32]byte) (io.ReadCloser, error)
}
