package codec

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// chunkPlainSize is the plaintext size sealed per AEAD chunk. Sealing in
// fixed chunks instead of one shot over the whole block means a reader can
// authenticate and emit a prefix of the stream without buffering the
// entire plaintext.
const chunkPlainSize = 64 * 1024

// ChunkedEncryptor is the default Encryptor: chacha20poly1305 AEAD applied
// to fixed-size plaintext chunks, each sealed under a distinct nonce
// derived from a random stream prefix plus a monotonic counter.
type ChunkedEncryptor struct{}

// NewChunkedEncryptor returns the default Encryptor.
func NewChunkedEncryptor() *ChunkedEncryptor { return &ChunkedEncryptor{} }

// streamHeaderSize is the random nonce prefix written once at the start of
// the stream; each chunk's nonce is this prefix with the low 8 bytes
// replaced by its chunk index.
const streamHeaderSize = 4

type chachaWriter struct {
	aead   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
	}
	w       io.Writer
	prefix  [streamHeaderSize]byte
	buf     []byte
	chunkNo uint64
	err     error
}

// NewWriter returns an encrypting writer. The first bytes written to w are
// a random stream prefix; callers must read it back via NewReader.
func (e *ChunkedEncryptor) NewWriter(w io.Writer, key [32]byte) (io.WriteCloser, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	cw := &chachaWriter{aead: aead, w: w}
	if _, err := io.ReadFull(rand.Reader, cw.prefix[:]); err != nil {
		return nil, err
	}
	if _, err := w.Write(cw.prefix[:]); err != nil {
		return nil, err
	}
	return cw, nil
}

func (cw *chachaWriter) nonce() []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n, cw.prefix[:])
	binary.BigEndian.PutUint64(n[chacha20poly1305.NonceSize-8:], cw.chunkNo)
	return n
}

func (cw *chachaWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	total := len(p)
	for len(p) > 0 {
		n := chunkPlainSize - len(cw.buf)
		if n > len(p) {
			n = len(p)
		}
		cw.buf = append(cw.buf, p[:n]...)
		p = p[n:]
		if len(cw.buf) == chunkPlainSize {
			if err := cw.flushChunk(); err != nil {
				cw.err = err
				return 0, err
			}
		}
	}
	return total, nil
}

func (cw *chachaWriter) flushChunk() error {
	sealed := cw.aead.Seal(nil, cw.nonce(), cw.buf, nil)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := cw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := cw.w.Write(sealed); err != nil {
		return err
	}
	cw.chunkNo++
	cw.buf = cw.buf[:0]
	return nil
}

// Close flushes the final, possibly short, chunk.
func (cw *chachaWriter) Close() error {
	if cw.err != nil {
		return cw.err
	}
	if len(cw.buf) > 0 {
		return cw.flushChunk()
	}
	return nil
}

type chachaReader struct {
	aead interface {
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	r       io.Reader
	prefix  [streamHeaderSize]byte
	chunkNo uint64
	pending []byte
	err     error
}

// NewReader returns a decrypting reader matching NewWriter's stream format.
func (e *ChunkedEncryptor) NewReader(r io.Reader, key [32]byte) (io.ReadCloser, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	cr := &chachaReader{aead: aead, r: r}
	if _, err := io.ReadFull(r, cr.prefix[:]); err != nil {
		return nil, err
	}
	return cr, nil
}

func (cr *chachaReader) nonce() []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n, cr.prefix[:])
	binary.BigEndian.PutUint64(n[chacha20poly1305.NonceSize-8:], cr.chunkNo)
	return n
}

var errShortChunk = errors.New("codec: truncated ciphertext chunk")

func (cr *chachaReader) fill() error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(cr.r, ciphertext); err != nil {
		return errShortChunk
	}
	plain, err := cr.aead.Open(nil, cr.nonce(), ciphertext, nil)
	if err != nil {
		return err
	}
	cr.chunkNo++
	cr.pending = plain
	return nil
}

func (cr *chachaReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	for len(cr.pending) == 0 {
		if err := cr.fill(); err != nil {
			cr.err = err
			return 0, err
		}
	}
	n := copy(p, cr.pending)
	cr.pending = cr.pending[n:]
	return n, nil
}

func (cr *chachaReader) Close() error { return nil }

var _ Encryptor = (*ChunkedEncryptor)(nil)
