package codec

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor is the default Compressor, backed by
// github.com/klauspost/compress/zstd. Its streaming writer/reader map
// directly onto the Compressor interface.
type ZstdCompressor struct {
	level zstd.EncoderLevel
}

// NewZstdCompressor returns a Compressor at the given level. A zero value
// selects zstd's default level (SpeedDefault).
func NewZstdCompressor(level zstd.EncoderLevel) *ZstdCompressor {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return &ZstdCompressor{level: level}
}

// NewWriter returns a zstd encoder wrapping w. Closing it flushes the final
// frame.
func (c *ZstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
}

type zstdReadCloser struct {
	dec *zstd.Decoder
}

func (r *zstdReadCloser) Read(p []byte) (int, error) { return r.dec.Read(p) }
func (r *zstdReadCloser) Close() error                { r.dec.Close(); return nil }

// NewReader returns a zstd decoder wrapping r.
func (c *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &zstdReadCloser{dec: dec}, nil
}

var _ Compressor = (*ZstdCompressor)(nil)
