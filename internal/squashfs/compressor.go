package squashfs

import (
	"bytes"
	"compress/zlib"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/pgzip"
)

// Compressor is the interface the block processor consumes; spec.md §6
// describes it as clone()/compress(in, out) -> {ok, zero, err}. Clone
// must produce an independent, thread-local copy: the pool gives one
// clone to each worker so workers never share compressor state.
//
// Compress writes into dst (which has capacity for at most len(src)
// bytes — the caller never wants a "compressed" block that grew) and
// returns the number of bytes written. ok is false when the compressor
// decided compression wasn't worth it (the "zero" case in spec.md); in
// that case the caller discards dst's contents and keeps src unchanged.
type Compressor interface {
	Clone() Compressor
	Compress(dst, src []byte) (n int, ok bool, err error)
}

// zlibCompressor wraps compress/zlib the way writer.go's file type
// already did before blocks were routed through the processor:
// zlib.BestSpeed trades some ratio for roughly half the CPU cost of
// DefaultCompression.
type zlibCompressor struct {
	buf *bytes.Buffer
	zw  *zlib.Writer
}

func NewZlibCompressor() Compressor {
	zw, err := zlib.NewWriterLevel(nil, zlib.BestSpeed)
	if err != nil {
		// zlib.BestSpeed is a valid level by construction; this can't
		// fail in practice.
		panic(err)
	}
	return &zlibCompressor{buf: new(bytes.Buffer), zw: zw}
}

func (c *zlibCompressor) Clone() Compressor { return NewZlibCompressor() }

func (c *zlibCompressor) Compress(dst, src []byte) (int, bool, error) {
	c.buf.Reset()
	c.zw.Reset(c.buf)
	if _, err := c.zw.Write(src); err != nil {
		return 0, false, err
	}
	if err := c.zw.Close(); err != nil {
		return 0, false, err
	}
	if c.buf.Len() >= len(src) {
		return 0, false, nil
	}
	return copy(dst, c.buf.Bytes()), true, nil
}

// flateCompressor wraps klauspost/compress/flate, a faster drop-in
// deflate implementation without zlib's 6-byte wrapper, for callers who
// don't need zlib-compatible framing.
type flateCompressor struct {
	buf *bytes.Buffer
	fw  *flate.Writer
}

func NewFlateCompressor() Compressor {
	fw, err := flate.NewWriter(nil, flate.DefaultCompression)
	if err != nil {
		panic(err)
	}
	return &flateCompressor{buf: new(bytes.Buffer), fw: fw}
}

func (c *flateCompressor) Clone() Compressor { return NewFlateCompressor() }

func (c *flateCompressor) Compress(dst, src []byte) (int, bool, error) {
	c.buf.Reset()
	c.fw.Reset(c.buf)
	if _, err := c.fw.Write(src); err != nil {
		return 0, false, err
	}
	if err := c.fw.Close(); err != nil {
		return 0, false, err
	}
	if c.buf.Len() >= len(src) {
		return 0, false, nil
	}
	return copy(dst, c.buf.Bytes()), true, nil
}

// gzipCompressor wraps klauspost/pgzip, whose own Writer internally
// parallelizes across blocks; Clone is cheap here since a reset pgzip
// writer carries no state that needs to survive across workers.
type gzipCompressor struct {
	buf *bytes.Buffer
	gw  *pgzip.Writer
}

func NewGzipCompressor() Compressor {
	return &gzipCompressor{buf: new(bytes.Buffer), gw: pgzip.NewWriter(nil)}
}

func (c *gzipCompressor) Clone() Compressor { return NewGzipCompressor() }

func (c *gzipCompressor) Compress(dst, src []byte) (int, bool, error) {
	c.buf.Reset()
	c.gw.Reset(c.buf)
	if _, err := c.gw.Write(src); err != nil {
		return 0, false, err
	}
	if err := c.gw.Close(); err != nil {
		return 0, false, err
	}
	if c.buf.Len() >= len(src) {
		return 0, false, nil
	}
	return copy(dst, c.buf.Bytes()), true, nil
}
