// Package frame implements the wire framing shared by every peer
// connection: an 8-byte big-endian length prefix followed by a
// zlib-compressed payload. Reads and writes are each a single atomic
// operation relative to the underlying stream.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// DefaultMaxFrameBytes is the cap applied when a Codec is built with
// NewCodec's zero value for maxBytes.
const DefaultMaxFrameBytes = 64 * 1024 * 1024

// FrameError wraps any failure to read or write a frame: a short read, an
// oversized length prefix, decompression failure, or similar.
type FrameError struct {
	Op  string
	Err error
}

func (e *FrameError) Error() string { return fmt.Sprintf("frame: %s: %v", e.Op, e.Err) }
func (e *FrameError) Unwrap() error { return e.Err }

// ErrFrameTooLarge is returned when a peer advertises a length prefix
// exceeding the codec's configured cap.
var ErrFrameTooLarge = errors.New("frame exceeds max_frame_bytes")

// Codec reads and writes length-prefixed, zlib-compressed frames over a
// single underlying stream. It does not itself lock; callers serialize
// writers through the owning session's send queue.
type Codec struct {
	rw       io.ReadWriter
	maxBytes uint64
}

// NewCodec wraps rw. A maxBytes of 0 uses DefaultMaxFrameBytes.
func NewCodec(rw io.ReadWriter, maxBytes uint64) *Codec {
	if maxBytes == 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &Codec{rw: rw, maxBytes: maxBytes}
}

// MaxBytes reports the cap a too-large outgoing payload must be kept
// under, so callers building large messages (e.g. a DIR_STATE for a big
// tree) can budget for it before ever reaching WriteFrame.
func (c *Codec) MaxBytes() uint64 { return c.maxBytes }

// WriteFrame compresses payload and writes it as one length-prefixed frame.
func (c *Codec) WriteFrame(payload []byte) error {
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return &FrameError{Op: "compress", Err: err}
	}
	if err := zw.Close(); err != nil {
		return &FrameError{Op: "compress", Err: err}
	}

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(compressed.Len()))
	if _, err := c.rw.Write(header[:]); err != nil {
		return &FrameError{Op: "write length", Err: err}
	}
	if _, err := c.rw.Write(compressed.Bytes()); err != nil {
		return &FrameError{Op: "write payload", Err: err}
	}
	return nil
}

// ReadFrame blocks until one full frame has arrived, decompresses it, and
// returns the raw JSON payload.
func (c *Codec) ReadFrame() ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return nil, &FrameError{Op: "read length", Err: err}
	}
	n := binary.BigEndian.Uint64(header[:])
	if n > c.maxBytes {
		return nil, &FrameError{Op: "read length", Err: ErrFrameTooLarge}
	}

	compressed := make([]byte, n)
	if _, err := io.ReadFull(c.rw, compressed); err != nil {
		return nil, &FrameError{Op: "read payload", Err: err}
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, &FrameError{Op: "decompress", Err: err}
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, &FrameError{Op: "decompress", Err: err}
	}
	return payload, nil
}
