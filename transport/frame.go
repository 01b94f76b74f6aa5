package transport

import (
	"encoding/binary"
	"io"

	"github.com/MEOFIXBUG/walrus/errs"
)

// Clients speak little-endian on the wire; both requests and responses use
// the same framing.
var byteOrder = binary.LittleEndian

// frameHeaderSize is the length prefix size.
const frameHeaderSize = 4

// MaxFrameSize is the maximum allowed frame payload size (4MB) to avoid abuse.
const MaxFrameSize = 4 * 1024 * 1024

// EncodeFrame writes length-prefixed data to w: 4-byte little-endian length
// + payload. It flushes only if w implements Flush (e.g. *bufio.Writer).
func EncodeFrame(w io.Writer, payload []byte) error {
	length := len(payload)
	if length == 0 || length > MaxFrameSize {
		return errs.ErrInvalidFrameLength
	}
	header := make([]byte, frameHeaderSize)
	byteOrder.PutUint32(header, uint32(length))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// DecodeFrame reads a length-prefixed frame from r and returns the payload.
// A length outside [1, MaxFrameSize] returns ErrInvalidFrameLength after
// consuming only the header, so the caller can report the error per-message
// and keep the connection open.
func DecodeFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := byteOrder.Uint32(header)
	if length == 0 || length > MaxFrameSize {
		return nil, errs.ErrInvalidFrameLength
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
