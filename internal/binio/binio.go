// Package binio provides bounds-checked little-endian cursors over byte
// buffers. Every read advances the cursor only on success, so a failed decode
// leaves the reader positioned at the offending field.
package binio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortBuffer reports a read past the end of the input.
	ErrShortBuffer = errors.New("binio: short buffer")
	// ErrUnterminated reports a string without its NUL terminator.
	ErrUnterminated = errors.New("binio: unterminated string")
	// ErrNegativeLength reports a length prefix below zero.
	ErrNegativeLength = errors.New("binio: negative length")
)

// Reader is a forward-only cursor over a byte slice.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Offset returns the current cursor position.
func (r *Reader) Offset() int { return r.off }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if r.Len() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, r.Len())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// CString reads a NUL-terminated string and consumes the terminator.
func (r *Reader) CString() (string, error) {
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i < 0 {
		return "", fmt.Errorf("%w at offset %d", ErrUnterminated, r.off)
	}
	s := string(r.buf[r.off : r.off+i])
	r.off += i + 1
	return s, nil
}

// Bytes returns the next n bytes without copying. The result aliases the
// reader's buffer.
func (r *Reader) Bytes(n int) ([]byte, error) {
	return r.take(n)
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.take(n)
	return err
}

// Count reads an int32 element count and rejects negative values and counts
// that could not possibly fit in the remaining input at minSize bytes each.
func (r *Reader) Count(minSize int) (int, error) {
	start := r.off
	n, err := r.Int32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		r.off = start
		return 0, fmt.Errorf("%w: %d at offset %d", ErrNegativeLength, n, start)
	}
	if minSize > 0 && int64(n)*int64(minSize) > int64(r.Len()) {
		r.off = start
		return 0, fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrShortBuffer, n, r.Len())
	}
	return int(n), nil
}

// Writer appends little-endian values to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Uint32(v uint32) int {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return len(w.buf)
}

func (w *Writer) Int32(v int32) int { return w.Uint32(uint32(v)) }

func (w *Writer) Uint64(v uint64) int {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return len(w.buf)
}

func (w *Writer) Int64(v int64) int { return w.Uint64(uint64(v)) }

// CString writes s followed by a NUL terminator.
func (w *Writer) CString(s string) int {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	return len(w.buf)
}

// Write appends raw bytes.
func (w *Writer) Write(b []byte) int {
	w.buf = append(w.buf, b...)
	return len(w.buf)
}

// Pad appends n zero bytes.
func (w *Writer) Pad(n int) int {
	for range n {
		w.buf = append(w.buf, 0)
	}
	return len(w.buf)
}

// Count writes an element count as int32.
func (w *Writer) Count(n int) (int, error) {
	if n < 0 || n > math.MaxInt32 {
		return len(w.buf), fmt.Errorf("binio: count %d out of int32 range", n)
	}
	return w.Int32(int32(n)), nil
}
