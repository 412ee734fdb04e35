package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Encoding constants.
const (
	// NullLength is the length prefix denoting an absent String or ByteString.
	NullLength = -1

	// MaxStringLength is the maximum encodable String length in bytes.
	MaxStringLength = math.MaxInt32
)

// Encoding errors.
var (
	// ErrBufferExhausted indicates a read past the end of the buffer.
	ErrBufferExhausted = errors.New("buffer exhausted")

	// ErrLengthOutOfRange indicates a length prefix that is negative
	// (where absence is not allowed) or larger than the remaining bytes.
	ErrLengthOutOfRange = errors.New("length out of range")
)

// Writer serializes values into a growing byte buffer.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the accumulated buffer. The returned slice aliases the
// Writer's internal storage and is invalidated by further writes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint32 appends a little-endian unsigned 32-bit integer.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteInt32 appends a little-endian signed 32-bit integer.
func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

// WriteRaw appends raw bytes with no length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteString appends a length-prefixed UTF-8 string.
// The empty string is encoded with length 0, not as absent.
func (w *Writer) WriteString(s string) {
	w.WriteInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteByteString appends a length-prefixed byte sequence.
// A nil slice is encoded as absent (length -1); an empty non-nil slice
// is encoded with length 0.
func (w *Writer) WriteByteString(b []byte) {
	if b == nil {
		w.WriteInt32(NullLength)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// PatchUint32 overwrites a previously written little-endian uint32 at
// the given offset. Used to fill in size fields computed after the
// fact.
func (w *Writer) PatchUint32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[offset:offset+4], v)
}

// Reader deserializes values from a fixed byte buffer.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a Reader over data. The Reader does not copy data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Offset returns the current read position.
func (r *Reader) Offset() int {
	return r.off
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrBufferExhausted
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

// ReadUint32 reads a little-endian unsigned 32-bit integer.
func (r *Reader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrBufferExhausted
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

// ReadInt32 reads a little-endian signed 32-bit integer.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadRaw reads exactly n bytes. The returned slice aliases the
// Reader's backing buffer.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrBufferExhausted
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ReadString reads a length-prefixed UTF-8 string. A negative length is
// rejected: the callers of ReadString all require the field to be
// present.
func (r *Reader) ReadString() (string, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", fmt.Errorf("%w: string length %d", ErrLengthOutOfRange, length)
	}
	if int(length) > r.Remaining() {
		return "", fmt.Errorf("%w: string length %d exceeds %d remaining bytes",
			ErrLengthOutOfRange, length, r.Remaining())
	}
	b, err := r.ReadRaw(int(length))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadByteString reads a length-prefixed byte sequence. Length -1
// yields a nil slice (absent). The returned slice is a copy and does
// not alias the backing buffer.
func (r *Reader) ReadByteString() ([]byte, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if length == NullLength {
		return nil, nil
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: byte string length %d", ErrLengthOutOfRange, length)
	}
	if int(length) > r.Remaining() {
		return nil, fmt.Errorf("%w: byte string length %d exceeds %d remaining bytes",
			ErrLengthOutOfRange, length, r.Remaining())
	}
	b, err := r.ReadRaw(int(length))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
