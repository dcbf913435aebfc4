package a2s

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer is returned when a read would go past the end of the input.
var ErrShortBuffer = errors.New("a2s: short buffer")

// Reader is a bounds-checked little-endian cursor over a byte slice.
// Slices it returns alias the underlying buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Bytes returns the next n bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint8() (byte, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) Int32() (int32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) Float32() (float32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// CString reads a NUL-terminated string. The terminator is consumed but not
// returned. A missing terminator is an error.
func (r *Reader) CString() (string, error) {
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i < 0 {
		return "", ErrShortBuffer
	}
	s := string(r.buf[r.off : r.off+i])
	r.off += i + 1
	return s, nil
}

// Header is the decoded prefix of a datagram. Payload aliases the input.
type Header struct {
	Marker  int32
	Type    byte
	Payload []byte
}

// Connectionless reports whether the header carries the connectionless marker.
func (h Header) Connectionless() bool {
	return h.Marker == ConnectionlessMarker
}

// ParseHeader decodes the marker and type tag of b without copying.
func ParseHeader(b []byte) (Header, error) {
	r := NewReader(b)
	marker, err := r.Int32()
	if err != nil {
		return Header{}, err
	}
	typ, err := r.Uint8()
	if err != nil {
		return Header{Marker: marker}, err
	}
	return Header{Marker: marker, Type: typ, Payload: b[HeaderLength:]}, nil
}

// PeekMarker decodes only the leading marker of b.
func PeekMarker(b []byte) (int32, error) {
	return NewReader(b).Int32()
}
