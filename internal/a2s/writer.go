package a2s

import (
	"encoding/binary"
	"math"
)

// Writer appends little-endian fields to a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Reset discards the written bytes and keeps the allocation.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Bytes returns the written bytes. The slice is only valid until the next Reset.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Byte(v byte) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Short(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) Long(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) LongLong(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Float(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

// String writes s followed by a NUL terminator. Embedded NULs truncate s so
// the field stays decodable.
func (w *Writer) String(s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			s = s[:i]
			break
		}
	}
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// Raw appends b unchanged.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Header writes the connectionless marker and the type tag.
func (w *Writer) Header(typ byte) {
	w.Long(ConnectionlessMarker)
	w.Byte(typ)
}
