package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Decode errors. All of them are local to a single packet.
var (
	ErrEmptyPacket   = errors.New("empty packet")
	ErrUnknownKind   = errors.New("unknown packet kind")
	ErrTruncated     = errors.New("truncated packet body")
	ErrTrailingBytes = errors.New("trailing bytes after packet body")
	ErrBadLength     = errors.New("invalid length prefix")
	ErrInvalidString = errors.New("string is not valid UTF-8")
	ErrUnknownCanvas = errors.New("unknown canvas action")
	ErrWrongOrigin   = errors.New("packet kind not valid from this origin")
)

// MaxMetaEntries bounds the roster size accepted in a Meta packet.
const MaxMetaEntries = 4096

// Writer appends little-endian encoded values to a byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity for a typical packet.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded bytes. The slice aliases the Writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) PutBool(b bool) {
	if b {
		w.PutByte(1)
		return
	}
	w.PutByte(0)
}

func (w *Writer) PutInt16(v int16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v))
}

func (w *Writer) PutInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) PutFloat32(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

// PutString writes a uint16 byte length followed by the UTF-8 bytes.
// Strings longer than 65535 bytes are cut at a rune boundary.
func (w *Writer) PutString(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
		for !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) PutVector3(v Vector3) {
	w.PutFloat32(v.X)
	w.PutFloat32(v.Y)
	w.PutFloat32(v.Z)
}

func (w *Writer) PutPosition(p PositionState) {
	w.PutString(p.Place)
	w.PutBool(p.Running)
	w.PutVector3(p.Position)
	w.PutVector3(p.Destination)
}

// Reader consumes little-endian values from a byte slice. The first failure
// is sticky: later reads return zero values and Err reports the failure.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader returns a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first decode failure, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, r.Remaining())
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Byte() != 0 }

func (r *Reader) Int16() int16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(b))
}

func (r *Reader) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *Reader) Float32() float32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// Str reads a uint16 length-prefixed UTF-8 string.
func (r *Reader) Str() string {
	n := r.take(2)
	if n == nil {
		return ""
	}
	b := r.take(int(binary.LittleEndian.Uint16(n)))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail(ErrInvalidString)
		return ""
	}
	return string(b)
}

func (r *Reader) Vector3() Vector3 {
	return Vector3{X: r.Float32(), Y: r.Float32(), Z: r.Float32()}
}

func (r *Reader) Position() PositionState {
	return PositionState{
		Place:       r.Str(),
		Running:     r.Bool(),
		Position:    r.Vector3(),
		Destination: r.Vector3(),
	}
}
