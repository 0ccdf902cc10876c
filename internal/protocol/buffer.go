package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dkeye/Relay/internal/domain"
)

var (
	ErrShortBuffer = errors.New("protocol: short buffer")
	ErrTooLong     = errors.New("protocol: field too long")
)

// writer appends big-endian fields and remembers the first error.
type writer struct {
	buf []byte
	err error
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) i8(v int8)    { w.buf = append(w.buf, byte(v)) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) i16(v int16)  { w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v)) }
func (w *writer) i32(v int32)  { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *writer) i64(v int64)  { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }
func (w *writer) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// blob16 writes a u16 length followed by the bytes.
func (w *writer) blob16(b []byte) {
	if len(b) > 0xFFFF {
		w.fail(fmt.Errorf("%w: %d bytes", ErrTooLong, len(b)))
		return
	}
	w.u16(uint16(len(b)))
	w.bytes(b)
}

func (w *writer) str(s string) { w.blob16([]byte(s)) }

func (w *writer) implType(t domain.ImplType) {
	if len(t) > domain.MaxImplTypeLen {
		w.fail(domain.ErrImplTypeTooLong)
		return
	}
	w.u8(uint8(len(t)))
	w.bytes([]byte(t))
}

// reader consumes big-endian fields; after the first short read every call returns zero.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = ErrShortBuffer
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) remaining() int { return len(r.b) }

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) i8() int8 { return int8(r.u8()) }

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) i32() int32 {
	if b := r.take(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (r *reader) i64() int64 {
	if b := r.take(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

// copyN returns a copy of the next n bytes, nil when n is zero.
func (r *reader) copyN(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) rest() []byte { return r.copyN(len(r.b)) }

func (r *reader) blob16() []byte { return r.copyN(int(r.u16())) }

func (r *reader) str() string { return string(r.take(int(r.u16()))) }

func (r *reader) implType() domain.ImplType {
	n := int(r.u8())
	if n > domain.MaxImplTypeLen {
		r.err = domain.ErrImplTypeTooLong
		return ""
	}
	return domain.ImplType(r.take(n))
}
