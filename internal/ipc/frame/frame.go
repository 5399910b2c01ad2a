// Package frame implements the fixed-size typed message frame that rides
// over the unix-domain-socket control plane: a self-describing payload of
// POD values, length-prefixed strings and fixed-length byte blocks, plus at
// most one OS file descriptor carried via SCM_RIGHTS ancillary data.
package frame

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// MaxSize is the maximum encoded payload size of a Frame; the control
// plane exchanges fixed ~4 KiB datagrams.
const MaxSize = 4096

// Type identifies the kind of message a Frame carries. msgtypes
// enumerates the concrete values; this package only needs the
// zero-value sentinel to detect an unset frame.
type Type uint32

// Unset is the zero Type; a fresh Frame has no type until the first Put.
const Unset Type = 0

// Frame is a single typed, self-describing datagram payload. The zero
// value is a ready-to-use, empty frame for writing; NewReader wraps a
// received byte slice for reading.
type Frame struct {
	typ     Type
	typeSet bool
	buf     []byte // accumulated payload, excludes the type header
	off     int    // read cursor into buf, used by Get* methods
	reading bool

	fd    int
	hasFD bool
}

// New returns a fresh, empty Frame ready for Put calls.
func New() *Frame {
	return &Frame{}
}

// NewReader wraps a previously-received, type-prefixed byte slice for
// sequential Get calls. data must begin with the 4-byte type header
// written by Bytes.
func NewReader(data []byte) (*Frame, error) {
	if len(data) < 4 {
		return nil, errors.New("frame: truncated header")
	}
	f := &Frame{
		typ:     Type(binary.BigEndian.Uint32(data[:4])),
		typeSet: true,
		buf:     data[4:],
		reading: true,
	}
	return f, nil
}

// SetType records the frame's kind. The first Put on a fresh frame must call
// this (directly, or via a helper that does); a second call is a hard error.
func (f *Frame) SetType(t Type) error {
	if f.typeSet {
		return errors.Errorf("frame: type already set to %v", f.typ)
	}
	f.typ = t
	f.typeSet = true
	return nil
}

// CheckType validates the frame's recorded type against want, returning a
// protocol-violation-flavored error on mismatch. Every Get must call this
// before extracting fields.
func (f *Frame) CheckType(want Type) error {
	if !f.typeSet {
		return errors.New("frame: type not set")
	}
	if f.typ != want {
		return errors.Errorf("frame: type mismatch: want %v got %v", want, f.typ)
	}
	return nil
}

// Type returns the frame's recorded type, or Unset if none has been set.
func (f *Frame) Type() Type {
	if !f.typeSet {
		return Unset
	}
	return f.typ
}

func (f *Frame) overflow(n int) error {
	if 4+len(f.buf)+n > MaxSize {
		return errors.Errorf("frame: payload would exceed %d bytes", MaxSize)
	}
	return nil
}

// PutPOD appends a trivially-copyable value in little-endian order.
// Supported kinds mirror what the core's messages actually carry.
func PutPOD[T PODValue](f *Frame, v T) error {
	var tmp [8]byte
	n := encodePOD(tmp[:], v)
	if err := f.overflow(n); err != nil {
		return err
	}
	f.buf = append(f.buf, tmp[:n]...)
	return nil
}

// GetPOD extracts a value of type T previously written with PutPOD, in
// the same order.
func GetPOD[T PODValue](f *Frame) (T, error) {
	var zero T
	n := podSize(zero)
	if f.off+n > len(f.buf) {
		return zero, errors.New("frame: truncated POD field")
	}
	v := decodePOD[T](f.buf[f.off : f.off+n])
	f.off += n
	return v, nil
}

// PODValue is the closed set of trivially-copyable types PutPOD/GetPOD
// support.
type PODValue interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// podSize reports the wire width for T by inspecting its reflect.Kind,
// which works for named types (e.g. a `type Op uint8`) where a type
// switch on the concrete type would miss the match.
func podSize(v any) int {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Uint8, reflect.Int8:
		return 1
	case reflect.Uint16, reflect.Int16:
		return 2
	case reflect.Uint32, reflect.Int32:
		return 4
	default:
		return 8
	}
}

func encodePOD[T PODValue](dst []byte, v T) int {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Uint8, reflect.Int8:
		dst[0] = byte(uint64(v))
		return 1
	case reflect.Uint16, reflect.Int16:
		binary.LittleEndian.PutUint16(dst, uint16(v))
		return 2
	case reflect.Uint32, reflect.Int32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
		return 4
	default:
		binary.LittleEndian.PutUint64(dst, uint64(v))
		return 8
	}
}

func decodePOD[T PODValue](src []byte) T {
	var zero T
	switch reflect.TypeOf(zero).Kind() {
	case reflect.Uint8, reflect.Int8:
		return T(src[0])
	case reflect.Uint16, reflect.Int16:
		return T(binary.LittleEndian.Uint16(src))
	case reflect.Uint32, reflect.Int32:
		return T(binary.LittleEndian.Uint32(src))
	default:
		return T(binary.LittleEndian.Uint64(src))
	}
}

// PutString appends a length-prefixed string.
func (f *Frame) PutString(s string) error {
	if err := f.overflow(4 + len(s)); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	f.buf = append(f.buf, lenBuf[:]...)
	f.buf = append(f.buf, s...)
	return nil
}

// GetString extracts a length-prefixed string written by PutString.
func (f *Frame) GetString() (string, error) {
	if f.off+4 > len(f.buf) {
		return "", errors.New("frame: truncated string length")
	}
	n := int(binary.LittleEndian.Uint32(f.buf[f.off : f.off+4]))
	f.off += 4
	if n < 0 || f.off+n > len(f.buf) {
		return "", errors.New("frame: truncated string body")
	}
	s := string(f.buf[f.off : f.off+n])
	f.off += n
	return s, nil
}

// PutFixed appends exactly len(b) bytes with no length prefix; the reader
// must request the same length via GetFixed.
func (f *Frame) PutFixed(b []byte) error {
	if err := f.overflow(len(b)); err != nil {
		return err
	}
	f.buf = append(f.buf, b...)
	return nil
}

// GetFixed extracts exactly n bytes written by PutFixed.
func (f *Frame) GetFixed(n int) ([]byte, error) {
	if f.off+n > len(f.buf) {
		return nil, errors.New("frame: truncated fixed field")
	}
	b := make([]byte, n)
	copy(b, f.buf[f.off:f.off+n])
	f.off += n
	return b, nil
}

// PutFD attaches fd as the frame's single ancillary descriptor. A second
// call is a hard error: at most one descriptor travels per frame.
func (f *Frame) PutFD(fd int) error {
	if f.hasFD {
		return errors.New("frame: fd already set")
	}
	f.fd = fd
	f.hasFD = true
	return nil
}

// GetFD returns the frame's attached descriptor, if any.
func (f *Frame) GetFD() (int, bool) {
	return f.fd, f.hasFD
}

// HasFD reports whether a descriptor was attached.
func (f *Frame) HasFD() bool { return f.hasFD }

// HasMoreData reports whether any unread payload bytes remain, letting
// optional trailing fields be probed before extraction.
func (f *Frame) HasMoreData() bool { return f.off < len(f.buf) }

// Bytes serializes the frame (type header + payload) for transmission.
func (f *Frame) Bytes() []byte {
	out := make([]byte, 4+len(f.buf))
	binary.BigEndian.PutUint32(out[:4], uint32(f.typ))
	copy(out[4:], f.buf)
	return out
}

func (t Type) String() string { return fmt.Sprintf("frame.Type(%d)", uint32(t)) }
