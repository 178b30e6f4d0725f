// Package codec implements the structural serializer described in
// spec.md §4.5: required/optional/repeated/one-of fields, declared
// per-call byte order (big-endian on the wire, little-endian in storage),
// and a single decode-failed error class so callers can discard partial
// state uniformly.
//
// Record types are hand-written Go structs with Encode/Decode methods
// built from the primitives here, the way the teacher's nfc/type4 package
// hand-rolls ISO 7816 APDU framing over encoding/binary rather than
// reaching for a generic ASN.1 library: spec.md's wire format is bit-exact
// with the real hub, which rules out a generic schema codec like protobuf
// or CBOR for this layer (see DESIGN.md).
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ErrDecode is wrapped by every decode failure: out-of-buffer reads,
// repeated counts exceeding their declared maximum, unknown one-of tags,
// and submessage failures all surface as this single class (spec.md
// §4.5 Decoding).
type ErrDecode struct {
	reason string
}

func (e *ErrDecode) Error() string { return "codec: decode failed: " + e.reason }

func decodeErrorf(format string, args ...any) error {
	return &ErrDecode{reason: fmt.Sprintf(format, args...)}
}

// Writer accumulates encoded bytes in the given byte order. Writer never
// panics; Err reports the first failure (a repeated field exceeding its
// declared max), after which further writes are no-ops so callers can
// write unconditionally and check Err once at the end.
type Writer struct {
	order binary.ByteOrder
	buf   []byte
	err   error
}

// NewWriter returns a Writer that appends to buf (which may be nil) using
// order.
func NewWriter(order binary.ByteOrder, buf []byte) *Writer {
	return &Writer{order: order, buf: buf}
}

// Bytes returns the accumulated output.
func (w *Writer) Bytes() []byte { return w.buf }

// Err returns the first encoding error, if any.
func (w *Writer) Err() error { return w.err }

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Raw appends b verbatim (used for fixed-length byte arrays such as MAC
// addresses).
func (w *Writer) Raw(b []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, b...)
}

func (w *Writer) Uint8(v uint8) { w.Raw([]byte{v}) }
func (w *Writer) Int8(v int8)   { w.Uint8(uint8(v)) }

func (w *Writer) Uint16(v uint16) {
	if w.err != nil {
		return
	}
	var b [2]byte
	w.order.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *Writer) Int16(v int16) { w.Uint16(uint16(v)) }

func (w *Writer) Uint32(v uint32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

func (w *Writer) Uint64(v uint64) {
	if w.err != nil {
		return
	}
	var b [8]byte
	w.order.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

func (w *Writer) Float32(v float32) {
	if w.err != nil {
		return
	}
	w.Uint32(math.Float32bits(v))
}

func (w *Writer) Float64(v float64) {
	if w.err != nil {
		return
	}
	w.Uint64(math.Float64bits(v))
}

// Optional writes the one-byte `has` flag, then calls enc if present is
// true (spec.md §4.5 Optional).
func (w *Writer) Optional(present bool, enc func()) {
	if present {
		w.Uint8(1)
		enc()
	} else {
		w.Uint8(0)
	}
}

// Repeated writes a one-byte count (which must not exceed max) followed
// by calling enc(i) for i in [0,n).
func (w *Writer) Repeated(n, max int, enc func(i int)) {
	if w.err != nil {
		return
	}
	if n > max || n < 0 {
		w.fail(decodeErrorf("repeated count %d exceeds max %d", n, max))
		return
	}
	w.Uint8(uint8(n))
	for i := 0; i < n; i++ {
		enc(i)
	}
}

// OneOf writes the one-byte variant tag, then calls enc for that variant.
func (w *Writer) OneOf(tag uint8, enc func()) {
	w.Uint8(tag)
	enc()
}

// FixedArray writes a one-byte logical count n (which must not exceed
// max), then calls enc(i) for every i in [0,max) regardless of n. Unlike
// Repeated, the encoded length never varies with n: it is used for
// fixed-capacity storage records (spec.md §6 "static" partitions) whose
// on-disk element length must stay constant even though the logical
// sample count does not.
func (w *Writer) FixedArray(n, max int, enc func(i int)) {
	if w.err != nil {
		return
	}
	if n > max || n < 0 {
		w.fail(decodeErrorf("fixed array count %d exceeds max %d", n, max))
		return
	}
	w.Uint8(uint8(n))
	for i := 0; i < max; i++ {
		enc(i)
	}
}

// Reader consumes encoded bytes in the given byte order, returning
// ErrDecode on any structural violation.
type Reader struct {
	order binary.ByteOrder
	buf   []byte
	off   int
	err   error
}

// NewReader returns a Reader over buf using order.
func NewReader(order binary.ByteOrder, buf []byte) *Reader {
	return &Reader{order: order, buf: buf}
}

// Err returns the first decode error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail(decodeErrorf("need %d bytes, have %d", n, len(r.buf)-r.off))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Raw consumes and returns exactly n bytes verbatim.
func (r *Reader) Raw(n int) []byte {
	b := r.need(n)
	if b == nil {
		return make([]byte, n)
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Reader) Uint8() uint8 {
	b := r.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}
func (r *Reader) Int8() int8 { return int8(r.Uint8()) }

func (r *Reader) Uint16() uint16 {
	b := r.need(2)
	if b == nil {
		return 0
	}
	return r.order.Uint16(b)
}
func (r *Reader) Int16() int16 { return int16(r.Uint16()) }

func (r *Reader) Uint32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return r.order.Uint32(b)
}
func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

func (r *Reader) Uint64() uint64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return r.order.Uint64(b)
}
func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

func (r *Reader) Float32() float32 { return math.Float32frombits(r.Uint32()) }
func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

// Optional reads the `has` byte and calls dec only if set.
func (r *Reader) Optional(dec func()) bool {
	has := r.Uint8()
	if r.err != nil {
		return false
	}
	switch has {
	case 0:
		return false
	case 1:
		dec()
		return r.err == nil
	default:
		r.fail(decodeErrorf("invalid optional has-byte %d", has))
		return false
	}
}

// Repeated reads a one-byte count (rejecting counts above max), then
// calls dec(i) for i in [0,n). It returns n, or 0 on error.
func (r *Reader) Repeated(max int, dec func(i int)) int {
	n := int(r.Uint8())
	if r.err != nil {
		return 0
	}
	if n > max {
		r.fail(decodeErrorf("repeated count %d exceeds max %d", n, max))
		return 0
	}
	for i := 0; i < n && r.err == nil; i++ {
		dec(i)
	}
	if r.err != nil {
		return 0
	}
	return n
}

// FixedArray reads the one-byte logical count (rejecting counts above
// max), then calls dec(i) for every i in [0,max) regardless of n, the
// read-side counterpart of Writer.FixedArray. It returns n, or 0 on error.
func (r *Reader) FixedArray(max int, dec func(i int)) int {
	n := int(r.Uint8())
	if r.err != nil {
		return 0
	}
	if n > max {
		r.fail(decodeErrorf("fixed array count %d exceeds max %d", n, max))
		return 0
	}
	for i := 0; i < max && r.err == nil; i++ {
		dec(i)
	}
	if r.err != nil {
		return 0
	}
	return n
}

// OneOf reads the one-byte variant tag and returns it for the caller to
// switch on; an unrecognized tag is the caller's responsibility to report
// via Fail.
func (r *Reader) OneOf() uint8 {
	return r.Uint8()
}

// Fail records a decode error explicitly, e.g. for an unknown one-of tag.
func (r *Reader) Fail(format string, args ...any) {
	r.fail(decodeErrorf(format, args...))
}

// Message is implemented by every protocol/storage record type.
type Message interface {
	Encode(w *Writer)
	Decode(r *Reader) error
}

// Marshal encodes m using order, returning an error if encoding a
// malformed value (e.g. an over-long repeated field) was attempted.
func Marshal(order binary.ByteOrder, m Message) ([]byte, error) {
	w := NewWriter(order, nil)
	m.Encode(w)
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Unmarshal decodes buf into m using order. Partial state in m on error
// is undefined; callers must discard it (spec.md §4.5).
func Unmarshal(order binary.ByteOrder, buf []byte, m Message) error {
	r := NewReader(order, buf)
	if err := m.Decode(r); err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return err
	}
	return nil
}
