package codec

import (
	"encoding/binary"
	"testing"
)

type testRecord struct {
	Required uint32
	HasOpt   bool
	Opt      uint16
	Items    []uint8
	Tag      uint8
	TagVal   uint32
}

const maxItems = 5

func (t *testRecord) Encode(w *Writer) {
	w.Uint32(t.Required)
	w.Optional(t.HasOpt, func() { w.Uint16(t.Opt) })
	w.Repeated(len(t.Items), maxItems, func(i int) { w.Uint8(t.Items[i]) })
	w.OneOf(t.Tag, func() { w.Uint32(t.TagVal) })
}

func (t *testRecord) Decode(r *Reader) error {
	t.Required = r.Uint32()
	t.HasOpt = r.Optional(func() { t.Opt = r.Uint16() })
	n := r.Repeated(maxItems, func(i int) {
		t.Items = append(t.Items, r.Uint8())
	})
	_ = n
	t.Tag = r.OneOf()
	switch t.Tag {
	case 0:
		t.TagVal = r.Uint32()
	default:
		r.Fail("unknown tag %d", t.Tag)
	}
	return r.Err()
}

func TestRoundTrip(t *testing.T) {
	orig := &testRecord{
		Required: 0xdeadbeef,
		HasOpt:   true,
		Opt:      0x1234,
		Items:    []uint8{1, 2, 3},
		Tag:      0,
		TagVal:   42,
	}
	buf, err := Marshal(binary.BigEndian, orig)
	if err != nil {
		t.Fatal(err)
	}
	got := &testRecord{}
	if err := Unmarshal(binary.BigEndian, buf, got); err != nil {
		t.Fatal(err)
	}
	if got.Required != orig.Required || got.HasOpt != orig.HasOpt || got.Opt != orig.Opt ||
		len(got.Items) != len(orig.Items) || got.Tag != orig.Tag || got.TagVal != orig.TagVal {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, orig)
	}
}

func TestOptionalAbsent(t *testing.T) {
	orig := &testRecord{Required: 1, HasOpt: false, Tag: 0}
	buf, err := Marshal(binary.BigEndian, orig)
	if err != nil {
		t.Fatal(err)
	}
	got := &testRecord{}
	if err := Unmarshal(binary.BigEndian, buf, got); err != nil {
		t.Fatal(err)
	}
	if got.HasOpt {
		t.Fatalf("expected absent optional")
	}
}

func TestRepeatedOverMaxFails(t *testing.T) {
	orig := &testRecord{Items: []uint8{1, 2, 3, 4, 5, 6}}
	if _, err := Marshal(binary.BigEndian, orig); err == nil {
		t.Fatalf("expected error for over-max repeated field")
	}
}

func TestUnknownOneOfTagFails(t *testing.T) {
	w := NewWriter(binary.BigEndian, nil)
	w.Uint32(1)
	w.Optional(false, func() {})
	w.Repeated(0, maxItems, func(i int) {})
	w.OneOf(99, func() {})
	got := &testRecord{}
	err := Unmarshal(binary.BigEndian, w.Bytes(), got)
	if err == nil {
		t.Fatalf("expected decode error for unknown tag")
	}
}

func TestOutOfBufferFails(t *testing.T) {
	got := &testRecord{}
	if err := Unmarshal(binary.BigEndian, []byte{0, 0}, got); err == nil {
		t.Fatalf("expected decode error for truncated buffer")
	}
}

func TestFixedArrayLengthIndependentOfCount(t *testing.T) {
	const max = 10
	full := make([]byte, 0)
	w := NewWriter(binary.BigEndian, nil)
	w.FixedArray(2, max, func(i int) { w.Uint8(uint8(i)) })
	full = w.Bytes()
	if len(full) != 1+max {
		t.Fatalf("encoded length = %d, want %d", len(full), 1+max)
	}

	r := NewReader(binary.BigEndian, full)
	var got []uint8
	n := r.FixedArray(max, func(i int) { got = append(got, r.Uint8()) })
	if r.Err() != nil {
		t.Fatalf("decode: %v", r.Err())
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if len(got) != max {
		t.Fatalf("decoded %d elements, want %d", len(got), max)
	}
}

func TestLittleEndianStorageOrder(t *testing.T) {
	orig := &testRecord{Required: 0x01020304}
	buf, err := Marshal(binary.LittleEndian, orig)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x04 || buf[3] != 0x01 {
		t.Fatalf("little endian encoding wrong: % x", buf[:4])
	}
}
