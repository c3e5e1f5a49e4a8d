package bits

import (
	"testing"
)

func TestString(t *testing.T) {
	type stringTestCase struct {
		b   Bits
		s   string
		len int
	}
	tests := []stringTestCase{
		{b: New([]byte{0xff, 0x0c}, 4), s: "11111111 0000", len: 12},
		{b: New([]byte{0xaa, 0xff}, 0), s: "10101010 11111111", len: 16},
		{b: NewZeros(1), s: "0", len: 1},
	}
	for i, test := range tests {
		if test.b.String() != test.s {
			t.Errorf("%d: %s != %s", i, test.b.String(), test.s)
		}
		if test.len != test.b.Len() {
			t.Errorf("%d: len: %d != %d", i, test.len, test.b.Len())
		}
	}
}

func TestSetClear(t *testing.T) {
	b := NewZeros(5)
	if b.Len() != 5 {
		t.Fatalf("expected 5 bits, got %d", b.Len())
	}
	if !b.Set(2) {
		t.Error("expected bit 2 to change")
	}
	if b.Set(2) {
		t.Error("expected bit 2 to be already set")
	}
	if b.Set(5) {
		t.Error("bit 5 is out of range")
	}
	if !b.IsSet(2) || b.IsSet(1) {
		t.Errorf("unexpected bits %s", b.String())
	}
	if b.Bytes()[0] != 0b00000100 {
		t.Errorf("unexpected byte %08b", b.Bytes()[0])
	}
	if !b.Clear(2) || b.Clear(2) {
		t.Error("unexpected Clear result")
	}
	if b.Bytes()[0] != 0 {
		t.Errorf("expected empty bits, got %s", b.String())
	}
}

func TestFields(t *testing.T) {
	type fieldTestCase struct {
		data   []byte
		offset int
		size   int
		u      uint32
		i      int32
	}
	tests := []fieldTestCase{
		{data: []byte{0x15, 0x02, 0xfb}, offset: 16, size: 8, u: 0xfb, i: -5},
		{data: []byte{0x15, 0x02, 0x05}, offset: 16, size: 8, u: 5, i: 5},
		{data: []byte{0x15, 0x02, 0x05}, offset: 0, size: 8, u: 0x15, i: 0x15},
		{data: []byte{0xf0}, offset: 4, size: 4, u: 0xf, i: -1},
		{data: []byte{0x34, 0x12}, offset: 0, size: 16, u: 0x1234, i: 0x1234},
		{data: []byte{0xff, 0xff, 0xff, 0xff}, offset: 0, size: 32, u: 0xffffffff, i: -1},
	}
	for n, test := range tests {
		b := New(test.data, 0)
		u, ok := b.Uint(test.offset, test.size)
		if !ok || u != test.u {
			t.Errorf("%d: Uint = %d, %v; want %d", n, u, ok, test.u)
		}
		i, ok := b.Int(test.offset, test.size)
		if !ok || i != test.i {
			t.Errorf("%d: Int = %d, %v; want %d", n, i, ok, test.i)
		}
	}

	b := New([]byte{0x01}, 0)
	if _, ok := b.Uint(4, 8); ok {
		t.Error("expected out of range field")
	}
}

func TestPutFields(t *testing.T) {
	b := NewZeros(32)
	b.PutUint(0, 8, 0x01)
	b.PutUint(8, 5, 0b10101)
	b.PutInt(16, 8, -1)
	b.PutInt(24, 8, 3)
	expected := []byte{0x01, 0x15, 0xff, 0x03}
	for i, v := range expected {
		if b.Bytes()[i] != v {
			t.Errorf("byte %d: %02x != %02x", i, b.Bytes()[i], v)
		}
	}
	if b.PutUint(30, 8, 0) {
		t.Error("expected out of range write to fail")
	}
	v, _ := b.Int(16, 8)
	if v != -1 {
		t.Errorf("expected -1, got %d", v)
	}
}
