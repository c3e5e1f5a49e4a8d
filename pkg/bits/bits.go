package bits

import (
	"fmt"
)

// Bits is a little-endian bit field over a byte slice. Bit 0 is the least
// significant bit of the first byte. The last byte may be partial.
type Bits struct {
	missingBits uint8
	bytes       []byte
}

func New(data []byte, missingBits int) Bits {
	return Bits{
		bytes:       data,
		missingBits: uint8(missingBits),
	}
}

// NewZeros returns a zeroed field of size bits.
func NewZeros(size int) Bits {
	byteSize := size / 8
	missingBits := uint8(0)
	if size%8 > 0 {
		byteSize++
		missingBits = uint8(8 - size%8)
	}
	return Bits{
		bytes:       make([]byte, byteSize),
		missingBits: missingBits,
	}
}

func (b Bits) String() string {
	result := ""
	for i, byte := range b.bytes {
		isLast := i == len(b.bytes)-1
		if isLast && b.missingBits > 0 {
			result += fmt.Sprintf("%08b", byte)[:8-b.missingBits]
			continue
		}
		result += fmt.Sprintf("%08b", byte)
		if !isLast {
			result += " "
		}
	}
	return result
}

func (b Bits) Bytes() []byte {
	return b.bytes
}

func (b Bits) Len() int {
	return len(b.bytes)*8 - int(b.missingBits)
}

func (b Bits) IsSet(bit int) bool {
	if bit >= b.Len() {
		return false
	}
	byteOffset := bit / 8
	bitOffset := bit % 8
	return b.bytes[byteOffset]&(1<<bitOffset) != 0
}

func (b Bits) Set(bit int) bool {
	if bit >= b.Len() {
		return false
	}
	byteOffset := bit / 8
	bitOffset := bit % 8
	changed := b.bytes[byteOffset]&(1<<bitOffset) == 0
	b.bytes[byteOffset] |= 1 << bitOffset
	return changed
}

func (b Bits) Clear(bit int) bool {
	if bit >= b.Len() {
		return false
	}
	byteOffset := bit / 8
	bitOffset := bit % 8
	changed := b.bytes[byteOffset]&(1<<bitOffset) != 0
	b.bytes[byteOffset] &^= 1 << bitOffset
	return changed
}

// Uint reads an unsigned field of size bits (at most 32) starting at bit offset.
// ok is false if the field does not fit.
func (b Bits) Uint(offset, size int) (uint32, bool) {
	if size <= 0 || size > 32 || offset < 0 || offset+size > b.Len() {
		return 0, false
	}
	var v uint32
	for i := 0; i < size; i++ {
		if b.IsSet(offset + i) {
			v |= 1 << i
		}
	}
	return v, true
}

// Int reads a two's complement field of size bits starting at bit offset.
func (b Bits) Int(offset, size int) (int32, bool) {
	v, ok := b.Uint(offset, size)
	if !ok {
		return 0, false
	}
	if size < 32 && v&(1<<(size-1)) != 0 {
		v |= ^uint32(0) << size
	}
	return int32(v), true
}

// PutUint writes the low size bits of v at bit offset.
func (b Bits) PutUint(offset, size int, v uint32) bool {
	if size <= 0 || size > 32 || offset < 0 || offset+size > b.Len() {
		return false
	}
	for i := 0; i < size; i++ {
		if v&(1<<i) != 0 {
			b.Set(offset + i)
		} else {
			b.Clear(offset + i)
		}
	}
	return true
}

func (b Bits) PutInt(offset, size int, v int32) bool {
	return b.PutUint(offset, size, uint32(v))
}
