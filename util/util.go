// Package util contains small helpers used by the kernel heap: integer
// rounding and fixed-width byte packing into a physical-memory-backed byte
// slice.
package util

import "encoding/binary"

// Int is satisfied by every built-in integer type, so Rounddown/Roundup/Min
// work uniformly over frame counts, virtual addresses, and byte sizes.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Read32 reads a little-endian uint32 out of b at off.
func Read32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// Write32 writes v as a little-endian uint32 into b at off.
func Write32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}
