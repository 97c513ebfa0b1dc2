// Package bitstore implements the bit-addressable array that backs a
// Member: a sized, rank-capable bit array held either in anonymous memory
// or in a memory-mapped file carrying a small typed header.
//
// Both backings satisfy the same Store interface, mirroring the way
// compactindex36.DB in the teacher codebase treats its io.ReaderAt stream
// as an interchangeable capability rather than hard-coding a file.
package bitstore

import "github.com/rpcpool/bfield/word128"

// Store is the capability set a Member needs from its backing bit array.
type Store interface {
	// Size reports the length of the array in bits.
	Size() int

	// GetRange reads the contiguous bit range [lo, hi) and returns it
	// right-aligned in a 128-bit word. hi-lo must be <= 128.
	GetRange(lo, hi int) word128.Word128

	// SetRange bitwise-ORs the low (hi-lo) bits of w into [lo, hi).
	// Existing set bits are never cleared.
	SetRange(lo, hi int, w word128.Word128)

	// Rank returns the popcount of the bit range [lo, hi).
	Rank(lo, hi int) int

	// Close releases any OS resources (file descriptors, mappings) held
	// by the store. Anonymous stores treat this as a no-op.
	Close() error
}

func checkRange(size, lo, hi int) {
	if lo < 0 || hi < lo || hi > size {
		panic("bitstore: range out of bounds")
	}
	if hi-lo > 128 {
		panic("bitstore: range wider than 128 bits")
	}
}

// byteLen returns the number of bytes needed to hold bits many bits.
func byteLen(bits int) int {
	return (bits + 7) / 8
}

// getRangeBytes reads [lo, hi) from buf, MSB-first within each byte, and
// returns it right-aligned in a 128-bit word. Shared by the memory and file
// backings, which differ only in how buf is obtained.
func getRangeBytes(buf []byte, lo, hi int) word128.Word128 {
	var result word128.Word128
	width := hi - lo
	for i := 0; i < width; i++ {
		bitIdx := lo + i
		byteIdx := bitIdx / 8
		bitInByte := 7 - (bitIdx % 8)
		bit := (buf[byteIdx] >> uint(bitInByte)) & 1
		if bit != 0 {
			// Bit (lo+i) of the array lands at bit width-1-i of the
			// result: the first bit read (i==0) becomes the most
			// significant bit of the right-aligned result.
			result = result.SetBit(width - 1 - i)
		}
	}
	return result
}

// setRangeBytes bitwise-ORs the low (hi-lo) bits of w into buf at [lo, hi),
// MSB-first within each byte.
func setRangeBytes(buf []byte, lo, hi int, w word128.Word128) {
	width := hi - lo
	for i := 0; i < width; i++ {
		if w.Bit(width-1-i) == 0 {
			continue
		}
		bitIdx := lo + i
		byteIdx := bitIdx / 8
		bitInByte := 7 - (bitIdx % 8)
		buf[byteIdx] |= 1 << uint(bitInByte)
	}
}

// rankBytes returns the popcount of [lo, hi) in buf.
func rankBytes(buf []byte, lo, hi int) int {
	count := 0
	for bitIdx := lo; bitIdx < hi; bitIdx++ {
		byteIdx := bitIdx / 8
		bitInByte := 7 - (bitIdx % 8)
		if (buf[byteIdx]>>uint(bitInByte))&1 != 0 {
			count++
		}
	}
	return count
}
