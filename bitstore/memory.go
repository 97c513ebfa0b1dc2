package bitstore

import "github.com/rpcpool/bfield/word128"

// MemoryStore is an anonymous, zero-initialized bit array held entirely in
// process memory. It implements Store.
type MemoryStore struct {
	size int
	buf  []byte
}

// NewMemoryStore allocates a zero-initialized bit array of the given size
// in bits.
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		panic("bitstore: size must be positive")
	}
	return &MemoryStore{
		size: size,
		buf:  make([]byte, byteLen(size)),
	}
}

func (m *MemoryStore) Size() int { return m.size }

func (m *MemoryStore) GetRange(lo, hi int) word128.Word128 {
	checkRange(m.size, lo, hi)
	return getRangeBytes(m.buf, lo, hi)
}

func (m *MemoryStore) SetRange(lo, hi int, w word128.Word128) {
	checkRange(m.size, lo, hi)
	setRangeBytes(m.buf, lo, hi, w)
}

func (m *MemoryStore) Rank(lo, hi int) int {
	checkRange(m.size, lo, hi)
	return rankBytes(m.buf, lo, hi)
}

func (m *MemoryStore) Close() error { return nil }

// Bytes exposes the raw payload, MSB-first per byte, for Persist to copy
// into a newly created file-backed store.
func (m *MemoryStore) Bytes() []byte {
	return m.buf
}
