// Package member implements one B-field filter: a bit store plus the
// (k, ν, κ, optional params) tuple, supporting insert, the three-valued
// get, and the mask_or_insert repair primitive.
//
// Hashing follows compactindex36's preference for a fast, non-cryptographic
// mixer over a cryptographic one: a single 128-bit xxh3 hash of the raw key
// bytes is split into (h0, h1) and the k bit offsets are derived from it by
// double hashing, exactly as spec'd.
package member

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	bin "github.com/gagliardetto/binary"
	logging "github.com/ipfs/go-log/v2"
	"github.com/zeebo/xxh3"

	"github.com/rpcpool/bfield/bitstore"
	"github.com/rpcpool/bfield/codec"
	"github.com/rpcpool/bfield/word128"
)

var log = logging.Logger("bfield/member")

// Lookup is the three-valued result of Member.Get.
type Lookup struct {
	state lookupState
	value uint64
}

type lookupState uint8

const (
	lookupNone lookupState = iota
	lookupSome
	lookupIndeterminate
)

// None reports whether the lookup determined the key is definitely absent.
func (l Lookup) None() bool { return l.state == lookupNone }

// Indeterminate reports whether the lookup could not decide.
func (l Lookup) Indeterminate() bool { return l.state == lookupIndeterminate }

// Some reports whether a value was recovered, returning it as the second
// result.
func (l Lookup) Some() (uint64, bool) {
	return l.value, l.state == lookupSome
}

func (l Lookup) String() string {
	switch l.state {
	case lookupNone:
		return "None"
	case lookupSome:
		return fmt.Sprintf("Some(%d)", l.value)
	default:
		return "Indeterminate"
	}
}

// None constructs the "definitely absent" lookup result.
func None() Lookup { return Lookup{state: lookupNone} }

// Indeterminate constructs the "cannot decide" lookup result.
func Indeterminate() Lookup { return Lookup{state: lookupIndeterminate} }

// Some constructs a "value recovered" lookup result.
func Some(v uint64) Lookup { return Lookup{state: lookupSome, value: v} }

var lookupNoneResult = None()
var lookupIndeterminateResult = Indeterminate()

func lookupSomeResult(v uint64) Lookup { return Some(v) }

// Params is the immutable tuple of marker parameters carried in a member's
// header, alongside the caller's opaque metadata blob.
type Params struct {
	NHashes      uint8 // k
	MarkerWidth  uint8 // nu
	NMarkerBits  uint8 // kappa
	Other        []byte
}

// ErrBadParams is returned when stored header parameters fail a sanity
// check on open.
var ErrBadParams = errors.New("member: invalid or corrupt parameters")

func (p Params) validate() error {
	if p.NMarkerBits == 0 || p.NMarkerBits >= 10 {
		return fmt.Errorf("%w: kappa %d out of range [1, 9]", ErrBadParams, p.NMarkerBits)
	}
	if p.MarkerWidth == 0 || p.MarkerWidth > 128 {
		return fmt.Errorf("%w: marker width %d out of range (0, 128]", ErrBadParams, p.MarkerWidth)
	}
	if p.NMarkerBits >= p.MarkerWidth {
		return fmt.Errorf("%w: kappa %d must be < marker width %d", ErrBadParams, p.NMarkerBits, p.MarkerWidth)
	}
	if p.NHashes == 0 {
		return fmt.Errorf("%w: n_hashes must be >= 1", ErrBadParams)
	}
	return nil
}

// Member is one filter in a cascade: a bit store plus its immutable marker
// parameters.
type Member struct {
	store  bitstore.Store
	params Params
}

// encodeHeader serializes Params to the flat byte layout stored in a member
// file's header: k, ν, κ, then the caller's opaque Other blob verbatim
// (possibly empty), Borsh-encoded the same way indexmeta.Meta encodes its
// own flat key-value blob.
func encodeHeader(p Params) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	enc.Write([]byte{p.NHashes, p.MarkerWidth, p.NMarkerBits})
	if len(p.Other) > 0 {
		enc.Write(p.Other)
	}
	return buf.Bytes()
}

// decodeHeader recovers Params from a member file's header payload.
// Parsers must tolerate trailing bytes, per spec: nothing past byte 3 is
// validated beyond being captured verbatim as Other.
func decodeHeader(raw []byte) (Params, error) {
	if len(raw) < 3 {
		return Params{}, fmt.Errorf("%w: header too short (%d bytes)", ErrBadParams, len(raw))
	}
	dec := bin.NewBorshDecoder(raw)
	var head [3]byte
	for i := range head {
		b, err := dec.ReadByte()
		if err != nil {
			return Params{}, fmt.Errorf("%w: reading header byte %d: %v", ErrBadParams, i, err)
		}
		head[i] = b
	}
	p := Params{NHashes: head[0], MarkerWidth: head[1], NMarkerBits: head[2]}
	other, err := io.ReadAll(dec)
	if err != nil {
		return Params{}, fmt.Errorf("%w: reading other params: %v", ErrBadParams, err)
	}
	if len(other) > 0 {
		p.Other = other
	}
	return p, p.validate()
}

// Create builds a new in-memory member with the given size (in bits) and
// marker parameters.
func Create(size int, params Params) (*Member, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if size <= int(params.MarkerWidth) {
		return nil, fmt.Errorf("member: size %d must be greater than marker width %d", size, params.MarkerWidth)
	}
	return &Member{
		store:  bitstore.NewMemoryStore(size),
		params: params,
	}, nil
}

// CreateFile builds a new file-backed member at path with the given file
// permission bits.
func CreateFile(path string, size int, params Params, mode os.FileMode) (*Member, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if size <= int(params.MarkerWidth) {
		return nil, fmt.Errorf("member: size %d must be greater than marker width %d", size, params.MarkerWidth)
	}
	fs, err := bitstore.Create(path, size, encodeHeader(params), mode)
	if err != nil {
		return nil, err
	}
	return &Member{store: fs, params: params}, nil
}

// Open maps an existing member file, recovering its parameters from the
// header.
func Open(path string, readOnly bool) (*Member, error) {
	fs, err := bitstore.Open(path, readOnly)
	if err != nil {
		return nil, err
	}
	params, err := decodeHeader(fs.Header())
	if err != nil {
		fs.Close()
		return nil, err
	}
	return &Member{store: fs, params: params}, nil
}

// Persist materializes an in-memory member to a new file at path. The
// Member continues to wrap the original in-memory store; callers that want
// the persisted copy should re-Open it.
func (m *Member) Persist(path string, mode os.FileMode) error {
	mem, ok := m.store.(*bitstore.MemoryStore)
	if !ok {
		return fmt.Errorf("member: Persist called on a non-memory-backed member")
	}
	fs, err := bitstore.PersistFrom(path, encodeHeader(m.params), mem, mode)
	if err != nil {
		return err
	}
	return fs.Close()
}

// IsFileBacked reports whether the member's store is a memory-mapped file
// rather than an anonymous in-memory buffer.
func (m *Member) IsFileBacked() bool {
	_, ok := m.store.(*bitstore.FileStore)
	return ok
}

// Prefetch advises the kernel to read a file-backed member's mapping ahead.
// A no-op for in-memory members.
func (m *Member) Prefetch() error {
	fs, ok := m.store.(*bitstore.FileStore)
	if !ok {
		return nil
	}
	return fs.Prefetch()
}

// Close releases the member's underlying store resources.
func (m *Member) Close() error { return m.store.Close() }

// Params returns the member's immutable marker parameters.
func (m *Member) Params() Params { return m.params }

// SetOtherParams overwrites the member's in-memory opaque params blob
// without touching its on-disk header. Used by Cascade.MockParams to
// annotate an already-loaded legacy file.
func (m *Member) SetOtherParams(other []byte) {
	m.params.Other = other
}

// Info returns (size, k, ν, κ).
func (m *Member) Info() (size int, k, nu, kappa uint8) {
	return m.store.Size(), m.params.NHashes, m.params.MarkerWidth, m.params.NMarkerBits
}

// hash returns the key's 128-bit non-cryptographic hash, split into the two
// words used for double hashing.
func hash(key []byte) (h0, h1 uint64) {
	u := xxh3.Hash128Seed(key, 0)
	return u.Lo, u.Hi
}

// offsets returns the k candidate start-bit indices for key, each
// guaranteed (by the modulus) to leave room for a full ν-bit window.
func (m *Member) offsets(key []byte) []int {
	h0, h1 := hash(key)
	size := m.store.Size()
	nu := int(m.params.MarkerWidth)
	modulus := uint64(size - nu)
	k := int(m.params.NHashes)

	offs := make([]int, k)
	for i := 0; i < k; i++ {
		offs[i] = int((h0 + uint64(i)*h1) % modulus)
	}
	return offs
}

// Insert ORs the marker for value into the bit store at all k offsets
// derived from key. Repeated inserts of the same (key, value) pair are
// idempotent because set_range only ORs; inserting a different value for
// an already-inserted key raises the overlap's popcount, nudging future
// lookups toward Indeterminate rather than corrupting the prior value.
func (m *Member) Insert(key []byte, value uint64) {
	marker := codec.Rank(value, m.params.NMarkerBits)
	nu := int(m.params.MarkerWidth)
	for _, off := range m.offsets(key) {
		m.store.SetRange(off, off+nu, marker)
	}
}

// Get intersects the k marker slices for key and decodes the result,
// returning None (definitely absent), Some(value), or Indeterminate
// (saturated overlap).
func (m *Member) Get(key []byte) Lookup {
	nu := int(m.params.MarkerWidth)
	kappa := m.params.NMarkerBits
	merged := word128.Max.Shr(128 - nu) // nu low bits set, confined to the marker width

	for _, off := range m.offsets(key) {
		slice := m.store.GetRange(off, off+nu)
		merged = merged.And(slice)
		if merged.PopCount() < int(kappa) {
			return lookupNoneResult
		}
	}

	switch count := merged.PopCount(); {
	case count > int(kappa):
		return lookupIndeterminateResult
	case count == int(kappa):
		return lookupSomeResult(codec.Unrank(merged))
	default:
		return lookupNoneResult
	}
}

// MaskOrInsert is the deliberate "poison" primitive used by post-build
// repair: it never clears bits, and it never corrects an already-saturated
// key, but it can push a previously resolvable key into Indeterminate.
// Returns true if the key now maps to value (either because it already
// did, or because it was freshly inserted); false if the key was already
// indeterminate, or has just been pushed there by a different value.
func (m *Member) MaskOrInsert(key []byte, value uint64) bool {
	kappa := int(m.params.NMarkerBits)
	nu := int(m.params.MarkerWidth)
	correct := codec.Rank(value, m.params.NMarkerBits)

	offs := m.offsets(key)
	merged := word128.Max.Shr(128 - nu)
	slices := make([]word128.Word128, len(offs))
	for i, off := range offs {
		slices[i] = m.store.GetRange(off, off+nu)
		merged = merged.And(slices[i])
	}

	switch count := merged.PopCount(); {
	case count > kappa:
		return false
	case count == kappa && merged.Equal(correct):
		return true
	case count == kappa:
		// Already saturated at a different value: find the smallest
		// additional bit that pushes popcount above kappa, then poison
		// every offset with it, without ever clearing a bit.
		poison := smallestPoisonBit(merged, nu)
		for _, off := range offs {
			m.store.SetRange(off, off+nu, poison)
		}
		return false
	default:
		m.Insert(key, value)
		return true
	}
}

// smallestPoisonBit finds the lowest unset bit position within [0, nu) of
// merged and returns a word with just that bit set, which when ORed in
// raises merged's popcount by exactly one (above kappa, since merged
// already has kappa bits set).
func smallestPoisonBit(merged word128.Word128, nu int) word128.Word128 {
	for i := 0; i < nu; i++ {
		if merged.Bit(i) == 0 {
			return word128.Word128{}.SetBit(i)
		}
	}
	// All nu bits are set; nothing left to poison with (nu == kappa,
	// which Params.validate forbids, so this is unreachable in practice).
	log.Warnw("mask_or_insert found no free bit to poison with", "nu", nu)
	return word128.Word128{}
}

// BigEndianKey serializes an unsigned integer key the way the cascade
// round-trip tests do, matching the literal end-to-end scenario in the
// spec (be_bytes(i as u32)).
func BigEndianKey(i uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, i)
	return buf
}
