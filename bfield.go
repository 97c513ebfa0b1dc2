// Package bfield implements the B-field cascade: an ordered sequence of
// Members of geometrically decreasing size that together form a
// space-efficient, probabilistic associative structure mapping opaque
// byte-string keys to small non-negative integer values.
//
// During build, a key is promoted from member i to member i+1 only if
// member i reports Indeterminate for it; during lookup, the first
// non-Indeterminate answer across the cascade wins. See member.Member for
// the single-filter mechanics and codec for the underlying combinatorial
// encoding.
package bfield

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/bfield/codec"
	"github.com/rpcpool/bfield/member"
)

var log = logging.Logger("bfield")

const fileSuffix = ".bfd"

// Lookup is the cascade's three-valued lookup result, re-exported from the
// member package since a cascade's Get answers with the exact same shape as
// a single member's.
type Lookup = member.Lookup

// Cascade is an ordered, non-empty sequence of members sharing (k, ν, κ),
// governed by a read-only flag. See spec §4.4.
type Cascade struct {
	directory string
	stem      string
	members   []*member.Member
	readOnly  bool
	inMemory  bool

	nHashes            uint8
	markerWidth        uint8
	nMarkerBits        uint8
	secondaryScaledown float64
	maxScaledown       float64

	cfg *config
}

func memberPath(directory, stem string, i int) string {
	return filepath.Join(directory, fmt.Sprintf("%s.%d%s", stem, i, fileSuffix))
}

// memberSizes computes the geometric size schedule sᵢ = max(⌊sᵢ₋₁·β⌋,
// ⌊s₀·β_max⌋) for i in [1, n).
func memberSizes(s0 int, beta, betaMax float64, n int) []int {
	sizes := make([]int, n)
	sizes[0] = s0
	floor := math.Floor(float64(s0) * betaMax)
	for i := 1; i < n; i++ {
		next := math.Floor(float64(sizes[i-1]) * beta)
		if floor > next {
			next = floor
		}
		sizes[i] = int(next)
	}
	return sizes
}

// Create builds a new cascade of n members under directory, named
// "<stem>.0.bfd" .. "<stem>.<n-1>.bfd" (or held entirely in memory when
// inMemory is true). Only member 0's header carries params; every other
// member stores no caller params. k, nu and kappa are shared by every
// member. After construction, the codec's shared tables for kappa are
// warmed eagerly so concurrent readers never race its first-touch init.
func Create(directory, stem string, s0 int, k, nu, kappa uint8, beta, betaMax float64, n int, inMemory bool, params []byte, opts ...Option) (*Cascade, error) {
	if stem == "" {
		return nil, ErrBadStem
	}
	if n <= 0 {
		return nil, fmt.Errorf("bfield: n must be positive, got %d", n)
	}
	cfg := apply(opts)

	if !inMemory {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("bfield: creating directory %s: %w", directory, err)
		}
	}

	sizes := memberSizes(s0, beta, betaMax, n)
	cfg.logger.Infow("creating cascade", "stem", stem, "members", n, "s0", humanize.Comma(int64(s0)), "in_memory", inMemory)

	c := &Cascade{
		directory:          directory,
		stem:               stem,
		readOnly:           false,
		inMemory:           inMemory,
		nHashes:            k,
		markerWidth:        nu,
		nMarkerBits:        kappa,
		secondaryScaledown: beta,
		maxScaledown:       betaMax,
		cfg:                cfg,
	}

	for i, size := range sizes {
		p := member.Params{NHashes: k, MarkerWidth: nu, NMarkerBits: kappa}
		if i == 0 {
			p.Other = params
		}

		var m *member.Member
		var err error
		if inMemory {
			m, err = member.Create(size, p)
		} else {
			path := memberPath(directory, stem, i)
			m, err = member.CreateFile(path, size, p, cfg.fileMode)
		}
		if err != nil {
			c.closeMembers()
			return nil, fmt.Errorf("bfield: creating member %d: %w", i, err)
		}
		if cfg.prefetch {
			if err := m.Prefetch(); err != nil {
				cfg.logger.Debugw("prefetch failed", "member", i, "err", err)
			}
		}
		c.members = append(c.members, m)
	}

	codec.WarmTable(kappa)
	return c, nil
}

// Load discovers and opens a cascade starting from the path to its first
// member, which must end with "0.bfd". It opens <stem>.1.bfd,
// <stem>.2.bfd, … until a file is missing. Load fails with ErrNotFound if
// zero members could be opened.
func Load(path string, readOnly bool, opts ...Option) (*Cascade, error) {
	const zeroSuffix = ".0" + fileSuffix
	base := filepath.Base(path)
	if !strings.HasSuffix(base, zeroSuffix) {
		return nil, fmt.Errorf("bfield: load path must end with \"0.bfd\", got %q", path)
	}
	stem := strings.TrimSuffix(base, zeroSuffix)
	if stem == "" {
		return nil, ErrBadStem
	}
	directory := filepath.Dir(path)
	cfg := apply(opts)

	m0, err := member.Open(path, readOnly)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	c := &Cascade{
		directory: directory,
		stem:      stem,
		readOnly:  readOnly,
		inMemory:  false,
		cfg:       cfg,
		members:   []*member.Member{m0},
	}
	_, c.nHashes, c.markerWidth, c.nMarkerBits = m0.Info()

	for i := 1; ; i++ {
		p := memberPath(directory, stem, i)
		if _, statErr := os.Stat(p); statErr != nil {
			break
		}
		mi, openErr := member.Open(p, readOnly)
		if openErr != nil {
			c.closeMembers()
			return nil, fmt.Errorf("bfield: opening member %d: %w", i, openErr)
		}
		c.members = append(c.members, mi)
	}

	if len(c.members) == 0 {
		return nil, ErrNotFound
	}

	if cfg.prefetch {
		for i, m := range c.members {
			if err := m.Prefetch(); err != nil {
				cfg.logger.Debugw("prefetch failed", "member", i, "err", err)
			}
		}
	}

	cfg.logger.Infow("loaded cascade", "stem", stem, "members", len(c.members), "read_only", readOnly)
	return c, nil
}

func (c *Cascade) closeMembers() {
	for _, m := range c.members {
		_ = m.Close()
	}
}

// Close releases every member's underlying store resources.
func (c *Cascade) Close() error {
	var firstErr error
	for _, m := range c.members {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Insert writes (key, value) at the given pass. If pass > 0, any earlier
// member that does not answer Indeterminate for key means the key is
// already resolved, and Insert is a no-op returning false. Insert panics
// if the cascade is read-only or pass is out of [0, n) — both precondition
// violations the caller is expected to never trigger in correct use.
func (c *Cascade) Insert(key []byte, value uint64, pass int) bool {
	if c.readOnly {
		panic(ErrReadOnly)
	}
	if pass < 0 || pass >= len(c.members) {
		panic(ErrBadPass)
	}

	if pass > 0 {
		for j := 0; j < pass; j++ {
			if !c.members[j].Get(key).Indeterminate() {
				return false
			}
		}
	}

	c.members[pass].Insert(key, value)
	return true
}

// Get queries members in order and returns on the first non-Indeterminate
// answer. If every member answers Indeterminate, Get returns None: a
// "totally indeterminate" key is reported as absent rather than surfaced as
// a distinct outcome (see spec's open question on this behavior).
func (c *Cascade) Get(key []byte) Lookup {
	for _, m := range c.members {
		l := m.Get(key)
		if !l.Indeterminate() {
			return l
		}
	}
	return member.None()
}

// ForceInsert is a post-build repair primitive: it walks members in order
// calling MaskOrInsert, stopping at the first member that accepts the
// value. It never clears bits, so it cannot un-saturate a member, and it
// may introduce false negatives for other keys sharing a now-poisoned
// offset; callers accept this risk. ForceInsert panics if the cascade is
// read-only.
func (c *Cascade) ForceInsert(key []byte, value uint64) {
	if c.readOnly {
		panic(ErrReadOnly)
	}
	for _, m := range c.members {
		if m.MaskOrInsert(key, value) {
			return
		}
	}
}

// PersistToDisk materializes every in-memory member to its configured file
// path, preserving order and the read-only flag. It is an error to call
// PersistToDisk on a cascade with no in-memory members.
func (c *Cascade) PersistToDisk() error {
	if !c.inMemory {
		return ErrNotInMemory
	}
	if err := os.MkdirAll(c.directory, 0o755); err != nil {
		return fmt.Errorf("bfield: creating directory %s: %w", c.directory, err)
	}
	for i, m := range c.members {
		if !m.IsFileBacked() {
			path := memberPath(c.directory, c.stem, i)
			if err := m.Persist(path, c.cfg.fileMode); err != nil {
				return fmt.Errorf("bfield: persisting member %d: %w", i, err)
			}
		}
	}
	c.inMemory = false
	c.cfg.logger.Infow("persisted cascade to disk", "stem", c.stem, "members", len(c.members), "directory", c.directory)
	return nil
}

// Info describes the cascade's shape: number of members, shared (k, ν, κ),
// and the geometric scale-down parameters used to build it. A cascade
// opened with Load reports zero for both scale-down parameters, since
// member files do not record them.
type Info struct {
	NumMembers         int
	NHashes            uint8
	MarkerWidth        uint8
	NMarkerBits        uint8
	SecondaryScaledown float64
	MaxScaledown       float64
	ReadOnly           bool
	InMemory           bool
}

// Info returns a snapshot of the cascade's shape and configuration.
func (c *Cascade) Info() Info {
	return Info{
		NumMembers:         len(c.members),
		NHashes:            c.nHashes,
		MarkerWidth:        c.markerWidth,
		NMarkerBits:        c.nMarkerBits,
		SecondaryScaledown: c.secondaryScaledown,
		MaxScaledown:       c.maxScaledown,
		ReadOnly:           c.readOnly,
		InMemory:           c.inMemory,
	}
}

// BuildParams returns the parameters needed to recreate a cascade with the
// same shape: (s0, k, nu, kappa, beta, betaMax, n). For a cascade opened
// with Load, beta and betaMax are zero.
func (c *Cascade) BuildParams() (s0 int, k, nu, kappa uint8, beta, betaMax float64, n int) {
	size, nHashes, markerWidth, nMarkerBits := c.members[0].Info()
	return size, nHashes, markerWidth, nMarkerBits, c.secondaryScaledown, c.maxScaledown, len(c.members)
}

// Params returns member 0's caller-supplied opaque params blob, or nil if
// none was set.
func (c *Cascade) Params() []byte {
	return c.members[0].Params().Other
}

// MockParams overwrites member 0's in-memory params without rewriting its
// file, used to annotate legacy files with metadata they were built
// without. The change is lost unless a subsequent PersistToDisk (for
// in-memory cascades) or an out-of-band rewrite captures it; this mirrors
// the original's explicitly documented "does not rewrite the file" caveat.
func (c *Cascade) MockParams(params []byte) {
	c.members[0].SetOtherParams(params)
	c.cfg.logger.Warnw("mock_params does not rewrite the on-disk header; value is process-local only")
}
