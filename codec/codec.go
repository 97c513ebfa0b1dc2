// Package codec implements the combinatorial marker codec: the bijection
// between a small non-negative integer value and a fixed-weight ν-bit
// pattern (a "marker"), following the classical combinatorial number system.
//
// Rank precomputes a 200,000-entry lookup table per Hamming weight
// κ ∈ [1, 9] on first use, then falls back to streaming next-rank
// iteration beyond the table boundary; Unrank sums binomial coefficients
// directly and uses no table. Table construction is guarded by
// sync.Once so concurrent first callers never observe a partially built
// table.
package codec

import (
	"fmt"
	"math/big"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"k8s.io/klog/v2"

	"github.com/rpcpool/bfield/word128"
)

var log = logging.Logger("bfield/codec")

const tableSize = 200_000

// streamingWarnThreshold is the number of streaming next_rank iterations
// past the precomputed table beyond which the codec logs a diagnostic: at
// that point the absence of a table entry has become a real latency
// concern rather than a rare tail case.
const streamingWarnThreshold = 10_000_000

var (
	tableOnce [10]sync.Once
	tables    [10][]word128.Word128
)

func checkKappa(k uint8) {
	if k == 0 || k >= 10 {
		panic(fmt.Sprintf("codec: kappa %d out of range [1, 9]", k))
	}
}

// table returns the lookup table for κ, building it on first use.
func table(k uint8) []word128.Word128 {
	checkKappa(k)
	tableOnce[k].Do(func() {
		log.Debugw("building rank table", "kappa", k, "size", tableSize)
		tables[k] = buildTable(k)
		log.Debugw("rank table ready", "kappa", k)
	})
	return tables[k]
}

// WarmTable forces construction of the lookup table for κ, so that no
// concurrent reader races the first call into existence. Cascade.Create
// calls this eagerly.
func WarmTable(k uint8) {
	table(k)
}

func buildTable(k uint8) []word128.Word128 {
	filled := tableSize
	switch k {
	case 1:
		filled = 128
	case 2:
		filled = 8128
	}
	t := make([]word128.Word128, tableSize)
	t[0] = word128.FromUint64(1).Shl(int(k)).Sub1()
	for i := 1; i < filled; i++ {
		t[i] = nextRank(t[i-1])
	}
	return t
}

// Rank maps value to its κ-weight ν-bit marker, the classical combinatorial
// number system ordering. If value lies beyond the reachable domain and
// streaming iteration would overflow past 2^128, Rank returns the zero
// word: callers must treat that as an out-of-domain sentinel and never
// submit such values for real use.
func Rank(value uint64, k uint8) word128.Word128 {
	checkKappa(k)
	t := table(k)
	if value < tableSize {
		return t[value]
	}
	marker := t[tableSize-1]
	extra := value - (tableSize - 1)
	if extra > streamingWarnThreshold {
		klog.Warningf("codec: rank(%d, %d) streaming %d iterations past precomputed table", value, k, extra)
	}
	for i := uint64(0); i < extra; i++ {
		if marker.IsZero() {
			return marker
		}
		marker = nextRank(marker)
	}
	return marker
}

// Unrank recovers the value v such that Rank(v, popcount(m)) == m.
func Unrank(m word128.Word128) uint64 {
	var value uint64
	var idx uint8
	working := m
	for !working.IsZero() {
		r := working.TrailingZeros()
		working = working.And(word128.Word128{}.SetBit(r).Not())
		idx++
		value += Choose(uint64(r), idx)
	}
	return value
}

// Choose computes the exact binomial coefficient C(n, k). It panics if the
// true result would exceed the range of a uint64, matching the codec's
// "fail loudly on overflow" contract.
func Choose(n uint64, k uint8) uint64 {
	kk := k
	if k <= 7 && n >= 512 {
		// The closed-form products below fit in 64 bits only for n < 512;
		// larger n takes the exact arbitrary-precision path.
		kk = 8
	}
	switch kk {
	case 0:
		return 1
	case 1:
		return n
	case 2:
		return n * (n - 1) / 2
	case 3:
		return n * (n - 1) * (n - 2) / 6
	case 4:
		return n * (n - 1) * (n - 2) * (n - 3) / 24
	case 5:
		return n * (n - 1) * (n - 2) * (n - 3) * (n - 4) / 120
	case 6:
		return n * (n - 1) * (n - 2) * (n - 3) * (n - 4) * (n - 5) / 720
	case 7:
		return n * (n - 1) * (n - 2) * (n - 3) * (n - 4) * (n - 5) * (n - 6) / 5040
	default:
		num := big.NewInt(1)
		denom := big.NewInt(1)
		for i := int64(1); i <= int64(k); i++ {
			term := new(big.Int).SetUint64(n)
			term.Add(term, big.NewInt(1-i))
			num.Mul(num, term)
			bi := big.NewInt(i)
			if mod := new(big.Int).Mod(num, bi); mod.Sign() == 0 {
				num.Div(num, bi)
				continue
			}
			denom.Mul(denom, bi)
			if mod2 := new(big.Int).Mod(num, denom); mod2.Sign() == 0 {
				num.Div(num, denom)
				denom.SetInt64(1)
			}
		}
		result := new(big.Int).Div(num, denom)
		if !result.IsUint64() {
			panic(fmt.Sprintf("%d choose %d is greater than 2**64", n, k))
		}
		return result.Uint64()
	}
}

// nextRank returns the lexicographically next κ-weight pattern above m,
// where κ = popcount(m). m must be non-zero.
func nextRank(m word128.Word128) word128.Word128 {
	if m.IsZero() {
		panic("codec: nextRank called with zero marker")
	}
	t := m.Or(m.Sub1())
	tz := m.TrailingZeros()
	tPlus1 := t.Add1()
	inner := t.Not().And(tPlus1).Sub1()
	return tPlus1.Or(inner.Shr(tz + 1))
}
