package codec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/bfield/word128"
)

// TestRankConcurrentFirstUse mirrors the spec's concurrent-warm-up scenario:
// many goroutines call Rank(0, 4) at once, immediately after process start,
// racing to trigger the kappa=4 table's first build. sync.Once must ensure
// every goroutine observes the fully-built table rather than a partial one,
// so every result must agree with the others.
func TestRankConcurrentFirstUse(t *testing.T) {
	const goroutines = 64
	start := make(chan struct{})
	results := make([]word128.Word128, goroutines)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = Rank(0, 4)
		}(i)
	}
	close(start)
	wg.Wait()

	want := results[0]
	require.Equal(t, 4, want.PopCount())
	for i, got := range results {
		require.True(t, got.Equal(want), "goroutine %d observed marker %v, want %v", i, got, want)
	}
}

func TestRankUnrankBijection(t *testing.T) {
	for k := uint8(1); k < 10; k++ {
		limit := uint64(200_000)
		if k <= 7 {
			c := Choose(64, k)
			if c < limit {
				limit = c
			}
		}
		for v := uint64(0); v < limit; v += 997 { // sample, not exhaustive, to keep the test fast
			m := Rank(v, k)
			require.Equal(t, int(k), m.PopCount(), "kappa=%d v=%d", k, v)
			require.Equal(t, v, Unrank(m), "kappa=%d v=%d", k, v)
		}
	}
}

func TestRankSpecValues(t *testing.T) {
	require.Equal(t, 4, Rank(35001, 4).PopCount())
	require.Equal(t, 3, Rank(41663, 3).PopCount())
}

func TestNextRankWeightPreservation(t *testing.T) {
	m := Rank(0, 5)
	for i := 0; i < 5000; i++ {
		next := nextRank(m)
		require.Equal(t, 5, next.PopCount())
		m = next
	}
}

func TestNextRankSpecValues(t *testing.T) {
	require.Equal(t, uint64(0b10), nextRank(word128.FromUint64(0b1)).Uint64())
	require.Equal(t, uint64(0b1000), nextRank(word128.FromUint64(0b100)).Uint64())
	require.Equal(t, uint64(0b1011), nextRank(word128.FromUint64(0b111)).Uint64())
	require.Equal(t, uint64(0b1000110), nextRank(word128.FromUint64(0b1000101)).Uint64())
}

func TestChoose(t *testing.T) {
	require.Equal(t, uint64(1), Choose(1, 1))
	require.Equal(t, uint64(10), Choose(10, 1))
	require.Equal(t, uint64(10), Choose(5, 2))
	require.Equal(t, uint64(10), Choose(5, 3))
	require.Equal(t, uint64(5), Choose(5, 4))
	require.Equal(t, uint64(1), Choose(5, 5))
	require.Equal(t, uint64(15504), Choose(20, 5))
	require.Equal(t, uint64(38760), Choose(20, 6))
	require.Equal(t, uint64(77520), Choose(20, 7))
	require.Equal(t, uint64(245157), Choose(23, 7))
	require.Equal(t, uint64(1), Choose(8, 8))
	require.Equal(t, uint64(9), Choose(9, 8))

	require.Equal(t, uint64(1), Choose(64, 0))
	require.Equal(t, uint64(64), Choose(64, 1))
	require.Equal(t, uint64(488526937079580), Choose(64, 16))
	require.Equal(t, uint64(1832624140942590534), Choose(64, 32))
	require.Equal(t, uint64(488526937079580), Choose(64, 48))
	require.Equal(t, uint64(64), Choose(64, 63))
	require.Equal(t, uint64(1), Choose(64, 64))

	require.Equal(t, uint64(2433440563030400), Choose(128, 11))
	require.Equal(t, uint64(211709328983644800), Choose(128, 13))
	require.Equal(t, uint64(11288510714272000), Choose(256, 9))
}

func TestChooseOverflowPanics(t *testing.T) {
	require.Panics(t, func() {
		Choose(256, 20)
	})
}

func TestRankRejectsBadKappa(t *testing.T) {
	require.Panics(t, func() { Rank(0, 0) })
	require.Panics(t, func() { Rank(0, 10) })
}

func TestRankStreamsPastTable(t *testing.T) {
	// value just past the 200,000-entry table boundary must still
	// produce a valid kappa-weight marker via streaming next_rank.
	m := Rank(200_005, 3)
	require.Equal(t, 3, m.PopCount())
	require.Equal(t, uint64(200_005), Unrank(m))
}
