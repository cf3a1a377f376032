package strategy

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/solarb/internal/domain"
)

var solUSDC = domain.TradePair{Base: "So11111111111111111111111111111111111111112", Quote: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"}

func TestLane_Linear(t *testing.T) {
	got := Lane{Min: 100, Max: 500, Count: 5, Mode: RangeLinear}.Amounts(nil)
	assert.Equal(t, []uint64{100, 200, 300, 400, 500}, got)
}

func TestLane_Exponential(t *testing.T) {
	got := Lane{Min: 1_000, Max: 1_000_000, Count: 4, Mode: RangeExponential}.Amounts(nil)
	assert.Equal(t, []uint64{1_000, 10_000, 100_000, 1_000_000}, got)
}

func TestLane_RandomIsDistinctAndBounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	got := Lane{Min: 10, Max: 1_000, Count: 8, Mode: RangeRandom}.Amounts(rng)
	require.Len(t, got, 8)
	for i, v := range got {
		assert.GreaterOrEqual(t, v, uint64(10))
		assert.LessOrEqual(t, v, uint64(1_000))
		if i > 0 {
			assert.Greater(t, v, got[i-1])
		}
	}
}

func TestLane_RandomNarrowRangeFallsBack(t *testing.T) {
	got := Lane{Min: 1, Max: 3, Count: 3, Mode: RangeRandom}.Amounts(rand.New(rand.NewPCG(3, 4)))
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestLane_Degenerate(t *testing.T) {
	assert.Nil(t, Lane{Min: 1, Max: 2}.Amounts(nil))
	assert.Equal(t, []uint64{7}, Lane{Min: 7, Max: 7, Count: 3}.Amounts(nil))
	assert.Equal(t, []uint64{9}, Lane{Min: 2, Max: 9, Count: 1}.Amounts(nil))
	assert.Equal(t, []uint64{5, 10}, Lane{Min: 0, Max: 10, Count: 3}.Amounts(nil))
}

func TestLaneSchedule_Next(t *testing.T) {
	s := NewLaneSchedule([]PairConfig{{
		Pair:  solUSDC,
		Lanes: []Lane{{Min: 100, Max: 300, Count: 3}},
		Sizes: []uint64{200, 1_000},
	}}, rand.New(rand.NewPCG(1, 1)))

	now := time.Unix(1_700_000_000, 0)
	first := s.Next(now)
	require.Len(t, first, 4)
	for i, b := range first {
		assert.Equal(t, uint64(i+1), b.BatchID)
		assert.Equal(t, solUSDC, b.Pair)
		assert.Equal(t, now, b.ReadyAt)
	}
	assert.Equal(t, []uint64{100, 200, 300, 1_000}, s.Sizes(solUSDC))

	second := s.Next(now)
	assert.Equal(t, uint64(5), second[0].BatchID)
}
