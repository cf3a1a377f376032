package strategy

import (
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// LaneSchedule emits one batch per (pair, amount) every cycle. Random lanes
// are re-drawn each cycle; the rest are computed once.
type LaneSchedule struct {
	pairs   []PairConfig
	static  [][]uint64
	rng     *rand.Rand
	batchID atomic.Uint64
}

// Compile-time interface check.
var _ Scheduler = (*LaneSchedule)(nil)

// NewLaneSchedule creates a schedule. A nil rng seeds from the runtime.
func NewLaneSchedule(pairs []PairConfig, rng *rand.Rand) *LaneSchedule {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := &LaneSchedule{pairs: pairs, rng: rng, static: make([][]uint64, len(pairs))}
	for i, p := range pairs {
		amounts := slices.Clone(p.Sizes)
		for _, l := range p.Lanes {
			if l.Mode != RangeRandom {
				amounts = append(amounts, l.Amounts(nil)...)
			}
		}
		s.static[i] = nonZero(amounts)
	}
	return s
}

// Name implements Scheduler.
func (s *LaneSchedule) Name() string { return "lanes" }

// Next implements Scheduler. Batch ids increase monotonically across cycles.
// Not safe for concurrent calls.
func (s *LaneSchedule) Next(now time.Time) []domain.QuoteBatchPlan {
	var out []domain.QuoteBatchPlan
	for i, p := range s.pairs {
		amounts := s.static[i]
		for _, l := range p.Lanes {
			if l.Mode == RangeRandom {
				amounts = nonZero(append(slices.Clone(amounts), l.Amounts(s.rng)...))
			}
		}
		for _, amt := range amounts {
			out = append(out, domain.QuoteBatchPlan{
				BatchID:   s.batchID.Add(1),
				Pair:      p.Pair,
				TradeSize: amt,
				ReadyAt:   now,
			})
		}
	}
	return out
}

// Sizes returns the fixed amounts for pair, for status output.
func (s *LaneSchedule) Sizes(pair domain.TradePair) []uint64 {
	for i, p := range s.pairs {
		if p.Pair == pair {
			return slices.Clone(s.static[i])
		}
	}
	return nil
}
