package strategy

import (
	"math"
	"math/rand/v2"
	"slices"
)

// Amounts expands the lane into sorted, distinct, non-zero amounts. rng is
// only used by RangeRandom.
func (l Lane) Amounts(rng *rand.Rand) []uint64 {
	if l.Count <= 0 {
		return nil
	}
	lo, hi := l.Min, l.Max
	if lo > hi {
		lo, hi = hi, lo
	}
	if l.Count == 1 || lo == hi {
		return nonZero([]uint64{hi})
	}

	var out []uint64
	switch l.Mode {
	case RangeExponential:
		if lo == 0 {
			out = linear(lo, hi, l.Count)
			break
		}
		ratio := float64(hi) / float64(lo)
		steps := float64(l.Count - 1)
		for i := 0; i < l.Count; i++ {
			v := math.Round(float64(lo) * math.Pow(ratio, float64(i)/steps))
			out = append(out, clamp(uint64(v), lo, hi))
		}
	case RangeRandom:
		out = random(lo, hi, l.Count, rng)
	default:
		out = linear(lo, hi, l.Count)
	}
	return nonZero(out)
}

func linear(lo, hi uint64, count int) []uint64 {
	out := make([]uint64, 0, count)
	span := hi - lo
	steps := uint64(count - 1)
	for i := uint64(0); i <= steps; i++ {
		// span/steps*i loses precision; split to stay exact without overflow.
		v := lo + span/steps*i + span%steps*i/steps
		out = append(out, v)
	}
	return out
}

// random samples count distinct values; when the range is too narrow to
// find them it falls back to a linear spread.
func random(lo, hi uint64, count int, rng *rand.Rand) []uint64 {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	seen := make(map[uint64]struct{}, count)
	span := hi - lo
	for attempts := 0; len(seen) < count && attempts < max(count*10, 100); attempts++ {
		var v uint64
		if span == math.MaxUint64 {
			v = rng.Uint64()
		} else {
			v = lo + rng.Uint64N(span+1)
		}
		seen[v] = struct{}{}
	}
	if len(seen) < count {
		return linear(lo, hi, count)
	}
	out := make([]uint64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	return out
}

func clamp(v, lo, hi uint64) uint64 {
	return min(max(v, lo), hi)
}

func nonZero(vs []uint64) []uint64 {
	out := vs[:0]
	for _, v := range vs {
		if v > 0 {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
