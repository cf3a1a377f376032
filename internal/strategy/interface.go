// Package strategy produces the quote-batch schedule the dispatcher runs.
// It decides which pairs and trade sizes are quoted each cycle, nothing more.
package strategy

import (
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// Scheduler yields the batches for one dispatch cycle.
type Scheduler interface {
	Name() string
	Next(now time.Time) []domain.QuoteBatchPlan
}

// RangeMode picks how a lane spreads its amounts between Min and Max.
type RangeMode string

const (
	RangeLinear      RangeMode = "linear"
	RangeExponential RangeMode = "exponential"
	RangeRandom      RangeMode = "random"
)

// Lane is one trade-size band.
type Lane struct {
	Min   uint64
	Max   uint64
	Count int
	Mode  RangeMode
}

// PairConfig lists the lanes quoted for one pair.
type PairConfig struct {
	Pair  domain.TradePair
	Lanes []Lane
	// Sizes are fixed amounts quoted in addition to the lanes.
	Sizes []uint64
}
