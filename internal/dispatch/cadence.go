package dispatch

import (
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// Cadence is the pacing applied to one trade pair.
type Cadence struct {
	// MaxConcurrentSlots caps batches of this pair in flight at once.
	MaxConcurrentSlots int
	// ProcessDelay is the minimum gap between two batches of the pair.
	ProcessDelay time.Duration
	// CycleCooldown is the pause after a full schedule has been dispatched.
	CycleCooldown time.Duration
	// BatchTimeout bounds one batch, lease wait included. Zero means none.
	BatchTimeout time.Duration
}

// CadenceTable holds the default cadence and per-pair overrides keyed by
// TradePair.Key().
type CadenceTable struct {
	Default Cadence
	Pairs   map[string]Cadence
}

// For returns the effective cadence for pair. Zero fields in an override
// inherit the default.
func (t CadenceTable) For(pair domain.TradePair) Cadence {
	c := t.Default
	o, ok := t.Pairs[pair.Key()]
	if !ok {
		return c
	}
	if o.MaxConcurrentSlots > 0 {
		c.MaxConcurrentSlots = o.MaxConcurrentSlots
	}
	if o.ProcessDelay > 0 {
		c.ProcessDelay = o.ProcessDelay
	}
	if o.CycleCooldown > 0 {
		c.CycleCooldown = o.CycleCooldown
	}
	if o.BatchTimeout > 0 {
		c.BatchTimeout = o.BatchTimeout
	}
	return c
}
