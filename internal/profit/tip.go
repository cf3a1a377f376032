package profit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TipPolicy decides the validator tip paid out of gross profit.
type TipPolicy interface {
	Tip(gross int64) uint64
}

// FixedTip pays the same amount on every opportunity.
type FixedTip uint64

// Tip implements TipPolicy.
func (f FixedTip) Tip(int64) uint64 { return uint64(f) }

// ProportionalTip pays round(gross * Ratio), with Ratio clamped to [0, 1]
// and the result capped at Max when Max is non-zero.
type ProportionalTip struct {
	Ratio decimal.Decimal
	Max   uint64
}

// Tip implements TipPolicy.
func (p ProportionalTip) Tip(gross int64) uint64 {
	if gross <= 0 {
		return 0
	}
	ratio := p.Ratio
	if ratio.IsNegative() {
		ratio = decimal.Zero
	}
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	tip := uint64(decimal.NewFromInt(gross).Mul(ratio).Round(0).IntPart())
	if p.Max > 0 && tip > p.Max {
		return p.Max
	}
	return tip
}

// CeilingSource reports the current market tip ceiling, if known.
type CeilingSource interface {
	TipCeiling() (uint64, bool)
}

// CeilingTip caps another policy by an externally observed ceiling.
type CeilingTip struct {
	Base   TipPolicy
	Source CeilingSource
}

// Tip implements TipPolicy.
func (c CeilingTip) Tip(gross int64) uint64 {
	tip := c.Base.Tip(gross)
	if c.Source == nil {
		return tip
	}
	if ceiling, ok := c.Source.TipCeiling(); ok && tip > ceiling {
		return ceiling
	}
	return tip
}

// TipConfig selects and parameterises a tip policy.
type TipConfig struct {
	Kind  string // "fixed" or "proportional"
	Fixed uint64
	Ratio string
	Max   uint64
	// UseCeiling wraps the policy in a CeilingTip when a source is given.
	UseCeiling bool
}

// NewTipPolicy builds the policy described by cfg.
func NewTipPolicy(cfg TipConfig, source CeilingSource) (TipPolicy, error) {
	var p TipPolicy
	switch cfg.Kind {
	case "", "fixed":
		p = FixedTip(cfg.Fixed)
	case "proportional":
		ratio, err := decimal.NewFromString(cfg.Ratio)
		if err != nil {
			return nil, fmt.Errorf("profit: tip ratio %q: %w", cfg.Ratio, err)
		}
		p = ProportionalTip{Ratio: ratio, Max: cfg.Max}
	default:
		return nil, fmt.Errorf("profit: unknown tip policy %q", cfg.Kind)
	}
	if cfg.UseCeiling && source != nil {
		p = CeilingTip{Base: p, Source: source}
	}
	return p, nil
}
