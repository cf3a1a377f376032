package domain

import (
	"fmt"
	"time"
)

// DispatchStrategy selects how variants are produced and submitted.
type DispatchStrategy string

const (
	// AllAtOnce signs one variant per backend and broadcasts it to every
	// endpoint of that backend.
	AllAtOnce DispatchStrategy = "all_at_once"
	// OneByOne signs an independent variant per (backend, endpoint).
	OneByOne DispatchStrategy = "one_by_one"
)

// ParseDispatchStrategy accepts the config spellings. Empty means AllAtOnce.
func ParseDispatchStrategy(s string) (DispatchStrategy, error) {
	switch s {
	case "", "all_at_once", "allatonce", "AllAtOnce":
		return AllAtOnce, nil
	case "one_by_one", "onebyone", "OneByOne":
		return OneByOne, nil
	default:
		return "", fmt.Errorf("unknown dispatch strategy %q", s)
	}
}

// BackendLayout describes one delivery backend as the planner needs it.
type BackendLayout struct {
	Name        string
	Endpoints   []string
	RequiresTip bool
}

// Slots is how many OneByOne variants the backend receives.
func (b BackendLayout) Slots() int {
	if len(b.Endpoints) == 0 {
		return 1
	}
	return len(b.Endpoints)
}

// TxVariant is one fully signed transaction derived from an opportunity.
type TxVariant struct {
	ID               uint32
	Backend          int
	Endpoint         string
	Payload          []byte
	Signature        string
	Blockhash        string
	Slot             uint64
	TipLamports      uint64
	TipAccount       string
	ComputeUnitPrice uint64
}

// DispatchPlan groups variants per backend index.
type DispatchPlan struct {
	Strategy      DispatchStrategy
	OpportunityID string
	Variants      [][]TxVariant
}

// Empty reports whether the plan carries nothing to submit.
func (p DispatchPlan) Empty() bool {
	for _, vs := range p.Variants {
		if len(vs) > 0 {
			return false
		}
	}
	return true
}

// Count is the total number of signed payloads in the plan.
func (p DispatchPlan) Count() int {
	n := 0
	for _, vs := range p.Variants {
		n += len(vs)
	}
	return n
}

// For returns the variants for backend i.
func (p DispatchPlan) For(i int) []TxVariant {
	if i < 0 || i >= len(p.Variants) {
		return nil
	}
	return p.Variants[i]
}

// Receipt is what a successful delivery returns.
type Receipt struct {
	Backend   string
	Endpoint  string
	Signature string
	BundleID  string
	Slot      uint64
	Blockhash string
	VariantID uint32
	LocalIP   string
	Attempt   int
	Latency   time.Duration
}

// VariantParams are the per-variant knobs the planner varies; everything else
// in the transaction comes from the opportunity.
type VariantParams struct {
	Blockhash        string
	Slot             uint64
	ComputeUnitLimit uint32
	ComputeUnitPrice uint64
	TipLamports      uint64
	TipAccount       string
}
