package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RouteLeg is one hop of a route: which venue swaps which asset into which.
type RouteLeg struct {
	Venue       VenueKind
	InputAsset  Asset
	OutputAsset Asset
}

// Route is an ordered list of legs meant to close into a loop. Two-leg
// routes are buy/sell pairings; longer routes are N-leg cycles.
type Route struct {
	Legs []RouteLeg
	// FromSnapshot marks routes that came from a cold-start skeleton.
	FromSnapshot bool
}

// Key is a stable fingerprint of the route used for dedup and logging.
func (r Route) Key() string {
	var b strings.Builder
	for i, leg := range r.Legs {
		if i > 0 {
			b.WriteString("|")
		}
		fmt.Fprintf(&b, "%s:%s>%s", leg.Venue, leg.InputAsset, leg.OutputAsset)
	}
	return b.String()
}

// Start returns the asset the route begins (and must end) with.
func (r Route) Start() Asset {
	if len(r.Legs) == 0 {
		return ""
	}
	return r.Legs[0].InputAsset
}

// SideOf returns the loop position of leg i.
func (r Route) SideOf(i int) LegSide {
	if i == 0 {
		return SideBuy
	}
	return SideSell
}

// CheckClosure verifies each leg's output feeds the next leg's input and the
// last leg returns to the start asset.
func (r Route) CheckClosure() error {
	if len(r.Legs) < 2 {
		return fmt.Errorf("%w: route has %d legs", ErrLoopMismatch, len(r.Legs))
	}
	for i := 0; i < len(r.Legs)-1; i++ {
		if r.Legs[i].OutputAsset != r.Legs[i+1].InputAsset {
			return fmt.Errorf("%w: leg %d outputs %s but leg %d takes %s",
				ErrLoopMismatch, i, r.Legs[i].OutputAsset, i+1, r.Legs[i+1].InputAsset)
		}
	}
	last := r.Legs[len(r.Legs)-1]
	if last.OutputAsset != r.Legs[0].InputAsset {
		return fmt.Errorf("%w: route ends in %s, starts with %s",
			ErrLoopMismatch, last.OutputAsset, r.Legs[0].InputAsset)
	}
	return nil
}

// RouteSkeleton is a cold-start route without live quotes.
type RouteSkeleton struct {
	Assets []Asset     `json:"assets"`
	Venues []VenueKind `json:"venues"`
	SeenAt time.Time   `json:"seen_at,omitempty"`
}

// Route expands the skeleton into legs. Assets lists the loop without
// repeating the start: [A, B] with venues [v1, v2] means A→B on v1, B→A on v2.
func (s RouteSkeleton) Route() (Route, error) {
	if len(s.Assets) < 2 || len(s.Assets) != len(s.Venues) {
		return Route{}, fmt.Errorf("%w: skeleton has %d assets and %d venues",
			ErrLoopMismatch, len(s.Assets), len(s.Venues))
	}
	legs := make([]RouteLeg, len(s.Assets))
	for i := range s.Assets {
		legs[i] = RouteLeg{
			Venue:       s.Venues[i],
			InputAsset:  s.Assets[i],
			OutputAsset: s.Assets[(i+1)%len(s.Assets)],
		}
	}
	r := Route{Legs: legs, FromSnapshot: true}
	return r, r.CheckClosure()
}

// SkeletonOf converts a route back to its skeleton form.
func SkeletonOf(r Route) RouteSkeleton {
	s := RouteSkeleton{
		Assets: make([]Asset, len(r.Legs)),
		Venues: make([]VenueKind, len(r.Legs)),
	}
	for i, leg := range r.Legs {
		s.Assets[i] = leg.InputAsset
		s.Venues[i] = leg.Venue
	}
	return s
}

// RouteQuote is the phase-1 result: one quote per leg, chained.
type RouteQuote struct {
	Route   Route
	BatchID uint64
	Quotes  []LegQuote
}

// GrossProfit is the final leg's output minus the first leg's input, in
// start-asset base units.
func (q RouteQuote) GrossProfit() int64 {
	if len(q.Quotes) == 0 {
		return 0
	}
	return diff(q.Quotes[len(q.Quotes)-1].AmountOut, q.Quotes[0].AmountIn)
}

// BatchQuote is everything one dispatched batch produced.
type BatchQuote struct {
	Batch    QuoteBatchPlan
	Quotes   []RouteQuote
	Failures []RouteFailure
}

// RouteFailure records a route that could not be quoted or built.
type RouteFailure struct {
	Route Route
	Stage string
	Err   error
}

// ClosedLoopCandidate is a built route ready for final evaluation.
type ClosedLoopCandidate struct {
	ID             string
	BatchID        uint64
	Route          Route
	Legs           []LegPlan
	ResolvedTables map[string][]string
	BuiltAt        time.Time
}

// CheckClosure verifies the built legs close into a loop. A mismatch means a
// venue returned something it was not asked for.
func (c ClosedLoopCandidate) CheckClosure() error {
	if len(c.Legs) < 2 {
		return fmt.Errorf("%w: candidate has %d legs", ErrLoopMismatch, len(c.Legs))
	}
	for i := 0; i < len(c.Legs)-1; i++ {
		out := c.Legs[i].Quote.Intent.OutputAsset
		in := c.Legs[i+1].Quote.Intent.InputAsset
		if out != in {
			return fmt.Errorf("%w: leg %d outputs %s but leg %d takes %s", ErrLoopMismatch, i, out, i+1, in)
		}
	}
	first := c.Legs[0].Quote.Intent.InputAsset
	last := c.Legs[len(c.Legs)-1].Quote.Intent.OutputAsset
	if first != last {
		return fmt.Errorf("%w: loop starts with %s, ends with %s", ErrLoopMismatch, first, last)
	}
	return nil
}

// GrossProfit of the built legs.
func (c ClosedLoopCandidate) GrossProfit() int64 {
	if len(c.Legs) == 0 {
		return 0
	}
	return diff(c.Legs[len(c.Legs)-1].Quote.AmountOut, c.Legs[0].Quote.AmountIn)
}

// PrioritizationFees sums every leg's fee estimate.
func (c ClosedLoopCandidate) PrioritizationFees() uint64 {
	var total uint64
	for _, leg := range c.Legs {
		total += leg.PrioritizationFeeLamports
	}
	return total
}

// InputAsset is the loop's start asset.
func (c ClosedLoopCandidate) InputAsset() Asset {
	if len(c.Legs) == 0 {
		return ""
	}
	return c.Legs[0].Quote.Intent.InputAsset
}

// AmountIn is what the loop spends.
func (c ClosedLoopCandidate) AmountIn() uint64 {
	if len(c.Legs) == 0 {
		return 0
	}
	return c.Legs[0].Quote.AmountIn
}

// ExecutionOpportunity is an accepted candidate with its economics.
type ExecutionOpportunity struct {
	Candidate   ClosedLoopCandidate
	GrossProfit int64
	PriorityFee uint64
	BaseFee     uint64
	Tip         uint64
	NetProfit   int64
	Threshold   int64
	EvaluatedAt time.Time
}

// PlanRequest asks the orchestrator to quote and build one route.
type PlanRequest struct {
	Route   Route
	Amount  uint64
	BatchID uint64
}

// PlanBatchResult carries successes and failures side by side.
type PlanBatchResult struct {
	Candidates []ClosedLoopCandidate
	Failures   []RouteFailure
}

func diff(out, in uint64) int64 {
	if out >= in {
		d := out - in
		if d > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(d)
	}
	d := in - out
	if d >= 1<<63 {
		return math.MinInt64
	}
	return -int64(d)
}
