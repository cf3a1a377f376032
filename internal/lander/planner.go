// Package lander turns an accepted opportunity into signed transaction
// variants and races them through every configured delivery backend.
package lander

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// DefaultComputeUnitPrice in micro-lamports, used when no fee is known.
const DefaultComputeUnitPrice uint64 = 413

// MaxComputeUnitLimit is the per-transaction compute ceiling.
const MaxComputeUnitLimit uint32 = 1_400_000

// TxAssembler signs one transaction for opp using params.
type TxAssembler interface {
	Assemble(ctx context.Context, opp domain.ExecutionOpportunity, params domain.VariantParams) (payload []byte, signature string, err error)
}

// BlockhashSource returns a recent blockhash and the slot it was seen at.
type BlockhashSource interface {
	Latest(ctx context.Context) (hash string, slot uint64, err error)
}

// TipFloorSource reports the current minimum tip that still lands.
type TipFloorSource interface {
	TipFloor() (uint64, bool)
}

// PlannerConfig tunes variant generation.
type PlannerConfig struct {
	// ComputeUnitLimit overrides the sum of leg limits when non-zero.
	ComputeUnitLimit uint32
	// ComputeUnitPrice fixes the price in micro-lamports. Zero derives it
	// from the opportunity's prioritization fees.
	ComputeUnitPrice uint64
	TipAccounts      []string
	MinTip           uint64
	// TipJitter and PriceJitter bound the random spread added per variant.
	TipJitter   uint64
	PriceJitter uint64
}

// Planner produces DispatchPlans. It is the only place randomness enters a
// submission: tip accounts and per-variant jitter.
type Planner struct {
	cfg    PlannerConfig
	asm    TxAssembler
	blocks BlockhashSource
	floor  TipFloorSource
	logger *slog.Logger
	randN  func(n uint64) uint64
}

// NewPlanner creates a Planner. floor may be nil.
func NewPlanner(cfg PlannerConfig, asm TxAssembler, blocks BlockhashSource, floor TipFloorSource, logger *slog.Logger) *Planner {
	if len(cfg.TipAccounts) == 0 {
		cfg.TipAccounts = JitoTipAccounts
	}
	if cfg.MinTip == 0 {
		cfg.MinTip = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		cfg:    cfg,
		asm:    asm,
		blocks: blocks,
		floor:  floor,
		logger: logger.With(slog.String("component", "planner")),
		randN:  rand.Uint64N,
	}
}

// UnitPrice converts a prioritization fee in lamports to a compute-unit
// price in micro-lamports for the given limit.
func UnitPrice(feeLamports uint64, cuLimit uint32) uint64 {
	if feeLamports == 0 || cuLimit == 0 {
		return DefaultComputeUnitPrice
	}
	if feeLamports > math.MaxUint64/1_000_000 {
		return math.MaxUint64 / uint64(cuLimit)
	}
	if p := feeLamports * 1_000_000 / uint64(cuLimit); p > 0 {
		return p
	}
	return 1
}

// Plan signs the variants for opp. AllAtOnce yields one variant per backend;
// OneByOne yields one per (backend, endpoint). Every variant carries a
// distinct signature.
func (p *Planner) Plan(ctx context.Context, opp domain.ExecutionOpportunity, strategy domain.DispatchStrategy, layout []domain.BackendLayout) (domain.DispatchPlan, error) {
	if len(layout) == 0 {
		return domain.DispatchPlan{}, fmt.Errorf("lander: plan: %w", domain.ErrNoBackend)
	}
	hash, slot, err := p.blocks.Latest(ctx)
	if err != nil {
		return domain.DispatchPlan{}, fmt.Errorf("lander: plan: blockhash: %w", err)
	}

	total := 0
	for _, b := range layout {
		total += variantsFor(b, strategy)
	}

	cuLimit := p.computeLimit(opp)
	basePrice := p.cfg.ComputeUnitPrice
	if basePrice == 0 {
		basePrice = UnitPrice(opp.PriorityFee, cuLimit)
	}
	baseTip := p.baseTip(opp.Tip)

	plan := domain.DispatchPlan{
		Strategy:      strategy,
		OpportunityID: opp.Candidate.ID,
		Variants:      make([][]domain.TxVariant, len(layout)),
	}
	seen := make(map[string]struct{}, total)
	var id uint32
	for bi, b := range layout {
		for k := 0; k < variantsFor(b, strategy); k++ {
			params := domain.VariantParams{
				Blockhash:        hash,
				Slot:             slot,
				ComputeUnitLimit: cuLimit,
				ComputeUnitPrice: basePrice,
			}
			// id%total differs per variant, so spread never collides.
			spread := uint64(id)
			if b.RequiresTip {
				params.TipLamports = baseTip + spread + uint64(total)*p.jitter(p.cfg.TipJitter, total)
				params.TipAccount = p.cfg.TipAccounts[p.randN(uint64(len(p.cfg.TipAccounts)))]
			} else {
				params.ComputeUnitPrice = basePrice + spread + uint64(total)*p.jitter(p.cfg.PriceJitter, total)
			}

			payload, sig, err := p.asm.Assemble(ctx, opp, params)
			if err != nil {
				return domain.DispatchPlan{}, fmt.Errorf("lander: plan variant %d for %s: %w", id, b.Name, err)
			}
			if _, dup := seen[sig]; dup {
				return domain.DispatchPlan{}, fmt.Errorf("lander: plan variant %d for %s: duplicate signature %s", id, b.Name, sig)
			}
			seen[sig] = struct{}{}

			endpoint := ""
			if strategy == domain.OneByOne && len(b.Endpoints) > 0 {
				endpoint = b.Endpoints[k]
			}
			plan.Variants[bi] = append(plan.Variants[bi], domain.TxVariant{
				ID:               id,
				Backend:          bi,
				Endpoint:         endpoint,
				Payload:          payload,
				Signature:        sig,
				Blockhash:        hash,
				Slot:             slot,
				TipLamports:      params.TipLamports,
				TipAccount:       params.TipAccount,
				ComputeUnitPrice: params.ComputeUnitPrice,
			})
			id++
		}
	}

	p.logger.DebugContext(ctx, "dispatch plan ready",
		slog.String("opportunity_id", opp.Candidate.ID),
		slog.String("strategy", string(strategy)),
		slog.Int("variants", plan.Count()),
		slog.Uint64("unit_price", basePrice),
		slog.Uint64("tip", baseTip),
	)
	return plan, nil
}

func variantsFor(b domain.BackendLayout, strategy domain.DispatchStrategy) int {
	if strategy == domain.OneByOne {
		return b.Slots()
	}
	return 1
}

func (p *Planner) computeLimit(opp domain.ExecutionOpportunity) uint32 {
	if p.cfg.ComputeUnitLimit > 0 {
		return p.cfg.ComputeUnitLimit
	}
	var sum uint64
	for _, leg := range opp.Candidate.Legs {
		sum += uint64(leg.ComputeUnitLimit)
	}
	if sum == 0 || sum > uint64(MaxComputeUnitLimit) {
		return MaxComputeUnitLimit
	}
	return uint32(sum)
}

func (p *Planner) baseTip(tip uint64) uint64 {
	floor := p.cfg.MinTip
	if p.floor != nil {
		if f, ok := p.floor.TipFloor(); ok && f > floor {
			floor = f
		}
	}
	if tip < floor {
		return floor
	}
	return tip
}

// jitter returns a random step in [0, max/total].
func (p *Planner) jitter(max uint64, total int) uint64 {
	if max == 0 || total == 0 {
		return 0
	}
	steps := max / uint64(total)
	if steps == 0 {
		return 0
	}
	return p.randN(steps + 1)
}
