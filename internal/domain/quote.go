package domain

import (
	"context"
	"time"
)

// Asset is a token mint address in base58.
type Asset string

// TradePair is the base/quote combination a batch is scheduled for. Routes
// for a pair start and end in Base.
type TradePair struct {
	Base  Asset
	Quote Asset
}

// Key returns the stable string form used for maps and config lookups.
func (p TradePair) Key() string {
	return string(p.Base) + "/" + string(p.Quote)
}

// SwapMode mirrors the aggregator convention.
type SwapMode string

const (
	SwapExactIn  SwapMode = "ExactIn"
	SwapExactOut SwapMode = "ExactOut"
)

// TradeIntent is the unit of work a venue quotes against.
type TradeIntent struct {
	InputAsset  Asset
	OutputAsset Asset
	Amount      uint64
	SwapMode    SwapMode
	SlippageBps uint16
}

// LegSide marks a leg as the opening (buy) or closing (sell) side of a loop.
type LegSide string

const (
	SideBuy  LegSide = "buy"
	SideSell LegSide = "sell"
)

// VenueKind enumerates the supported liquidity venues.
type VenueKind string

const (
	VenueJupiter VenueKind = "jupiter"
	VenueDFlow   VenueKind = "dflow"
	VenueTitan   VenueKind = "titan"
)

// Capability flags which loop positions a venue may fill.
type Capability uint8

const (
	CanBuy Capability = 1 << iota
	CanSell
)

// Has reports whether c includes all bits in want.
func (c Capability) Has(want Capability) bool { return c&want == want }

// LegQuote is the venue-neutral summary of a quote response.
type LegQuote struct {
	Venue       VenueKind
	Intent      TradeIntent
	AmountIn    uint64
	AmountOut   uint64
	MinOut      uint64
	ExpiresAt   time.Time
	ProviderRef string
	ContextSlot uint64
	Latency     time.Duration
	// Raw keeps the provider's response so Build can echo it back.
	Raw []byte
}

// ChainAmount is the amount the next leg should spend.
func (q LegQuote) ChainAmount() uint64 {
	if q.MinOut > 0 {
		return q.MinOut
	}
	return q.AmountOut
}

// Expired reports whether the quote is unusable at now. A zero ExpiresAt
// never expires.
func (q LegQuote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// AccountMeta is one account reference in an instruction.
type AccountMeta struct {
	Pubkey     string
	IsSigner   bool
	IsWritable bool
}

// Instruction is a chain instruction in a venue-neutral encoding.
type Instruction struct {
	ProgramID string
	Accounts  []AccountMeta
	Data      []byte
}

// LegPlan is the buildable form of a LegQuote.
type LegPlan struct {
	Quote                     LegQuote
	Side                      LegSide
	SetupInstructions         []Instruction
	Instructions              []Instruction
	CleanupInstructions       []Instruction
	LookupTables              []string
	ComputeUnitLimit          uint32
	PrioritizationFeeLamports uint64
}

// BuildContext carries the signer-side facts a venue needs to produce
// instructions.
type BuildContext struct {
	Payer             string
	ComputeUnitPrice  uint64
	WrapAndUnwrapSOL  bool
	UseSharedAccounts bool
}

// VenueProvider is the capability interface every venue implements. The
// lease passed in tells the provider which local address to bind to.
type VenueProvider interface {
	Kind() VenueKind
	Capabilities() Capability
	// Streaming reports whether quotes are pushed rather than polled.
	Streaming() bool
	Quote(ctx context.Context, intent TradeIntent, lease LeaseHandle) (LegQuote, error)
	Build(ctx context.Context, quote LegQuote, bctx BuildContext, lease LeaseHandle) (LegPlan, error)
}

// QuoteBatchPlan is one scheduled unit of dispatch work.
type QuoteBatchPlan struct {
	BatchID   uint64
	Pair      TradePair
	TradeSize uint64
	ReadyAt   time.Time
}
