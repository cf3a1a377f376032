package domain

import (
	"context"
	"time"
)

// ExecutionStatus is the final state of one submission.
type ExecutionStatus string

const (
	ExecutionLanded  ExecutionStatus = "landed"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionDryRun  ExecutionStatus = "dry_run"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// ExecutionRecord persists one opportunity's submission.
type ExecutionRecord struct {
	ID          string
	CandidateID string
	BatchID     uint64
	RouteKey    string
	InputAsset  Asset
	AmountIn    uint64
	GrossProfit int64
	PriorityFee uint64
	Tip         uint64
	NetProfit   int64
	Strategy    DispatchStrategy
	Variants    int
	Status      ExecutionStatus
	Backend     string
	Endpoint    string
	Signature   string
	Error       string
	Legs        []ExecutionLeg
	StartedAt   time.Time
	CompletedAt time.Time
}

// ExecutionLeg is one leg of an execution record.
type ExecutionLeg struct {
	Index       int
	Venue       VenueKind
	Side        LegSide
	InputAsset  Asset
	OutputAsset Asset
	AmountIn    uint64
	AmountOut   uint64
	MinOut      uint64
	ProviderRef string
}

// ExecutionStore persists execution history.
type ExecutionStore interface {
	Create(ctx context.Context, rec ExecutionRecord) error
	GetByID(ctx context.Context, id string) (ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
	SumNetProfit(ctx context.Context, since time.Time) (int64, error)
}
