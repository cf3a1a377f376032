package domain

import (
	"net"
	"time"
)

// TaskKind labels the kind of outbound call a lease is taken for.
type TaskKind string

const (
	TaskQuoteBuy        TaskKind = "quote_buy"
	TaskQuoteSell       TaskKind = "quote_sell"
	TaskQuoteBatch      TaskKind = "quote_batch"
	TaskSwapInstruction TaskKind = "swap_instruction"
	TaskLanderSubmit    TaskKind = "lander_submit"
	TaskMultiLegLeg     TaskKind = "multileg_leg"
	TaskStreamConnect   TaskKind = "stream_connect"
	TaskAltFetch        TaskKind = "alt_fetch"
)

// Task describes the caller of Acquire. Affinity, when non-zero, makes the
// allocator start its scan at the same identity every time so retries against
// one endpoint keep using one address.
type Task struct {
	Kind     TaskKind
	Venue    VenueKind
	Side     LegSide
	Affinity uint64
}

// LeaseMode selects exclusive or shared use of an identity.
type LeaseMode uint8

const (
	LeaseEphemeral LeaseMode = iota
	LeaseSharedLongLived
)

func (m LeaseMode) String() string {
	if m == LeaseSharedLongLived {
		return "shared_long_lived"
	}
	return "ephemeral"
}

// LeaseOutcome is what the holder observed while using a lease.
type LeaseOutcome uint8

const (
	OutcomeSuccess LeaseOutcome = iota
	OutcomeRateLimited
	OutcomeTimeout
	OutcomeNetworkError
)

func (o LeaseOutcome) String() string {
	switch o {
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNetworkError:
		return "network_error"
	default:
		return "success"
	}
}

// IdentityState is the externally visible state of one network identity.
type IdentityState string

const (
	IdentityIdle        IdentityState = "idle"
	IdentityBusy        IdentityState = "busy"
	IdentityCoolingDown IdentityState = "cooling_down"
	IdentityLongLived   IdentityState = "long_lived"
)

// IdentitySnapshot is a point-in-time copy of an identity's counters.
type IdentitySnapshot struct {
	ID            int
	IP            net.IP
	State         IdentityState
	CooldownUntil time.Time
	Inflight      int64
	LongLived     int64
	Requests      uint64
	RateLimited   uint64
	Timeouts      uint64
	NetworkErrors uint64
}

// LeaseHandle is the view of a lease that venue providers and delivery
// backends get: which address to bind to and where to report what happened.
type LeaseHandle interface {
	ID() string
	IdentityID() int
	IP() net.IP
	MarkOutcome(outcome LeaseOutcome)
}
