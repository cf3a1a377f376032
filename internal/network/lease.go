package network

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// Lease is temporary use of one network identity. The holder marks what it
// observed and must Release on every path; Release is idempotent.
type Lease struct {
	id         string
	alloc      *Allocator
	slot       *slot
	task       domain.Task
	mode       domain.LeaseMode
	acquiredAt time.Time

	// outcome holds LeaseOutcome+1; zero means nothing reported yet.
	outcome  atomic.Uint32
	released atomic.Bool
}

// Compile-time interface check.
var _ domain.LeaseHandle = (*Lease)(nil)

// ID is unique per lease.
func (l *Lease) ID() string { return l.id }

// IdentityID is the index of the leased identity.
func (l *Lease) IdentityID() int { return l.slot.id }

// IP is the local address to bind outbound connections to. Nil means the OS
// default.
func (l *Lease) IP() net.IP { return l.slot.ip }

// Task returns the task the lease was acquired for.
func (l *Lease) Task() domain.Task { return l.task }

// Mode returns the lease mode.
func (l *Lease) Mode() domain.LeaseMode { return l.mode }

// MarkOutcome records what the holder observed. The first failure wins over
// later reports; Success only fills an empty slot.
func (l *Lease) MarkOutcome(outcome domain.LeaseOutcome) {
	next := uint32(outcome) + 1
	for {
		cur := l.outcome.Load()
		if cur > uint32(domain.OutcomeSuccess)+1 {
			return
		}
		if outcome == domain.OutcomeSuccess && cur != 0 {
			return
		}
		if l.outcome.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Outcome is the recorded outcome, Success if none was reported.
func (l *Lease) Outcome() domain.LeaseOutcome {
	v := l.outcome.Load()
	if v == 0 {
		return domain.OutcomeSuccess
	}
	return domain.LeaseOutcome(v - 1)
}

// Release returns the identity to the allocator and applies the recorded
// outcome. It returns the cooldown imposed, zero on the second and later
// calls.
func (l *Lease) Release() time.Duration {
	if !l.released.CompareAndSwap(false, true) {
		return 0
	}
	return l.alloc.release(l)
}

// Released reports whether Release has run.
func (l *Lease) Released() bool { return l.released.Load() }
