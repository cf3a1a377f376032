package network

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// slot is the allocator's per-identity state. Every field is an atomic so the
// acquire path never takes a lock.
type slot struct {
	id int
	ip net.IP

	inflight  atomic.Int64
	longLived atomic.Int64
	// cooldownUntil is unix nanoseconds; zero means not cooling down.
	cooldownUntil atomic.Int64

	rateLimitStreak atomic.Uint32
	failureStreak   atomic.Uint32

	requests      atomic.Uint64
	rateLimited   atomic.Uint64
	timeouts      atomic.Uint64
	networkErrors atomic.Uint64
}

func newSlot(id int, ip net.IP) *slot {
	return &slot{id: id, ip: ip}
}

func (s *slot) counter(mode domain.LeaseMode) *atomic.Int64 {
	if mode == domain.LeaseSharedLongLived {
		return &s.longLived
	}
	return &s.inflight
}

// reserve takes one unit of capacity for mode if below limit.
func (s *slot) reserve(mode domain.LeaseMode, limit int64) bool {
	c := s.counter(mode)
	for {
		cur := c.Load()
		if cur >= limit {
			return false
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *slot) unreserve(mode domain.LeaseMode) {
	s.counter(mode).Add(-1)
}

func (s *slot) coolingUntil() time.Time {
	n := s.cooldownUntil.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *slot) coolingDown(now time.Time) bool {
	n := s.cooldownUntil.Load()
	return n != 0 && now.UnixNano() < n
}

// extendCooldown moves the deadline forward to until. It never moves it back.
func (s *slot) extendCooldown(until time.Time) {
	target := until.UnixNano()
	for {
		cur := s.cooldownUntil.Load()
		if cur >= target {
			return
		}
		if s.cooldownUntil.CompareAndSwap(cur, target) {
			return
		}
	}
}

func (s *slot) clearPenalties() {
	s.rateLimitStreak.Store(0)
	s.failureStreak.Store(0)
	s.cooldownUntil.Store(0)
}

func (s *slot) state(now time.Time) domain.IdentityState {
	switch {
	case s.coolingDown(now):
		return domain.IdentityCoolingDown
	case s.inflight.Load() > 0:
		return domain.IdentityBusy
	case s.longLived.Load() > 0:
		return domain.IdentityLongLived
	default:
		return domain.IdentityIdle
	}
}

func (s *slot) snapshot(now time.Time) domain.IdentitySnapshot {
	snap := domain.IdentitySnapshot{
		ID:            s.id,
		IP:            s.ip,
		State:         s.state(now),
		Inflight:      s.inflight.Load(),
		LongLived:     s.longLived.Load(),
		Requests:      s.requests.Load(),
		RateLimited:   s.rateLimited.Load(),
		Timeouts:      s.timeouts.Load(),
		NetworkErrors: s.networkErrors.Load(),
	}
	if snap.State == domain.IdentityCoolingDown {
		snap.CooldownUntil = s.coolingUntil()
	}
	return snap
}

func (s *slot) label() string {
	if s.ip == nil {
		return "default"
	}
	return s.ip.String()
}
