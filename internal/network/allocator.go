package network

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// CooldownConfig sets the penalty applied when a lease reports a failure.
// Consecutive failures of the same class double the delay up to Max.
type CooldownConfig struct {
	RateLimitedFloor time.Duration
	TimeoutFloor     time.Duration
	Max              time.Duration
}

// Config tunes the allocator.
type Config struct {
	// PerIdentityLimit caps concurrent ephemeral leases on one identity.
	PerIdentityLimit int
	// LongLivedLimit caps shared long-lived leases on one identity. These do
	// not count toward PerIdentityLimit.
	LongLivedLimit int
	// AcquireTimeout bounds Acquire when the context carries no deadline.
	AcquireTimeout time.Duration
	Cooldown       CooldownConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PerIdentityLimit: 1,
		LongLivedLimit:   4,
		AcquireTimeout:   2 * time.Second,
		Cooldown: CooldownConfig{
			RateLimitedFloor: 500 * time.Millisecond,
			TimeoutFloor:     250 * time.Millisecond,
			Max:              30 * time.Second,
		},
	}
}

// Allocator hands out exclusive or shared leases over a fixed set of outbound
// network identities. It rotates the starting identity between calls,
// honours per-task affinity, and parks identities that were rate limited or
// timed out. It is safe for concurrent use.
type Allocator struct {
	slots    []*slot
	cfg      Config
	rotation atomic.Uint64
	leases   sync.Map // lease id -> *Lease
	recorder domain.Recorder
	logger   *slog.Logger
	now      func() time.Time

	// wakeMu guards swapping wake. Waiters grab the current channel before
	// trying, so a release that lands between the try and the wait still
	// wakes them.
	wakeMu sync.Mutex
	wake   chan struct{}
}

// NewAllocator creates an allocator over inv. A nil recorder discards events.
func NewAllocator(inv *Inventory, cfg Config, recorder domain.Recorder, logger *slog.Logger) (*Allocator, error) {
	if inv == nil || inv.Len() == 0 {
		return nil, fmt.Errorf("network: allocator: %w", domain.ErrNoIdentity)
	}
	def := DefaultConfig()
	if cfg.PerIdentityLimit <= 0 {
		cfg.PerIdentityLimit = def.PerIdentityLimit
	}
	if cfg.LongLivedLimit <= 0 {
		cfg.LongLivedLimit = def.LongLivedLimit
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.Cooldown.RateLimitedFloor <= 0 {
		cfg.Cooldown.RateLimitedFloor = def.Cooldown.RateLimitedFloor
	}
	if cfg.Cooldown.TimeoutFloor <= 0 {
		cfg.Cooldown.TimeoutFloor = def.Cooldown.TimeoutFloor
	}
	if cfg.Cooldown.Max <= 0 {
		cfg.Cooldown.Max = def.Cooldown.Max
	}
	if recorder == nil {
		recorder = domain.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ips := inv.IPs()
	slots := make([]*slot, len(ips))
	for i, ip := range ips {
		slots[i] = newSlot(i, ip)
	}

	return &Allocator{
		slots:    slots,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "allocator")),
		now:      time.Now,
		wake:     make(chan struct{}),
	}, nil
}

// Len is the number of identities.
func (a *Allocator) Len() int { return len(a.slots) }

// Capacity is the maximum number of concurrent ephemeral leases.
func (a *Allocator) Capacity() int { return len(a.slots) * a.cfg.PerIdentityLimit }

// Acquire waits until an identity is eligible for task and returns a lease on
// it. It returns domain.ErrResourceExhausted when ctx ends first. A ctx
// without a deadline is bounded by Config.AcquireTimeout.
func (a *Allocator) Acquire(ctx context.Context, task domain.Task, mode domain.LeaseMode) (*Lease, error) {
	return a.acquire(ctx, task, mode, nil)
}

// AcquireExcluding is Acquire restricted to identities not in exclude. It is
// used to retry a failed call from a different address.
func (a *Allocator) AcquireExcluding(ctx context.Context, task domain.Task, mode domain.LeaseMode, exclude []int) (*Lease, error) {
	return a.acquire(ctx, task, mode, func(id int) bool { return !excluded(exclude, id) })
}

// AcquireOn is Acquire restricted to identity id. Connections that outlive
// the call which opened them take a shared long-lived lease this way on the
// address they were dialed from.
func (a *Allocator) AcquireOn(ctx context.Context, id int, task domain.Task, mode domain.LeaseMode) (*Lease, error) {
	if id < 0 || id >= len(a.slots) {
		return nil, fmt.Errorf("network: acquire on identity %d: %w", id, domain.ErrNotFound)
	}
	return a.acquire(ctx, task, mode, func(candidate int) bool { return candidate == id })
}

// TryAcquire is the non-blocking form of Acquire.
func (a *Allocator) TryAcquire(task domain.Task, mode domain.LeaseMode) (*Lease, error) {
	if l, _ := a.try(task, mode, nil); l != nil {
		return l, nil
	}
	a.recorder.Record(context.Background(), domain.Event{Name: domain.EventLeaseExhausted, TaskKind: task.Kind})
	return nil, fmt.Errorf("network: try acquire %s: %w", task.Kind, domain.ErrResourceExhausted)
}

func (a *Allocator) acquire(ctx context.Context, task domain.Task, mode domain.LeaseMode, eligible func(id int) bool) (*Lease, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		wake := a.waitChan()
		l, retryAt := a.try(task, mode, eligible)
		if l != nil {
			return l, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if !retryAt.IsZero() {
			timer = time.NewTimer(retryAt.Sub(a.now()))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			a.recorder.Record(ctx, domain.Event{Name: domain.EventLeaseExhausted, TaskKind: task.Kind})
			a.logger.DebugContext(ctx, "acquire gave up",
				slog.String("task", string(task.Kind)),
				slog.String("mode", mode.String()),
			)
			return nil, fmt.Errorf("network: acquire %s: %w (%v)", task.Kind, domain.ErrResourceExhausted, ctx.Err())
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// try scans identities once starting at the task's start index, skipping those
// eligible rejects. When nothing is free it returns the earliest cooldown
// expiry seen, if any.
func (a *Allocator) try(task domain.Task, mode domain.LeaseMode, eligible func(id int) bool) (*Lease, time.Time) {
	n := len(a.slots)
	start := a.startIndex(task)
	now := a.now()
	limit := int64(a.cfg.PerIdentityLimit)
	if mode == domain.LeaseSharedLongLived {
		limit = int64(a.cfg.LongLivedLimit)
	}

	var earliest time.Time
	for i := 0; i < n; i++ {
		s := a.slots[(start+i)%n]
		if eligible != nil && !eligible(s.id) {
			continue
		}
		if s.coolingDown(now) {
			if until := s.coolingUntil(); earliest.IsZero() || until.Before(earliest) {
				earliest = until
			}
			continue
		}
		if !s.reserve(mode, limit) {
			continue
		}
		return a.grant(s, task, mode, now), time.Time{}
	}
	return nil, earliest
}

func (a *Allocator) startIndex(task domain.Task) int {
	n := uint64(len(a.slots))
	if task.Affinity != 0 {
		return int(task.Affinity % n)
	}
	return int((a.rotation.Add(1) - 1) % n)
}

func (a *Allocator) grant(s *slot, task domain.Task, mode domain.LeaseMode, now time.Time) *Lease {
	l := &Lease{
		id:         uuid.NewString(),
		alloc:      a,
		slot:       s,
		task:       task,
		mode:       mode,
		acquiredAt: now,
	}
	a.leases.Store(l.id, l)
	a.recorder.Record(context.Background(), domain.Event{
		Name:     domain.EventLeaseAcquired,
		TaskKind: task.Kind,
		Identity: s.label(),
		Result:   mode.String(),
	})
	return l
}

// Release returns the lease and applies its recorded outcome. It is the same
// as l.Release().
func (a *Allocator) Release(l *Lease) time.Duration {
	if l == nil {
		return 0
	}
	return l.Release()
}

// ReportOutcome records an outcome for a lease that is still held.
func (a *Allocator) ReportOutcome(leaseID string, outcome domain.LeaseOutcome) error {
	v, ok := a.leases.Load(leaseID)
	if !ok {
		return fmt.Errorf("network: report outcome for lease %s: %w", leaseID, domain.ErrNotFound)
	}
	v.(*Lease).MarkOutcome(outcome)
	return nil
}

// Snapshot returns every identity's current state in id order.
func (a *Allocator) Snapshot() []domain.IdentitySnapshot {
	now := a.now()
	out := make([]domain.IdentitySnapshot, len(a.slots))
	for i, s := range a.slots {
		out[i] = s.snapshot(now)
	}
	return out
}

// InFlight sums held leases of both modes across identities.
func (a *Allocator) InFlight() int64 {
	var total int64
	for _, s := range a.slots {
		total += s.inflight.Load() + s.longLived.Load()
	}
	return total
}

func (a *Allocator) release(l *Lease) time.Duration {
	s := l.slot
	outcome := l.Outcome()
	s.requests.Add(1)
	cooldown := a.apply(s, outcome)
	s.unreserve(l.mode)
	a.leases.Delete(l.id)

	ctx := context.Background()
	a.recorder.Record(ctx, domain.Event{
		Name:     domain.EventLeaseReleased,
		TaskKind: l.task.Kind,
		Identity: s.label(),
		Result:   outcome.String(),
		Value:    a.now().Sub(l.acquiredAt).Seconds(),
	})
	if cooldown > 0 {
		a.recorder.Record(ctx, domain.Event{
			Name:     domain.EventLeaseCooledDown,
			TaskKind: l.task.Kind,
			Identity: s.label(),
			Result:   outcome.String(),
			Value:    cooldown.Seconds(),
		})
		a.logger.Debug("identity cooling down",
			slog.Int("identity", s.id),
			slog.String("ip", s.label()),
			slog.String("outcome", outcome.String()),
			slog.Duration("cooldown", cooldown),
		)
	}
	a.broadcast()
	return cooldown
}

// apply updates penalty state for outcome and returns the cooldown imposed.
func (a *Allocator) apply(s *slot, outcome domain.LeaseOutcome) time.Duration {
	var d time.Duration
	switch outcome {
	case domain.OutcomeSuccess:
		s.clearPenalties()
		return 0
	case domain.OutcomeRateLimited:
		s.rateLimited.Add(1)
		d = backoff(a.cfg.Cooldown.RateLimitedFloor, s.rateLimitStreak.Add(1), a.cfg.Cooldown.Max)
	case domain.OutcomeTimeout:
		s.timeouts.Add(1)
		d = backoff(a.cfg.Cooldown.TimeoutFloor, s.failureStreak.Add(1), a.cfg.Cooldown.Max)
	case domain.OutcomeNetworkError:
		s.networkErrors.Add(1)
		d = backoff(a.cfg.Cooldown.TimeoutFloor, s.failureStreak.Add(1), a.cfg.Cooldown.Max)
	default:
		return 0
	}
	s.extendCooldown(a.now().Add(d))
	return d
}

// backoff returns floor doubled streak-1 times, capped at max.
func backoff(floor time.Duration, streak uint32, max time.Duration) time.Duration {
	if streak == 0 {
		streak = 1
	}
	if streak > 32 {
		return max
	}
	d := floor << (streak - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (a *Allocator) waitChan() <-chan struct{} {
	a.wakeMu.Lock()
	defer a.wakeMu.Unlock()
	return a.wake
}

func (a *Allocator) broadcast() {
	a.wakeMu.Lock()
	close(a.wake)
	a.wake = make(chan struct{})
	a.wakeMu.Unlock()
}

func excluded(exclude []int, id int) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

// IdentityLabel is the metrics label for identity id.
func (a *Allocator) IdentityLabel(id int) string {
	if id < 0 || id >= len(a.slots) {
		return strconv.Itoa(id)
	}
	return a.slots[id].label()
}
