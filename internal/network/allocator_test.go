package network

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/solarb/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testInventory(n int) *Inventory {
	ips := make([]net.IP, n)
	for i := range ips {
		ips[i] = net.IPv4(10, 0, 0, byte(i+1))
	}
	return NewStaticInventory(ips...)
}

func newTestAllocator(t *testing.T, n int, cfg Config) (*Allocator, *fakeClock) {
	t.Helper()
	a, err := NewAllocator(testInventory(n), cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a.now = clock.Now
	return a, clock
}

var quoteTask = domain.Task{Kind: domain.TaskQuoteBatch}

func TestAllocator_RateLimitBackoffGrows(t *testing.T) {
	a, clock := newTestAllocator(t, 1, DefaultConfig())

	var cooldowns []time.Duration
	var deadlines []time.Time
	for i := 0; i < 3; i++ {
		l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
		require.NoError(t, err)
		l.MarkOutcome(domain.OutcomeRateLimited)
		d := l.Release()
		cooldowns = append(cooldowns, d)

		snap := a.Snapshot()[0]
		assert.Equal(t, domain.IdentityCoolingDown, snap.State)
		deadlines = append(deadlines, snap.CooldownUntil)

		_, err = a.TryAcquire(quoteTask, domain.LeaseEphemeral)
		require.ErrorIs(t, err, domain.ErrResourceExhausted)

		clock.Advance(d + time.Millisecond)
	}

	assert.Equal(t, 500*time.Millisecond, cooldowns[0])
	assert.Less(t, cooldowns[0], cooldowns[1])
	assert.Less(t, cooldowns[1], cooldowns[2])
	assert.True(t, deadlines[0].Before(deadlines[1]))
	assert.True(t, deadlines[1].Before(deadlines[2]))
	assert.Equal(t, uint64(3), a.Snapshot()[0].RateLimited)
}

func TestAllocator_TimeoutUsesShorterFloor(t *testing.T) {
	a, _ := newTestAllocator(t, 1, DefaultConfig())

	l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	l.MarkOutcome(domain.OutcomeTimeout)
	assert.Equal(t, 250*time.Millisecond, l.Release())
}

func TestAllocator_BackoffCappedAtMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown.Max = time.Second
	a, clock := newTestAllocator(t, 1, cfg)

	var last time.Duration
	for i := 0; i < 6; i++ {
		l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
		require.NoError(t, err)
		l.MarkOutcome(domain.OutcomeRateLimited)
		last = l.Release()
		clock.Advance(last + time.Millisecond)
	}
	assert.Equal(t, time.Second, last)
}

func TestAllocator_SuccessResetsPenalty(t *testing.T) {
	a, clock := newTestAllocator(t, 1, DefaultConfig())

	for i := 0; i < 2; i++ {
		l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
		require.NoError(t, err)
		l.MarkOutcome(domain.OutcomeRateLimited)
		clock.Advance(l.Release() + time.Millisecond)
	}

	l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	assert.Zero(t, l.Release())
	assert.Equal(t, domain.IdentityIdle, a.Snapshot()[0].State)

	l, err = a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	l.MarkOutcome(domain.OutcomeRateLimited)
	assert.Equal(t, 500*time.Millisecond, l.Release())
}

func TestAllocator_RoundRobin(t *testing.T) {
	a, _ := newTestAllocator(t, 3, DefaultConfig())

	var got []int
	for i := 0; i < 4; i++ {
		l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
		require.NoError(t, err)
		got = append(got, l.IdentityID())
		l.Release()
	}
	assert.Equal(t, []int{0, 1, 2, 0}, got)
}

func TestAllocator_AffinityIsStable(t *testing.T) {
	a, _ := newTestAllocator(t, 3, DefaultConfig())
	task := domain.Task{Kind: domain.TaskLanderSubmit, Affinity: 7}

	for i := 0; i < 3; i++ {
		l, err := a.TryAcquire(task, domain.LeaseEphemeral)
		require.NoError(t, err)
		assert.Equal(t, 1, l.IdentityID())
		l.Release()
	}
}

func TestAllocator_AcquireExcluding(t *testing.T) {
	a, _ := newTestAllocator(t, 2, DefaultConfig())

	for i := 0; i < 3; i++ {
		l, err := a.AcquireExcluding(context.Background(), quoteTask, domain.LeaseEphemeral, []int{0})
		require.NoError(t, err)
		assert.Equal(t, 1, l.IdentityID())
		l.Release()
	}
}

func TestAllocator_AcquireOnPinsIdentity(t *testing.T) {
	a, _ := newTestAllocator(t, 3, DefaultConfig())
	streamTask := domain.Task{Kind: domain.TaskStreamConnect}

	quote, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	stream, err := a.AcquireOn(context.Background(), quote.IdentityID(), streamTask, domain.LeaseSharedLongLived)
	require.NoError(t, err)
	assert.Equal(t, quote.IdentityID(), stream.IdentityID())
	quote.Release()

	snap := a.Snapshot()[stream.IdentityID()]
	assert.Equal(t, domain.IdentityLongLived, snap.State)
	assert.Equal(t, int64(1), snap.LongLived)
	stream.Release()
	assert.Zero(t, a.InFlight())

	_, err = a.AcquireOn(context.Background(), 7, streamTask, domain.LeaseSharedLongLived)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAllocator_LongLivedDoesNotBlockEphemeral(t *testing.T) {
	a, _ := newTestAllocator(t, 1, DefaultConfig())

	stream, err := a.TryAcquire(domain.Task{Kind: domain.TaskStreamConnect}, domain.LeaseSharedLongLived)
	require.NoError(t, err)
	defer stream.Release()

	l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityBusy, a.Snapshot()[0].State)
	l.Release()
	assert.Equal(t, domain.IdentityLongLived, a.Snapshot()[0].State)
}

func TestAllocator_AcquireWaitsForRelease(t *testing.T) {
	a, _ := newTestAllocator(t, 1, DefaultConfig())
	a.now = time.Now

	held, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l, err := a.Acquire(ctx, quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	l.Release()
	assert.Zero(t, a.InFlight())
}

func TestAllocator_AcquireTimesOut(t *testing.T) {
	a, _ := newTestAllocator(t, 1, DefaultConfig())
	a.now = time.Now

	held, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx, quoteTask, domain.LeaseEphemeral)
	require.ErrorIs(t, err, domain.ErrResourceExhausted)
}

func TestAllocator_NoDeadlineUsesAcquireTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcquireTimeout = 20 * time.Millisecond
	a, _ := newTestAllocator(t, 1, cfg)
	a.now = time.Now

	held, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	defer held.Release()

	_, err = a.Acquire(context.Background(), quoteTask, domain.LeaseEphemeral)
	require.ErrorIs(t, err, domain.ErrResourceExhausted)
}

func TestAllocator_LeaseConservation(t *testing.T) {
	a, _ := newTestAllocator(t, 4, DefaultConfig())
	a.now = time.Now

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				l, err := a.Acquire(ctx, quoteTask, domain.LeaseEphemeral)
				cancel()
				if !assert.NoError(t, err) {
					return
				}
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				active.Add(-1)
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, a.InFlight())
	assert.LessOrEqual(t, peak.Load(), int64(a.Capacity()))
	var total uint64
	for _, s := range a.Snapshot() {
		total += s.Requests
		assert.Equal(t, domain.IdentityIdle, s.State)
	}
	assert.Equal(t, uint64(16*25), total)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	a, _ := newTestAllocator(t, 1, DefaultConfig())

	l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	l.MarkOutcome(domain.OutcomeRateLimited)
	assert.NotZero(t, l.Release())
	assert.Zero(t, l.Release())
	assert.Zero(t, a.Release(l))
	assert.Zero(t, a.InFlight())
	assert.True(t, l.Released())
}

func TestLease_FirstFailureWins(t *testing.T) {
	a, _ := newTestAllocator(t, 1, DefaultConfig())

	l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	defer l.Release()

	l.MarkOutcome(domain.OutcomeSuccess)
	l.MarkOutcome(domain.OutcomeTimeout)
	l.MarkOutcome(domain.OutcomeRateLimited)
	l.MarkOutcome(domain.OutcomeSuccess)
	assert.Equal(t, domain.OutcomeTimeout, l.Outcome())
}

func TestAllocator_ReportOutcome(t *testing.T) {
	a, _ := newTestAllocator(t, 1, DefaultConfig())

	err := a.ReportOutcome("missing", domain.OutcomeTimeout)
	require.ErrorIs(t, err, domain.ErrNotFound)

	l, err := a.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	require.NoError(t, a.ReportOutcome(l.ID(), domain.OutcomeNetworkError))
	assert.Equal(t, 250*time.Millisecond, l.Release())
	assert.Equal(t, uint64(1), a.Snapshot()[0].NetworkErrors)

	err = a.ReportOutcome(l.ID(), domain.OutcomeTimeout)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAllocator_Capacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerIdentityLimit = 2
	a, _ := newTestAllocator(t, 3, cfg)
	assert.Equal(t, 6, a.Capacity())
	assert.Equal(t, 3, a.Len())
}
