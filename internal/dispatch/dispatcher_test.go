package dispatch

import (
	"context"
	"errors"
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
	"github.com/alanyoungcy/solarb/internal/network"
)

var (
	solUSDC = domain.TradePair{Base: "So11111111111111111111111111111111111111112", Quote: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"}
	solJUP  = domain.TradePair{Base: "So11111111111111111111111111111111111111112", Quote: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"}
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newAllocator(t *testing.T, n int) *network.Allocator {
	t.Helper()
	ips := make([]net.IP, n)
	for i := range ips {
		ips[i] = net.IPv4(10, 0, 0, byte(i+1))
	}
	a, err := network.NewAllocator(network.NewStaticInventory(ips...), network.DefaultConfig(), nil, discardLogger())
	require.NoError(t, err)
	return a
}

type slowQuoter struct {
	delay   time.Duration
	fail    map[uint64]error
	active  atomic.Int64
	peak    atomic.Int64
	mu      sync.Mutex
	leases  map[uint64]string
	callsMu sync.Mutex
	calls   int
}

func (q *slowQuoter) QuoteBatch(ctx context.Context, b domain.QuoteBatchPlan, lease domain.LeaseHandle) (domain.BatchQuote, error) {
	n := q.active.Add(1)
	defer q.active.Add(-1)
	for {
		p := q.peak.Load()
		if n <= p || q.peak.CompareAndSwap(p, n) {
			break
		}
	}
	q.callsMu.Lock()
	q.calls++
	q.callsMu.Unlock()
	q.mu.Lock()
	if q.leases == nil {
		q.leases = make(map[uint64]string)
	}
	q.leases[b.BatchID] = lease.ID()
	q.mu.Unlock()

	select {
	case <-time.After(q.delay):
	case <-ctx.Done():
		return domain.BatchQuote{}, ctx.Err()
	}
	if err := q.fail[b.BatchID]; err != nil {
		return domain.BatchQuote{}, err
	}
	return domain.BatchQuote{Batch: b}, nil
}

func batches(pair domain.TradePair, n int) []domain.QuoteBatchPlan {
	out := make([]domain.QuoteBatchPlan, n)
	for i := range out {
		out[i] = domain.QuoteBatchPlan{BatchID: uint64(n - i), Pair: pair, TradeSize: 1_000_000}
	}
	return out
}

func TestDispatch_ParallelismBoundedByIdentities(t *testing.T) {
	alloc := newAllocator(t, 2)
	q := &slowQuoter{delay: 30 * time.Millisecond}
	d := New(Config{Cadence: CadenceTable{Default: Cadence{MaxConcurrentSlots: 2}}}, alloc, q, nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results := Collect(d.Dispatch(ctx, batches(solUSDC, 5)))

	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, uint64(i+1), r.BatchID)
		assert.NoError(t, r.Err)
		assert.GreaterOrEqual(t, r.Identity, 0)
	}
	assert.Equal(t, int64(2), q.peak.Load())
	assert.Zero(t, alloc.InFlight())
	assert.Len(t, q.leases, 5)
}

func TestDispatch_FailedBatchDoesNotStopSiblings(t *testing.T) {
	alloc := newAllocator(t, 2)
	boom := errors.New("venue exploded")
	q := &slowQuoter{delay: time.Millisecond, fail: map[uint64]error{3: boom}}
	d := New(Config{Cadence: CadenceTable{Default: Cadence{MaxConcurrentSlots: 2}}}, alloc, q, nil, discardLogger())

	results := Collect(d.Dispatch(context.Background(), batches(solUSDC, 4)))
	require.Len(t, results, 4)
	for _, r := range results {
		if r.BatchID == 3 {
			assert.ErrorIs(t, r.Err, boom)
			continue
		}
		assert.NoError(t, r.Err)
	}
	assert.Zero(t, alloc.InFlight())
}

func TestDispatch_RateLimitFeedsPacer(t *testing.T) {
	alloc := newAllocator(t, 1)
	q := &slowQuoter{fail: map[uint64]error{1: &domain.StatusError{Code: 429}}}
	d := New(Config{Cadence: CadenceTable{Default: Cadence{MaxConcurrentSlots: 1}}}, alloc, q, nil, discardLogger())

	results := Collect(d.Dispatch(context.Background(), batches(solUSDC, 1)))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, domain.ErrRateLimited)
	assert.Equal(t, 500*time.Millisecond, results[0].Cooldown)
	assert.True(t, d.Pacer().NextReady(solUSDC).After(time.Now().Add(400*time.Millisecond)))
}

func TestDispatch_CancelledContextYieldsAllResults(t *testing.T) {
	alloc := newAllocator(t, 1)
	q := &slowQuoter{delay: 50 * time.Millisecond}
	d := New(Config{Cadence: CadenceTable{Default: Cadence{MaxConcurrentSlots: 1}}}, alloc, q, nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results := Collect(d.Dispatch(ctx, batches(solUSDC, 3)))
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
	assert.Zero(t, alloc.InFlight())
}

func TestDispatch_Empty(t *testing.T) {
	d := New(Config{}, newAllocator(t, 1), &slowQuoter{}, nil, discardLogger())
	assert.Empty(t, Collect(d.Dispatch(context.Background(), nil)))
}

func TestPlan(t *testing.T) {
	alloc := newAllocator(t, 3)
	cfg := Config{Cadence: CadenceTable{
		Default: Cadence{MaxConcurrentSlots: 8, ProcessDelay: 10 * time.Millisecond},
		Pairs:   map[string]Cadence{solJUP.Key(): {ProcessDelay: 50 * time.Millisecond}},
	}}
	d := New(cfg, alloc, &slowQuoter{}, nil, discardLogger())

	in := append(batches(solUSDC, 4), batches(solJUP, 3)...)
	stats := d.Plan(in)
	assert.Equal(t, 7, stats.Batches)
	assert.Equal(t, 2, stats.Pairs)
	assert.Equal(t, 3, stats.Concurrency)
	assert.Equal(t, 100*time.Millisecond, stats.EstimatedWall)
}

func TestConcurrency_VenueCeiling(t *testing.T) {
	d := New(Config{
		Cadence:      CadenceTable{Default: Cadence{MaxConcurrentSlots: 8}},
		VenueCeiling: 2,
	}, newAllocator(t, 4), &slowQuoter{}, nil, discardLogger())
	assert.Equal(t, 2, d.concurrency(batches(solUSDC, 10)))
	assert.Equal(t, 1, d.concurrency(batches(solUSDC, 1)))
}

func TestCadenceTable_Overrides(t *testing.T) {
	table := CadenceTable{
		Default: Cadence{MaxConcurrentSlots: 4, ProcessDelay: time.Second, CycleCooldown: 2 * time.Second},
		Pairs:   map[string]Cadence{solJUP.Key(): {MaxConcurrentSlots: 1}},
	}
	got := table.For(solJUP)
	assert.Equal(t, 1, got.MaxConcurrentSlots)
	assert.Equal(t, time.Second, got.ProcessDelay)
	assert.Equal(t, table.Default, table.For(solUSDC))
}

func TestPacer_ReserveSpacesStarts(t *testing.T) {
	p := NewPacer()
	base := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return base }

	first := p.Reserve(solUSDC, time.Time{}, 100*time.Millisecond)
	second := p.Reserve(solUSDC, time.Time{}, 100*time.Millisecond)
	other := p.Reserve(solJUP, time.Time{}, 100*time.Millisecond)
	later := p.Reserve(solUSDC, base.Add(time.Second), 0)

	assert.Equal(t, base, first)
	assert.Equal(t, base.Add(100*time.Millisecond), second)
	assert.Equal(t, base, other)
	assert.Equal(t, base.Add(time.Second), later)

	p.Defer(solJUP, 5*time.Second)
	assert.Equal(t, base.Add(5*time.Second), p.NextReady(solJUP))
	p.Defer(solJUP, time.Second)
	assert.Equal(t, base.Add(5*time.Second), p.NextReady(solJUP))
}
