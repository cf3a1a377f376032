package multileg

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

const (
	sol  domain.Asset = "So11111111111111111111111111111111111111112"
	usdc domain.Asset = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	bonk domain.Asset = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

var solUSDC = domain.TradePair{Base: sol, Quote: usdc}

type fakeVenue struct {
	kind      domain.VenueKind
	caps      domain.Capability
	streaming bool

	// quote returns the output for intent; defaults to the input amount.
	quote func(domain.TradeIntent) (domain.LegQuote, error)
	build func(domain.LegQuote) (domain.LegPlan, error)

	mu         sync.Mutex
	intents    []domain.TradeIntent
	quoteCalls atomic.Int32
	buildCalls atomic.Int32
}

func (v *fakeVenue) Kind() domain.VenueKind           { return v.kind }
func (v *fakeVenue) Capabilities() domain.Capability { return v.caps }
func (v *fakeVenue) Streaming() bool                  { return v.streaming }

func (v *fakeVenue) Quote(_ context.Context, intent domain.TradeIntent, _ domain.LeaseHandle) (domain.LegQuote, error) {
	v.quoteCalls.Add(1)
	v.mu.Lock()
	v.intents = append(v.intents, intent)
	v.mu.Unlock()
	if v.quote != nil {
		return v.quote(intent)
	}
	return domain.LegQuote{Venue: v.kind, Intent: intent, AmountIn: intent.Amount, AmountOut: intent.Amount}, nil
}

func (v *fakeVenue) Build(_ context.Context, q domain.LegQuote, _ domain.BuildContext, _ domain.LeaseHandle) (domain.LegPlan, error) {
	v.buildCalls.Add(1)
	if v.build != nil {
		return v.build(q)
	}
	return domain.LegPlan{Quote: q}, nil
}

// fixedOut quotes a constant output regardless of the input.
func fixedOut(kind domain.VenueKind, out uint64) func(domain.TradeIntent) (domain.LegQuote, error) {
	return func(intent domain.TradeIntent) (domain.LegQuote, error) {
		return domain.LegQuote{Venue: kind, Intent: intent, AmountIn: intent.Amount, AmountOut: out}, nil
	}
}

type fakeResolver struct {
	calls  atomic.Int32
	tables []string
}

func (r *fakeResolver) Resolve(_ context.Context, tables []string) (map[string][]string, error) {
	r.calls.Add(1)
	r.tables = tables
	out := make(map[string][]string, len(tables))
	for _, t := range tables {
		out[t] = []string{t + "-addr"}
	}
	return out, nil
}

type fakeAlerter struct {
	events []string
}

func (a *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

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

func twoVenues(buyOut, sellOut uint64) (*fakeVenue, *fakeVenue) {
	buy := &fakeVenue{kind: domain.VenueJupiter, caps: domain.CanBuy}
	buy.quote = fixedOut(domain.VenueJupiter, buyOut)
	sell := &fakeVenue{kind: domain.VenueDFlow, caps: domain.CanSell}
	sell.quote = fixedOut(domain.VenueDFlow, sellOut)
	return buy, sell
}

func newOrchestrator(t *testing.T, tables domain.LookupTableResolver, venues ...domain.VenueProvider) (*Orchestrator, *network.Allocator) {
	t.Helper()
	alloc := newAllocator(t, 2)
	o := New(Config{Pairs: []domain.TradePair{solUSDC}, SlippageBps: 50}, venues, alloc, tables, NewStreamLimiter(2, 0), nil, discardLogger())
	return o, alloc
}

func testLease(t *testing.T, alloc *network.Allocator) *network.Lease {
	t.Helper()
	l, err := alloc.TryAcquire(domain.Task{Kind: domain.TaskQuoteBatch}, domain.LeaseEphemeral)
	require.NoError(t, err)
	return l
}

func TestRoutes_BuyTimesSell(t *testing.T) {
	both := &fakeVenue{kind: domain.VenueTitan, caps: domain.CanBuy | domain.CanSell}
	buy, sell := twoVenues(1, 1)
	o, _ := newOrchestrator(t, nil, buy, sell, both)

	var keys []string
	for _, r := range o.Routes() {
		require.NoError(t, r.CheckClosure())
		keys = append(keys, string(r.Legs[0].Venue)+">"+string(r.Legs[1].Venue))
	}
	assert.ElementsMatch(t, []string{"jupiter>dflow", "jupiter>titan", "titan>dflow"}, keys)
}

func TestPlanRoute_ProfitableLoopIsBuilt(t *testing.T) {
	buy, sell := twoVenues(20_000_000, 105)
	o, alloc := newOrchestrator(t, nil, buy, sell)

	route := o.Routes()[0]
	cand, err := o.PlanRoute(context.Background(), route, 100)
	require.NoError(t, err)

	assert.Equal(t, int64(5), cand.GrossProfit())
	assert.NoError(t, cand.CheckClosure())
	assert.NotEmpty(t, cand.ID)
	require.Len(t, cand.Legs, 2)
	assert.Equal(t, domain.SideBuy, cand.Legs[0].Side)
	assert.Equal(t, domain.SideSell, cand.Legs[1].Side)
	assert.Equal(t, int32(1), buy.buildCalls.Load())
	assert.Equal(t, int32(1), sell.buildCalls.Load())
	assert.Zero(t, alloc.InFlight())
}

func TestPlanRoute_UnprofitableLoopIsNeverBuilt(t *testing.T) {
	buy, sell := twoVenues(20_000_000, 98)
	o, alloc := newOrchestrator(t, nil, buy, sell)

	_, err := o.PlanRoute(context.Background(), o.Routes()[0], 100)
	require.ErrorIs(t, err, domain.ErrBelowThreshold)

	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, int64(-2), rej.NetProfit)
	assert.Zero(t, buy.buildCalls.Load())
	assert.Zero(t, sell.buildCalls.Load())
	assert.Zero(t, alloc.InFlight())
}

func TestQuoteRoute_ChainsMinOut(t *testing.T) {
	buy, sell := twoVenues(0, 1)
	buy.quote = func(intent domain.TradeIntent) (domain.LegQuote, error) {
		return domain.LegQuote{Intent: intent, AmountIn: intent.Amount, AmountOut: 200, MinOut: 198}, nil
	}
	o, alloc := newOrchestrator(t, nil, buy, sell)
	l := testLease(t, alloc)
	defer l.Release()

	rq, err := o.QuoteRoute(context.Background(), o.Routes()[0], 1000, l)
	require.NoError(t, err)
	require.Len(t, sell.intents, 1)
	assert.Equal(t, uint64(198), sell.intents[0].Amount)
	assert.Equal(t, usdc, sell.intents[0].InputAsset)
	assert.Equal(t, sol, sell.intents[0].OutputAsset)
	assert.Equal(t, uint16(50), sell.intents[0].SlippageBps)
	assert.Equal(t, domain.VenueJupiter, rq.Quotes[0].Venue)
}

func TestQuoteRoute_ErrorMarksLease(t *testing.T) {
	buy, sell := twoVenues(1, 1)
	buy.quote = func(domain.TradeIntent) (domain.LegQuote, error) {
		return domain.LegQuote{}, &domain.StatusError{Code: 429}
	}
	o, alloc := newOrchestrator(t, nil, buy, sell)
	l := testLease(t, alloc)

	_, err := o.QuoteRoute(context.Background(), o.Routes()[0], 1000, l)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.OutcomeRateLimited, l.Outcome())
	assert.Zero(t, sell.quoteCalls.Load())
	assert.Positive(t, l.Release())
}

func TestBuildRoute_ClosureMismatchAlerts(t *testing.T) {
	buy, sell := twoVenues(50, 150)
	sell.build = func(q domain.LegQuote) (domain.LegPlan, error) {
		q.Intent.OutputAsset = bonk
		return domain.LegPlan{Quote: q}, nil
	}
	o, alloc := newOrchestrator(t, nil, buy, sell)
	alerter := &fakeAlerter{}
	o.SetAlerter(alerter)
	l := testLease(t, alloc)
	rq, err := o.QuoteRoute(context.Background(), o.Routes()[0], 100, l)
	l.Release()
	require.NoError(t, err)

	_, err = o.BuildRoute(context.Background(), rq)
	require.ErrorIs(t, err, domain.ErrLoopMismatch)
	assert.Equal(t, []string{"loop_mismatch"}, alerter.events)
	assert.Zero(t, alloc.InFlight())
}

func TestBuildRoute_ExpiredQuoteIsNotBuilt(t *testing.T) {
	buy, sell := twoVenues(50, 150)
	sell.quote = func(intent domain.TradeIntent) (domain.LegQuote, error) {
		return domain.LegQuote{Intent: intent, AmountIn: intent.Amount, AmountOut: 150, ExpiresAt: time.Now().Add(-time.Second)}, nil
	}
	o, alloc := newOrchestrator(t, nil, buy, sell)
	l := testLease(t, alloc)
	rq, err := o.QuoteRoute(context.Background(), o.Routes()[0], 100, l)
	l.Release()
	require.NoError(t, err)

	_, err = o.BuildRoute(context.Background(), rq)
	require.ErrorIs(t, err, domain.ErrQuoteExpired)
	assert.Zero(t, buy.buildCalls.Load())
}

func TestBuildRoute_FeesAboveGrossRejected(t *testing.T) {
	buy, sell := twoVenues(50, 105)
	sell.build = func(q domain.LegQuote) (domain.LegPlan, error) {
		return domain.LegPlan{Quote: q, PrioritizationFeeLamports: 10}, nil
	}
	o, _ := newOrchestrator(t, nil, buy, sell)

	_, err := o.PlanRoute(context.Background(), o.Routes()[0], 100)
	require.ErrorIs(t, err, domain.ErrBelowThreshold)
}

func TestBuildRoute_LookupTablesResolvedOnce(t *testing.T) {
	buy, sell := twoVenues(50, 150)
	buy.build = func(q domain.LegQuote) (domain.LegPlan, error) {
		return domain.LegPlan{Quote: q, LookupTables: []string{"A", "B"}}, nil
	}
	sell.build = func(q domain.LegQuote) (domain.LegPlan, error) {
		return domain.LegPlan{Quote: q, LookupTables: []string{"B", "C"}}, nil
	}
	resolver := &fakeResolver{}
	o, _ := newOrchestrator(t, resolver, buy, sell)

	cand, err := o.PlanRoute(context.Background(), o.Routes()[0], 100)
	require.NoError(t, err)
	assert.Equal(t, int32(1), resolver.calls.Load())
	assert.ElementsMatch(t, []string{"A", "B", "C"}, resolver.tables)
	assert.Len(t, cand.ResolvedTables, 3)
}

func TestBuildRoute_LegFailureFailsCandidate(t *testing.T) {
	buy, sell := twoVenues(50, 150)
	boom := errors.New("swap-instructions unavailable")
	sell.build = func(domain.LegQuote) (domain.LegPlan, error) { return domain.LegPlan{}, boom }
	o, alloc := newOrchestrator(t, nil, buy, sell)

	_, err := o.PlanRoute(context.Background(), o.Routes()[0], 100)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, alloc.InFlight())
}

func TestAcceptSkeletons_NLegCycle(t *testing.T) {
	buy := &fakeVenue{kind: domain.VenueJupiter, caps: domain.CanBuy | domain.CanSell}
	sell := &fakeVenue{kind: domain.VenueDFlow, caps: domain.CanSell}
	o, alloc := newOrchestrator(t, nil, buy, sell)

	n, err := o.AcceptSkeletons([]domain.RouteSkeleton{
		{Assets: []domain.Asset{sol, usdc, bonk}, Venues: []domain.VenueKind{domain.VenueJupiter, domain.VenueDFlow, domain.VenueJupiter}},
		{Assets: []domain.Asset{sol, usdc}, Venues: []domain.VenueKind{domain.VenueJupiter, domain.VenueDFlow}},
		{Assets: []domain.Asset{sol, usdc}, Venues: []domain.VenueKind{domain.VenueTitan, domain.VenueDFlow}},
		{Assets: []domain.Asset{sol}, Venues: []domain.VenueKind{domain.VenueJupiter}},
	})
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoRoute)
	assert.ErrorIs(t, err, domain.ErrLoopMismatch)

	l := testLease(t, alloc)
	defer l.Release()
	bq, err := o.QuoteBatch(context.Background(), domain.QuoteBatchPlan{BatchID: 9, Pair: solUSDC, TradeSize: 100}, l)
	require.NoError(t, err)
	var threeLeg int
	for _, q := range bq.Quotes {
		assert.Equal(t, uint64(9), q.BatchID)
		if len(q.Quotes) == 3 {
			threeLeg++
		}
	}
	assert.Equal(t, 1, threeLeg)
	assert.Len(t, o.Catalog(), len(o.Routes()))
}

func TestQuoteBatch_PartialFailure(t *testing.T) {
	buy := &fakeVenue{kind: domain.VenueJupiter, caps: domain.CanBuy}
	good := &fakeVenue{kind: domain.VenueDFlow, caps: domain.CanSell}
	bad := &fakeVenue{kind: domain.VenueTitan, caps: domain.CanSell}
	bad.quote = func(domain.TradeIntent) (domain.LegQuote, error) { return domain.LegQuote{}, errors.New("down") }
	o, alloc := newOrchestrator(t, nil, buy, good, bad)
	l := testLease(t, alloc)
	defer l.Release()

	bq, err := o.QuoteBatch(context.Background(), domain.QuoteBatchPlan{BatchID: 1, Pair: solUSDC, TradeSize: 10}, l)
	require.NoError(t, err)
	assert.Len(t, bq.Quotes, 1)
	require.Len(t, bq.Failures, 1)
	assert.Equal(t, "quote", bq.Failures[0].Stage)
}

func TestQuoteBatch_NoRoutes(t *testing.T) {
	o, alloc := newOrchestrator(t, nil, &fakeVenue{kind: domain.VenueJupiter, caps: domain.CanBuy})
	l := testLease(t, alloc)
	defer l.Release()

	_, err := o.QuoteBatch(context.Background(), domain.QuoteBatchPlan{Pair: solUSDC, TradeSize: 1}, l)
	require.ErrorIs(t, err, domain.ErrNoRoute)
}

func TestPlanBatch_SuccessesAndFailures(t *testing.T) {
	buy, sell := twoVenues(50, 150)
	o, _ := newOrchestrator(t, nil, buy, sell)
	route := o.Routes()[0]

	res := o.PlanBatch(context.Background(), []domain.PlanRequest{
		{Route: route, Amount: 100, BatchID: 1},
		{Route: route, Amount: 200, BatchID: 2},
		{Route: route, Amount: 100, BatchID: 3},
	})
	require.Len(t, res.Candidates, 2)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, domain.ErrBelowThreshold)
	assert.Equal(t, uint64(1), res.Candidates[0].BatchID)
	assert.Equal(t, uint64(3), res.Candidates[1].BatchID)
}

func TestStreamLimiter_BoundsAndDebounces(t *testing.T) {
	l := NewStreamLimiter(2, 20*time.Millisecond)

	var active, peak atomic.Int32
	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), func(context.Context) error {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.Len(t, starts, 4)
	first, last := starts[0], starts[0]
	for _, s := range starts {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 55*time.Millisecond)
}

func TestStreamLimiter_ContextCancelled(t *testing.T) {
	l := NewStreamLimiter(1, time.Second)
	require.NoError(t, l.Do(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	called := false
	err := l.Do(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestBuildRoute_StreamingBuildsShareLimiter(t *testing.T) {
	buy, _ := twoVenues(50, 0)
	var active, peak atomic.Int32
	sell := &fakeVenue{kind: domain.VenueTitan, caps: domain.CanSell, streaming: true}
	sell.quote = fixedOut(domain.VenueTitan, 150)
	sell.build = func(q domain.LegQuote) (domain.LegPlan, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return domain.LegPlan{Quote: q}, nil
	}
	alloc := newAllocator(t, 16)
	o := New(Config{Pairs: []domain.TradePair{solUSDC}}, []domain.VenueProvider{buy, sell}, alloc, nil, NewStreamLimiter(2, 0), nil, discardLogger())
	route := o.Routes()[0]

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.PlanRoute(context.Background(), route, 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(6), sell.buildCalls.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Zero(t, alloc.InFlight())
}
