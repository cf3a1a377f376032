package profit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/solarb/internal/domain"
)

const (
	sol  domain.Asset = "So11111111111111111111111111111111111111112"
	usdc domain.Asset = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

var now = time.Unix(1_700_000_000, 0)

func candidate(id string, in, out uint64, fee uint64) domain.ClosedLoopCandidate {
	return domain.ClosedLoopCandidate{
		ID: id,
		Legs: []domain.LegPlan{
			{Quote: domain.LegQuote{Venue: domain.VenueJupiter, Intent: domain.TradeIntent{InputAsset: sol, OutputAsset: usdc}, AmountIn: in, AmountOut: 7}},
			{Quote: domain.LegQuote{Venue: domain.VenueDFlow, Intent: domain.TradeIntent{InputAsset: usdc, OutputAsset: sol}, AmountIn: 7, AmountOut: out}, PrioritizationFeeLamports: fee},
		},
	}
}

func newEvaluator(cfg Config, tip TipPolicy) *Evaluator {
	return NewEvaluator(cfg, tip, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEvaluate_AcceptsProfitableLoop(t *testing.T) {
	e := newEvaluator(Config{MinProfit: 0}, nil)

	opp, err := e.EvaluateAt(context.Background(), candidate("c1", 100, 105, 0), now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), opp.GrossProfit)
	assert.Equal(t, int64(5), opp.NetProfit)
	assert.Equal(t, now, opp.EvaluatedAt)
}

func TestEvaluate_NetAccountsForEveryCost(t *testing.T) {
	e := newEvaluator(Config{MinProfit: 100, BaseFee: 5000}, FixedTip(1000))

	opp, err := e.EvaluateAt(context.Background(), candidate("c1", 1_000_000, 1_010_000, 2000), now)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), opp.GrossProfit)
	assert.Equal(t, int64(10_000-2000-5000-1000), opp.NetProfit)
	assert.Equal(t, uint64(1000), opp.Tip)
	assert.Equal(t, uint64(2000), opp.PriorityFee)
}

func TestEvaluate_RejectsBelowThreshold(t *testing.T) {
	e := newEvaluator(Config{MinProfit: 10}, nil)

	opp, err := e.EvaluateAt(context.Background(), candidate("c1", 100, 105, 0), now)
	require.ErrorIs(t, err, domain.ErrBelowThreshold)
	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.RejectBelowThreshold, rej.Reason)
	assert.Equal(t, int64(5), rej.NetProfit)
	assert.Equal(t, int64(10), rej.Threshold)
	assert.Zero(t, opp)
}

func TestEvaluate_EveryRejectionReturnsZeroOpportunity(t *testing.T) {
	e := newEvaluator(Config{MinProfit: 10}, nil)
	expired := candidate("c2", 100, 200, 0)
	expired.Legs[0].Quote.ExpiresAt = now.Add(-time.Second)

	for name, c := range map[string]domain.ClosedLoopCandidate{
		"below threshold": candidate("c1", 100, 105, 0),
		"losing":          candidate("c3", 100, 90, 0),
		"expired":         expired,
	} {
		t.Run(name, func(t *testing.T) {
			opp, err := e.EvaluateAt(context.Background(), c, now)
			var rej *domain.Rejection
			require.ErrorAs(t, err, &rej)
			assert.Zero(t, opp)
		})
	}
}

func TestEvaluate_RejectsNonPositiveGrossEvenWithNegativeThreshold(t *testing.T) {
	e := newEvaluator(Config{MinProfit: -1000}, nil)

	_, err := e.EvaluateAt(context.Background(), candidate("c1", 100, 100, 0), now)
	require.ErrorIs(t, err, domain.ErrBelowThreshold)
}

func TestEvaluate_PerAssetThreshold(t *testing.T) {
	e := newEvaluator(Config{MinProfit: 1000, PerAsset: map[domain.Asset]int64{sol: 3}}, nil)
	assert.Equal(t, int64(3), e.Threshold(sol))
	assert.Equal(t, int64(1000), e.Threshold(usdc))

	_, err := e.EvaluateAt(context.Background(), candidate("c1", 100, 105, 0), now)
	require.NoError(t, err)
}

func TestEvaluate_ExpiredQuote(t *testing.T) {
	e := newEvaluator(Config{}, nil)
	c := candidate("c1", 100, 200, 0)
	c.Legs[1].Quote.ExpiresAt = now

	_, err := e.EvaluateAt(context.Background(), c, now)
	require.ErrorIs(t, err, domain.ErrQuoteExpired)

	_, err = e.EvaluateAt(context.Background(), c, now.Add(-time.Millisecond))
	require.NoError(t, err)
}

func TestEvaluate_MalformedLoop(t *testing.T) {
	e := newEvaluator(Config{}, nil)
	c := candidate("c1", 100, 200, 0)
	c.Legs[1].Quote.Intent.OutputAsset = usdc

	_, err := e.EvaluateAt(context.Background(), c, now)
	require.ErrorIs(t, err, domain.ErrLoopMismatch)
	var rej *domain.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, domain.RejectMalformedLoop, rej.Reason)
}

func TestEvaluate_Idempotent(t *testing.T) {
	e := newEvaluator(Config{MinProfit: 1, BaseFee: 5000}, ProportionalTip{Ratio: decimal.RequireFromString("0.5")})
	c := candidate("c1", 1_000_000, 1_020_000, 300)

	first, err1 := e.EvaluateAt(context.Background(), c, now)
	second, err2 := e.EvaluateAt(context.Background(), c, now)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)
}

func TestPrefilter(t *testing.T) {
	e := newEvaluator(Config{}, nil)
	rq := func(in, out uint64) domain.RouteQuote {
		return domain.RouteQuote{Quotes: []domain.LegQuote{{AmountIn: in, AmountOut: 1}, {AmountIn: 1, AmountOut: out}}}
	}
	assert.NoError(t, e.Prefilter(rq(100, 105)))
	assert.ErrorIs(t, e.Prefilter(rq(100, 100)), domain.ErrBelowThreshold)
	assert.ErrorIs(t, e.Prefilter(rq(100, 98)), domain.ErrBelowThreshold)
}

func TestPrefilterIsMonotone(t *testing.T) {
	// Anything the prefilter drops must also be dropped after building.
	e := newEvaluator(Config{MinProfit: -1_000_000}, FixedTip(0))
	for _, out := range []uint64{50, 99, 100} {
		rq := domain.RouteQuote{Quotes: []domain.LegQuote{{AmountIn: 100, AmountOut: 1}, {AmountIn: 1, AmountOut: out}}}
		require.Error(t, e.Prefilter(rq))
		_, err := e.EvaluateAt(context.Background(), candidate("c", 100, out, 0), now)
		require.Error(t, err)
	}
}

func TestPool_SortsByNetProfit(t *testing.T) {
	e := newEvaluator(Config{MinProfit: 1}, nil)
	e.now = func() time.Time { return now }
	pool := NewPool(e, 2)

	cands := []domain.ClosedLoopCandidate{
		candidate("small", 100, 102, 0),
		candidate("loss", 100, 90, 0),
		candidate("big", 100, 150, 0),
		candidate("mid", 100, 120, 0),
	}
	accepted, rejected := pool.EvaluateAll(context.Background(), cands)

	require.Len(t, accepted, 3)
	assert.Equal(t, "big", accepted[0].Candidate.ID)
	assert.Equal(t, "mid", accepted[1].Candidate.ID)
	assert.Equal(t, "small", accepted[2].Candidate.ID)
	require.Len(t, rejected, 1)
	assert.Equal(t, "loss", rejected[0].Candidate.ID)
	assert.ErrorIs(t, rejected[0].Err, domain.ErrBelowThreshold)
}
