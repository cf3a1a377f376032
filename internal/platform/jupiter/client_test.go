package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/network"
)

const (
	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type recordingLease struct {
	mu       sync.Mutex
	outcomes []domain.LeaseOutcome
}

func (l *recordingLease) ID() string      { return "l1" }
func (l *recordingLease) IdentityID() int { return 0 }
func (l *recordingLease) IP() net.IP      { return net.IPv4(127, 0, 0, 1) }
func (l *recordingLease) MarkOutcome(o domain.LeaseOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
}

type fakeLimiter struct {
	allowAfter int
	down       bool
	calls      int
	keys       []string
}

func (f *fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	f.calls++
	return f.calls > f.allowAfter, nil
}

func (f *fakeLimiter) Wait(ctx context.Context, key string) error {
	f.keys = append(f.keys, key)
	if f.down {
		return errors.New("limiter unreachable")
	}
	for {
		if ok, _ := f.Allow(ctx, key, 0, 0); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func intent() domain.TradeIntent {
	return domain.TradeIntent{InputAsset: solMint, OutputAsset: usdcMint, Amount: 1_000_000, SlippageBps: 50}
}

func TestClient_Quote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, solMint, q.Get("inputMint"))
		assert.Equal(t, usdcMint, q.Get("outputMint"))
		assert.Equal(t, "1000000", q.Get("amount"))
		assert.Equal(t, "50", q.Get("slippageBps"))
		assert.Equal(t, "ExactIn", q.Get("swapMode"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"inputMint":"` + solMint + `","inAmount":"1000000","outputMint":"` + usdcMint +
			`","outAmount":"150000","otherAmountThreshold":"149250","swapMode":"ExactIn","slippageBps":50,"contextSlot":321,"requestId":"req-1"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "secret", QuoteTTL: time.Second}, network.NewClientPool(time.Second), nil)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	q, err := c.Quote(context.Background(), intent(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueJupiter, q.Venue)
	assert.Equal(t, uint64(1_000_000), q.AmountIn)
	assert.Equal(t, uint64(150_000), q.AmountOut)
	assert.Equal(t, uint64(149_250), q.MinOut)
	assert.Equal(t, uint64(321), q.ContextSlot)
	assert.Equal(t, "req-1", q.ProviderRef)
	assert.Equal(t, now.Add(time.Second), q.ExpiresAt)
	assert.NotEmpty(t, q.Raw)
}

func TestClient_QuoteRateLimitedMarksLease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, network.NewClientPool(time.Second), nil)
	lease := &recordingLease{}
	_, err := c.Quote(context.Background(), intent(), lease)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, []domain.LeaseOutcome{domain.OutcomeRateLimited}, lease.outcomes)
}

func TestClient_QuoteBadAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"inAmount":"1","outAmount":"abc"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	_, err := c.Quote(context.Background(), intent(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outAmount")
}

func TestClient_Build(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/swap-instructions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.JSONEq(t, `{"outAmount":"5"}`, string(req["quoteResponse"]))
		assert.JSONEq(t, `"Payer111"`, string(req["userPublicKey"]))

		ix := `{"programId":"Prog","accounts":[{"pubkey":"Acc","isSigner":false,"isWritable":true}],"data":"` + data + `"}`
		_, _ = w.Write([]byte(`{"setupInstructions":[` + ix + `],"swapInstruction":` + ix + `,"cleanupInstruction":` + ix +
			`,"addressLookupTableAddresses":["Alt1"],"prioritizationFeeLamports":5000,"computeUnitLimit":200000}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Kind: domain.VenueDFlow}, nil, nil)
	quote := domain.LegQuote{Venue: domain.VenueDFlow, Raw: []byte(`{"outAmount":"5"}`)}
	plan, err := c.Build(context.Background(), quote, domain.BuildContext{Payer: "Payer111"}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Instructions, 1)
	assert.Equal(t, "Prog", plan.Instructions[0].ProgramID)
	assert.Equal(t, []byte{1, 2, 3}, plan.Instructions[0].Data)
	assert.True(t, plan.Instructions[0].Accounts[0].IsWritable)
	assert.Len(t, plan.SetupInstructions, 1)
	assert.Len(t, plan.CleanupInstructions, 1)
	assert.Equal(t, []string{"Alt1"}, plan.LookupTables)
	assert.Equal(t, uint64(5000), plan.PrioritizationFeeLamports)
	assert.Equal(t, uint32(200000), plan.ComputeUnitLimit)
}

func TestClient_BuildErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"route not found"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	_, err := c.Build(context.Background(), domain.LegQuote{}, domain.BuildContext{}, nil)
	require.Error(t, err, "no raw quote")

	_, err = c.Build(context.Background(), domain.LegQuote{Raw: []byte(`{}`)}, domain.BuildContext{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route not found")
}

func TestClient_RateLimiterWaits(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"inAmount":"1","outAmount":"2"}`))
	}))
	defer srv.Close()

	c := New(Config{Kind: domain.VenueDFlow, BaseURL: srv.URL, RateLimited: true}, nil, nil)
	rl := &fakeLimiter{allowAfter: 2}
	c.SetRateLimiter(rl)

	_, err := c.Quote(context.Background(), intent(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rl.calls)
	assert.Equal(t, []string{"venue:dflow"}, rl.keys)
	assert.Equal(t, 1, hits)
}

func TestClient_RateLimiterDownDoesNotBlockRequests(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"inAmount":"1","outAmount":"2"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RateLimited: true}, nil, nil)
	rl := &fakeLimiter{down: true}
	c.SetRateLimiter(rl)

	_, err := c.Quote(context.Background(), intent(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{RateKey(domain.VenueJupiter)}, rl.keys)
	assert.Zero(t, rl.calls)
	assert.Equal(t, 1, hits)
}

func TestClient_UnlimitedSkipsLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"inAmount":"1","outAmount":"2"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	rl := &fakeLimiter{}
	c.SetRateLimiter(rl)

	_, err := c.Quote(context.Background(), intent(), nil)
	require.NoError(t, err)
	assert.Empty(t, rl.keys)
}

func TestClient_RateLimitWaitDoesNotBlameIdentity(t *testing.T) {
	c := New(Config{BaseURL: "http://unused", RateLimited: true}, nil, nil)
	c.SetRateLimiter(&fakeLimiter{allowAfter: 1 << 30})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	lease := &recordingLease{}
	_, err := c.Quote(ctx, intent(), lease)
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, lease.outcomes)
}
