package titan

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/network"
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

// venueServer answers quote and build requests the way the venue does.
func venueServer(t *testing.T, connects *atomic.Int32, handle func(req map[string]json.RawMessage) string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connects.Add(1)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]json.RawMessage
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(handle(req))); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_QuoteAndBuild(t *testing.T) {
	var connects atomic.Int32
	data := base64.StdEncoding.EncodeToString([]byte{9})
	srv := venueServer(t, &connects, func(req map[string]json.RawMessage) string {
		id := string(req["id"])
		var method string
		_ = json.Unmarshal(req["method"], &method)
		switch method {
		case "quote":
			return `{"id":` + id + `,"result":{"quoteId":"q-7","inAmount":"100","outAmount":"250","otherAmountThreshold":"240","contextSlot":55}}`
		case "build":
			ix := `{"programId":"P","accounts":[],"data":"` + data + `"}`
			return `{"id":` + id + `,"result":{"swapInstruction":` + ix + `,"addressLookupTableAddresses":["T"],"prioritizationFeeLamports":10}}`
		}
		return `{"id":` + id + `,"error":{"code":400,"message":"unknown method"}}`
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), APIKey: "k"}, network.NewClientPool(time.Second), nil)
	defer c.Close()
	assert.True(t, c.Streaming())
	lease := &recordingLease{}

	q, err := c.Quote(context.Background(), domain.TradeIntent{InputAsset: "A", OutputAsset: "B", Amount: 100}, lease)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), q.AmountOut)
	assert.Equal(t, uint64(240), q.MinOut)
	assert.Equal(t, "q-7", q.ProviderRef)

	plan, err := c.Build(context.Background(), q, domain.BuildContext{Payer: "me"}, lease)
	require.NoError(t, err)
	require.Len(t, plan.Instructions, 1)
	assert.Equal(t, []byte{9}, plan.Instructions[0].Data)
	assert.Equal(t, []string{"T"}, plan.LookupTables)
	assert.Equal(t, int32(1), connects.Load(), "one stream per identity")
}

func TestClient_RateLimitedError(t *testing.T) {
	var connects atomic.Int32
	srv := venueServer(t, &connects, func(req map[string]json.RawMessage) string {
		return `{"id":` + string(req["id"]) + `,"error":{"code":429,"message":"too many"}}`
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), APIKey: "k"}, network.NewClientPool(time.Second), nil)
	defer c.Close()
	lease := &recordingLease{}
	_, err := c.Quote(context.Background(), domain.TradeIntent{InputAsset: "A", OutputAsset: "B", Amount: 1}, lease)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, []domain.LeaseOutcome{domain.OutcomeRateLimited}, lease.outcomes)
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	var connects atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := connects.Add(1)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if n == 1 {
			_ = conn.Close()
			return
		}
		var req map[string]json.RawMessage
		_ = json.Unmarshal(data, &req)
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"id":`+string(req["id"])+`,"result":{"quoteId":"q","inAmount":"1","outAmount":"2"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, network.NewClientPool(time.Second), nil)
	defer c.Close()
	in := domain.TradeIntent{InputAsset: "A", OutputAsset: "B", Amount: 1}

	_, err := c.Quote(context.Background(), in, nil)
	require.ErrorIs(t, err, domain.ErrWSDisconnect)

	q, err := c.Quote(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), q.AmountOut)
	assert.Equal(t, int32(2), connects.Load())
}

func TestClient_ContextCancel(t *testing.T) {
	var connects atomic.Int32
	block := make(chan struct{})
	srv := venueServer(t, &connects, func(map[string]json.RawMessage) string {
		<-block
		return `{}`
	})
	defer srv.Close()
	defer close(block)

	c := New(Config{URL: wsURL(srv), APIKey: "k"}, nil, nil)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Quote(ctx, domain.TradeIntent{InputAsset: "A", OutputAsset: "B", Amount: 1}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_BuildNeedsQuoteID(t *testing.T) {
	c := New(Config{URL: "ws://unused"}, nil, nil)
	_, err := c.Build(context.Background(), domain.LegQuote{}, domain.BuildContext{}, nil)
	require.Error(t, err)
}

// quoteServer answers every request with a fixed quote. The first handshake
// is held for delay.
func quoteServer(t *testing.T, connects *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connects.Add(1) == 1 {
			time.Sleep(delay)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]json.RawMessage
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			res := `{"id":` + string(req["id"]) + `,"result":{"quoteId":"q","inAmount":"1","outAmount":"2"}}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(res)); err != nil {
				return
			}
		}
	}))
}

func TestClient_SlowDialDoesNotBlockOtherIdentities(t *testing.T) {
	var connects atomic.Int32
	srv := quoteServer(t, &connects, time.Second)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, network.NewClientPool(2*time.Second), nil)
	defer c.Close()
	in := domain.TradeIntent{InputAsset: "A", OutputAsset: "B", Amount: 1}

	slow := make(chan error, 1)
	go func() {
		_, err := c.Quote(context.Background(), in, nil)
		slow <- err
	}()
	require.Eventually(t, func() bool { return connects.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	q, err := c.Quote(context.Background(), in, &recordingLease{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), q.AmountOut)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.NoError(t, <-slow)
	assert.Equal(t, int32(2), connects.Load())
}

func TestClient_StreamHoldsLongLivedLease(t *testing.T) {
	var connects atomic.Int32
	srv := quoteServer(t, &connects, 0)
	defer srv.Close()

	alloc, err := network.NewAllocator(network.NewStaticInventory(net.IPv4(127, 0, 0, 1)), network.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	c := New(Config{URL: wsURL(srv)}, network.NewClientPool(time.Second), nil)
	c.SetLeases(alloc)
	quoteTask := domain.Task{Kind: domain.TaskQuoteBuy}

	lease, err := alloc.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err)
	_, err = c.Quote(context.Background(), domain.TradeIntent{InputAsset: "A", OutputAsset: "B", Amount: 1}, lease)
	require.NoError(t, err)
	lease.Release()

	snap := alloc.Snapshot()[0]
	assert.Equal(t, domain.IdentityLongLived, snap.State)
	assert.Equal(t, int64(1), snap.LongLived)

	again, err := alloc.TryAcquire(quoteTask, domain.LeaseEphemeral)
	require.NoError(t, err, "a standing stream must not consume the ephemeral cap")
	_, err = c.Quote(context.Background(), domain.TradeIntent{InputAsset: "A", OutputAsset: "B", Amount: 1}, again)
	require.NoError(t, err)
	again.Release()
	assert.Equal(t, int64(1), alloc.Snapshot()[0].LongLived, "the stream is reused")

	require.NoError(t, c.Close())
	assert.Equal(t, domain.IdentityIdle, alloc.Snapshot()[0].State)
	assert.Zero(t, alloc.InFlight())
	assert.Equal(t, int32(1), connects.Load())
}
