// Package titan implements a streaming domain.VenueProvider: quotes and
// swap builds are request/response pairs multiplexed over one websocket per
// network identity.
package titan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/network"
	"github.com/alanyoungcy/solarb/internal/platform/jupiter"
)

const (
	writeWait        = 5 * time.Second
	handshakeTimeout = 5 * time.Second
)

// Config configures the streaming venue.
type Config struct {
	URL          string
	APIKey       string
	Capabilities domain.Capability
	QuoteTTL     time.Duration
}

// LeaseSource pins a stream's standing lease to the identity it was dialed
// from. *network.Allocator satisfies it.
type LeaseSource interface {
	AcquireOn(ctx context.Context, id int, task domain.Task, mode domain.LeaseMode) (*network.Lease, error)
}

// Client is the streaming venue.
type Client struct {
	cfg     Config
	clients *network.ClientPool
	leases  LeaseSource
	logger  *slog.Logger
	now     func() time.Time

	nextID atomic.Uint64
	dials  singleflight.Group

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// Compile-time interface check.
var _ domain.VenueProvider = (*Client)(nil)

// New creates a streaming venue client.
func New(cfg Config, clients *network.ClientPool, logger *slog.Logger) *Client {
	if cfg.Capabilities == 0 {
		cfg.Capabilities = domain.CanBuy | domain.CanSell
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 2 * time.Second
	}
	if clients == nil {
		clients = network.NewClientPool(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		clients: clients,
		logger:  logger.With(slog.String("component", "venue_titan")),
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

// SetLeases makes every open stream hold a shared long-lived lease on its
// identity until the stream closes.
func (c *Client) SetLeases(leases LeaseSource) { c.leases = leases }

func (c *Client) Kind() domain.VenueKind { return domain.VenueTitan }

func (c *Client) Capabilities() domain.Capability { return c.cfg.Capabilities }

func (c *Client) Streaming() bool { return true }

type quoteParams struct {
	InputMint   string `json:"inputMint"`
	OutputMint  string `json:"outputMint"`
	Amount      string `json:"amount"`
	SlippageBps uint16 `json:"slippageBps"`
	SwapMode    string `json:"swapMode"`
}

type quoteResult struct {
	QuoteID              string `json:"quoteId"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	ContextSlot          uint64 `json:"contextSlot"`
	ExpiresAtMs          int64  `json:"expiresAtMs"`
}

type buildParams struct {
	QuoteID          string `json:"quoteId"`
	UserPublicKey    string `json:"userPublicKey"`
	WrapAndUnwrapSol bool   `json:"wrapAndUnwrapSol"`
	ComputeUnitPrice uint64 `json:"computeUnitPrice,omitempty"`
}

// Quote requests a quote over the identity's stream.
func (c *Client) Quote(ctx context.Context, intent domain.TradeIntent, lease domain.LeaseHandle) (domain.LegQuote, error) {
	mode := intent.SwapMode
	if mode == "" {
		mode = domain.SwapExactIn
	}
	started := c.now()
	raw, err := c.call(ctx, lease, "quote", quoteParams{
		InputMint:   string(intent.InputAsset),
		OutputMint:  string(intent.OutputAsset),
		Amount:      strconv.FormatUint(intent.Amount, 10),
		SlippageBps: intent.SlippageBps,
		SwapMode:    string(mode),
	})
	if err != nil {
		return domain.LegQuote{}, fmt.Errorf("titan: quote %s->%s: %w", intent.InputAsset, intent.OutputAsset, err)
	}

	var qr quoteResult
	if err := json.Unmarshal(raw, &qr); err != nil {
		return domain.LegQuote{}, fmt.Errorf("titan: decode quote: %w", err)
	}
	in, err := parseUint(qr.InAmount)
	if err != nil {
		return domain.LegQuote{}, fmt.Errorf("titan: inAmount: %w", err)
	}
	out, err := parseUint(qr.OutAmount)
	if err != nil {
		return domain.LegQuote{}, fmt.Errorf("titan: outAmount: %w", err)
	}
	minOut, err := parseUint(qr.OtherAmountThreshold)
	if err != nil {
		return domain.LegQuote{}, fmt.Errorf("titan: otherAmountThreshold: %w", err)
	}
	if in == 0 {
		in = intent.Amount
	}

	now := c.now()
	expires := now.Add(c.cfg.QuoteTTL)
	if qr.ExpiresAtMs > 0 {
		if venueExpiry := time.UnixMilli(qr.ExpiresAtMs); venueExpiry.Before(expires) {
			expires = venueExpiry
		}
	}
	return domain.LegQuote{
		Venue:       domain.VenueTitan,
		Intent:      intent,
		AmountIn:    in,
		AmountOut:   out,
		MinOut:      minOut,
		ExpiresAt:   expires,
		ProviderRef: qr.QuoteID,
		ContextSlot: qr.ContextSlot,
		Latency:     now.Sub(started),
		Raw:         raw,
	}, nil
}

// Build asks the venue to turn a quote id into instructions.
func (c *Client) Build(ctx context.Context, quote domain.LegQuote, bctx domain.BuildContext, lease domain.LeaseHandle) (domain.LegPlan, error) {
	if quote.ProviderRef == "" {
		return domain.LegPlan{}, fmt.Errorf("titan: build: quote has no id")
	}
	raw, err := c.call(ctx, lease, "build", buildParams{
		QuoteID:          quote.ProviderRef,
		UserPublicKey:    bctx.Payer,
		WrapAndUnwrapSol: bctx.WrapAndUnwrapSOL,
		ComputeUnitPrice: bctx.ComputeUnitPrice,
	})
	if err != nil {
		return domain.LegPlan{}, fmt.Errorf("titan: build %s: %w", quote.ProviderRef, err)
	}

	var sr jupiter.SwapInstructionsResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return domain.LegPlan{}, fmt.Errorf("titan: decode build: %w", err)
	}
	if sr.SwapInstruction == nil {
		return domain.LegPlan{}, fmt.Errorf("titan: build %s: no swap instruction", quote.ProviderRef)
	}
	plan := domain.LegPlan{
		Quote:                     quote,
		LookupTables:              sr.AddressLookupTableAddresses,
		ComputeUnitLimit:          sr.ComputeUnitLimit,
		PrioritizationFeeLamports: sr.PrioritizationFeeLamports,
	}
	for _, ix := range sr.SetupInstructions {
		d, err := ix.ToDomain()
		if err != nil {
			return domain.LegPlan{}, fmt.Errorf("titan: setup: %w", err)
		}
		plan.SetupInstructions = append(plan.SetupInstructions, d)
	}
	swap, err := sr.SwapInstruction.ToDomain()
	if err != nil {
		return domain.LegPlan{}, fmt.Errorf("titan: swap: %w", err)
	}
	plan.Instructions = []domain.Instruction{swap}
	if sr.CleanupInstruction != nil {
		d, err := sr.CleanupInstruction.ToDomain()
		if err != nil {
			return domain.LegPlan{}, fmt.Errorf("titan: cleanup: %w", err)
		}
		plan.CleanupInstructions = []domain.Instruction{d}
	}
	return plan, nil
}

// Close tears down every open stream.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	streams := c.streams
	c.streams = make(map[string]*stream)
	c.mu.Unlock()
	for _, s := range streams {
		s.close(domain.ErrWSDisconnect)
	}
	return nil
}

func (c *Client) call(ctx context.Context, lease domain.LeaseHandle, method string, params any) (json.RawMessage, error) {
	s, err := c.streamFor(ctx, lease)
	if err != nil {
		return nil, network.Observe(lease, err)
	}
	id := c.nextID.Add(1)
	res, err := s.roundTrip(ctx, request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, network.Observe(lease, err)
	}
	return res, nil
}

// streamFor returns the open stream for the lease's identity, dialing it
// first if needed. Dials for one identity are shared; other identities never
// wait on them.
func (c *Client) streamFor(ctx context.Context, lease domain.LeaseHandle) (*stream, error) {
	key := "default"
	if lease != nil && lease.IP() != nil {
		key = lease.IP().String()
	}
	if s, err := c.cached(key); s != nil || err != nil {
		return s, err
	}

	ch := c.dials.DoChan(key, func() (any, error) {
		return c.dial(ctx, key, lease)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*stream), nil
	}
}

func (c *Client) cached(key string) (*stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrWSDisconnect
	}
	if s, ok := c.streams[key]; ok && !s.isClosed() {
		return s, nil
	}
	return nil, nil
}

func (c *Client) dial(ctx context.Context, key string, lease domain.LeaseHandle) (*stream, error) {
	if s, err := c.cached(key); s != nil || err != nil {
		return s, err
	}

	var standing *network.Lease
	if c.leases != nil && lease != nil {
		var err error
		task := domain.Task{Kind: domain.TaskStreamConnect, Venue: domain.VenueTitan}
		standing, err = c.leases.AcquireOn(ctx, lease.IdentityID(), task, domain.LeaseSharedLongLived)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	var dialer websocket.Dialer
	dialer.HandshakeTimeout = handshakeTimeout
	if lease != nil && lease.IP() != nil {
		dialer.NetDialContext = c.clients.Dialer(lease.IP()).DialContext
	}
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if standing != nil {
			standing.Release()
		}
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("connect: %w", &domain.StatusError{Code: resp.StatusCode})
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	s := newStream(conn, c.logger.With(slog.String("identity", key)), func(s *stream) {
		c.detach(key, s)
		if standing != nil {
			standing.Release()
		}
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.close(domain.ErrWSDisconnect)
		return nil, domain.ErrWSDisconnect
	}
	c.streams[key] = s
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "stream connected", slog.String("identity", key))
	return s, nil
}

// detach forgets s once it has closed so the next call redials.
func (c *Client) detach(key string, s *stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[key] == s {
		delete(c.streams, key)
	}
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
