// Package jupiter implements domain.VenueProvider over the Jupiter swap API.
// The DFlow aggregator speaks the same quote/swap-instructions dialect and
// is served by the same client with a different kind and base URL.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/network"
)

type jsonRaw = json.RawMessage

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Config configures one aggregator endpoint.
type Config struct {
	Kind         domain.VenueKind
	BaseURL      string
	APIKey       string
	Capabilities domain.Capability
	QuoteTTL     time.Duration
	// OnlyDirectRoutes and MaxAccounts are passed through to /quote.
	OnlyDirectRoutes bool
	MaxAccounts      int
	// RateLimited makes every request wait on the limiter under
	// RateKey(Kind). The budget itself is configured on the limiter.
	RateLimited bool
}

// RateKey is the shared limiter key for a venue.
func RateKey(kind domain.VenueKind) string { return "venue:" + string(kind) }

// Client is an HTTP aggregator venue.
type Client struct {
	cfg     Config
	clients *network.ClientPool
	limiter domain.RateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// Compile-time interface check.
var _ domain.VenueProvider = (*Client)(nil)

// New creates an aggregator client. Requests go out through the client
// bound to the lease's identity.
func New(cfg Config, clients *network.ClientPool, logger *slog.Logger) *Client {
	if cfg.Kind == "" {
		cfg.Kind = domain.VenueJupiter
	}
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
		logger:  logger.With(slog.String("component", "venue_"+string(cfg.Kind))),
		now:     time.Now,
	}
}

// SetRateLimiter attaches a shared rate limiter.
func (c *Client) SetRateLimiter(rl domain.RateLimiter) { c.limiter = rl }

func (c *Client) Kind() domain.VenueKind { return c.cfg.Kind }

func (c *Client) Capabilities() domain.Capability { return c.cfg.Capabilities }

func (c *Client) Streaming() bool { return false }

// Quote asks /quote for intent.
func (c *Client) Quote(ctx context.Context, intent domain.TradeIntent, lease domain.LeaseHandle) (domain.LegQuote, error) {
	params := url.Values{}
	params.Set("inputMint", string(intent.InputAsset))
	params.Set("outputMint", string(intent.OutputAsset))
	params.Set("amount", strconv.FormatUint(intent.Amount, 10))
	params.Set("slippageBps", strconv.Itoa(int(intent.SlippageBps)))
	mode := intent.SwapMode
	if mode == "" {
		mode = domain.SwapExactIn
	}
	params.Set("swapMode", string(mode))
	if c.cfg.OnlyDirectRoutes {
		params.Set("onlyDirectRoutes", "true")
	}
	if c.cfg.MaxAccounts > 0 {
		params.Set("maxAccounts", strconv.Itoa(c.cfg.MaxAccounts))
	}

	started := c.now()
	body, err := c.do(ctx, http.MethodGet, "/quote?"+params.Encode(), nil, lease)
	if err != nil {
		return domain.LegQuote{}, fmt.Errorf("%s: quote %s->%s: %w", c.cfg.Kind, intent.InputAsset, intent.OutputAsset, err)
	}

	var qr QuoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return domain.LegQuote{}, fmt.Errorf("%s: decode quote: %w", c.cfg.Kind, err)
	}
	in, err := parseAmount("inAmount", qr.InAmount)
	if err != nil {
		return domain.LegQuote{}, fmt.Errorf("%s: %w", c.cfg.Kind, err)
	}
	out, err := parseAmount("outAmount", qr.OutAmount)
	if err != nil {
		return domain.LegQuote{}, fmt.Errorf("%s: %w", c.cfg.Kind, err)
	}
	minOut, err := parseAmount("otherAmountThreshold", qr.OtherAmountThreshold)
	if err != nil {
		return domain.LegQuote{}, fmt.Errorf("%s: %w", c.cfg.Kind, err)
	}
	if in == 0 {
		in = intent.Amount
	}

	now := c.now()
	return domain.LegQuote{
		Venue:       c.cfg.Kind,
		Intent:      intent,
		AmountIn:    in,
		AmountOut:   out,
		MinOut:      minOut,
		ExpiresAt:   now.Add(c.cfg.QuoteTTL),
		ProviderRef: qr.RequestID,
		ContextSlot: qr.ContextSlot,
		Latency:     now.Sub(started),
		Raw:         body,
	}, nil
}

// Build asks /swap-instructions for the quote's instructions.
func (c *Client) Build(ctx context.Context, quote domain.LegQuote, bctx domain.BuildContext, lease domain.LeaseHandle) (domain.LegPlan, error) {
	if len(quote.Raw) == 0 {
		return domain.LegPlan{}, fmt.Errorf("%s: build: quote carries no raw response", c.cfg.Kind)
	}
	req := SwapInstructionsRequest{
		QuoteResponse:                 quote.Raw,
		UserPublicKey:                 bctx.Payer,
		WrapAndUnwrapSol:              bctx.WrapAndUnwrapSOL,
		UseSharedAccounts:             bctx.UseSharedAccounts,
		ComputeUnitPriceMicroLamports: bctx.ComputeUnitPrice,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.LegPlan{}, fmt.Errorf("%s: encode swap request: %w", c.cfg.Kind, err)
	}
	body, err := c.do(ctx, http.MethodPost, "/swap-instructions", payload, lease)
	if err != nil {
		return domain.LegPlan{}, fmt.Errorf("%s: swap instructions: %w", c.cfg.Kind, err)
	}

	var sr SwapInstructionsResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return domain.LegPlan{}, fmt.Errorf("%s: decode swap instructions: %w", c.cfg.Kind, err)
	}
	if sr.Error != "" {
		return domain.LegPlan{}, fmt.Errorf("%s: swap instructions: %s", c.cfg.Kind, sr.Error)
	}
	if sr.SwapInstruction == nil {
		return domain.LegPlan{}, fmt.Errorf("%s: swap instructions: response has no swap instruction", c.cfg.Kind)
	}

	setup, err := convertAll(sr.SetupInstructions)
	if err != nil {
		return domain.LegPlan{}, fmt.Errorf("%s: setup: %w", c.cfg.Kind, err)
	}
	swap, err := sr.SwapInstruction.ToDomain()
	if err != nil {
		return domain.LegPlan{}, fmt.Errorf("%s: swap: %w", c.cfg.Kind, err)
	}
	others, err := convertAll(sr.OtherInstructions)
	if err != nil {
		return domain.LegPlan{}, fmt.Errorf("%s: other: %w", c.cfg.Kind, err)
	}
	plan := domain.LegPlan{
		Quote:                     quote,
		SetupInstructions:         setup,
		Instructions:              append(others, swap),
		LookupTables:              sr.AddressLookupTableAddresses,
		ComputeUnitLimit:          sr.ComputeUnitLimit,
		PrioritizationFeeLamports: sr.PrioritizationFeeLamports,
	}
	if sr.CleanupInstruction != nil {
		cleanup, err := sr.CleanupInstruction.ToDomain()
		if err != nil {
			return domain.LegPlan{}, fmt.Errorf("%s: cleanup: %w", c.cfg.Kind, err)
		}
		plan.CleanupInstructions = []domain.Instruction{cleanup}
	}
	return plan, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, lease domain.LeaseHandle) ([]byte, error) {
	if err := c.waitRate(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	var client *http.Client
	if lease != nil {
		client = c.clients.For(lease.IP())
	} else {
		client = c.clients.For(nil)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, network.Observe(lease, fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, network.Observe(lease, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, network.Observe(lease, &domain.StatusError{Code: resp.StatusCode, Body: string(respBody)})
	}
	return respBody, nil
}

// waitRate blocks until the shared limiter admits a request. Waiting on the
// limiter says nothing about the identity, so its errors are not wrapped
// into the lease taxonomy.
func (c *Client) waitRate(ctx context.Context) error {
	if c.limiter == nil || !c.cfg.RateLimited {
		return nil
	}
	err := c.limiter.Wait(ctx, RateKey(c.cfg.Kind))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("rate limit wait: %v", ctx.Err())
	}
	c.logger.WarnContext(ctx, "rate limiter unavailable, proceeding", slog.String("error", err.Error()))
	return nil
}
