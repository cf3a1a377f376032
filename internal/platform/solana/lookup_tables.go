package solana

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	solanago "github.com/gagliardetto/solana-go"
	addresslookuptable "github.com/gagliardetto/solana-go/programs/address-lookup-table"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/network"
)

// maxAccountsPerRequest is the getMultipleAccounts cap.
const maxAccountsPerRequest = 100

// AccountFetcher is the part of *rpc.Client used to load lookup tables.
type AccountFetcher interface {
	GetMultipleAccounts(ctx context.Context, accounts ...solanago.PublicKey) (*rpc.GetMultipleAccountsResult, error)
	GetAccountInfo(ctx context.Context, account solanago.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// FetcherFactory builds an AccountFetcher bound to one HTTP client.
type FetcherFactory func(client *http.Client) AccountFetcher

// LeaseSource hands out network identities for RPC reads.
type LeaseSource interface {
	Acquire(ctx context.Context, task domain.Task, mode domain.LeaseMode) (*network.Lease, error)
}

// LookupTableCache resolves address lookup tables through an in-process
// map, then the shared store, then the RPC node.
type LookupTableCache struct {
	local   sync.Map // table -> []string
	store   domain.LookupTableStore
	factory FetcherFactory
	alloc   LeaseSource
	clients *network.ClientPool
	logger  *slog.Logger

	decode func([]byte) ([]string, error)
}

// Compile-time interface check.
var _ domain.LookupTableResolver = (*LookupTableCache)(nil)

// NewLookupTableCache creates a resolver. store may be nil.
func NewLookupTableCache(factory FetcherFactory, store domain.LookupTableStore, logger *slog.Logger) *LookupTableCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &LookupTableCache{
		store:   store,
		factory: factory,
		logger:  logger.With(slog.String("component", "alt_cache")),
		decode:  decodeLookupTable,
	}
}

// SetLeases routes RPC reads through leased identities.
func (c *LookupTableCache) SetLeases(alloc LeaseSource, clients *network.ClientPool) {
	c.alloc = alloc
	c.clients = clients
}

// Resolve returns the contents of every requested table. Tables that cannot
// be loaded or decoded are evicted from both cache levels and reported in
// the error; the ones that did resolve are still returned.
func (c *LookupTableCache) Resolve(ctx context.Context, tables []string) (map[string][]string, error) {
	out := make(map[string][]string, len(tables))
	var missing []string
	for _, t := range dedupe(tables) {
		if v, ok := c.local.Load(t); ok {
			out[t] = v.([]string)
			continue
		}
		missing = append(missing, t)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if c.store != nil {
		shared, err := c.store.GetMany(ctx, missing)
		if err != nil {
			c.logger.WarnContext(ctx, "shared lookup table read failed", slog.String("error", err.Error()))
		}
		remaining := missing[:0:0]
		for _, t := range missing {
			if addrs, ok := shared[t]; ok && len(addrs) > 0 {
				out[t] = c.remember(t, addrs)
				continue
			}
			remaining = append(remaining, t)
		}
		missing = remaining
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, bad, err := c.fetch(ctx, missing)
	if err != nil {
		return out, err
	}
	for t, addrs := range fetched {
		fetched[t] = c.remember(t, addrs)
		out[t] = fetched[t]
	}
	if c.store != nil && len(fetched) > 0 {
		if err := c.store.PutMany(ctx, fetched); err != nil {
			c.logger.WarnContext(ctx, "shared lookup table write failed", slog.String("error", err.Error()))
		}
	}
	if len(bad) > 0 {
		for _, t := range bad {
			c.Evict(ctx, t)
		}
		sort.Strings(bad)
		return out, fmt.Errorf("solana: lookup tables %s: %w", strings.Join(bad, ","), domain.ErrNotFound)
	}
	return out, nil
}

// remember caches addrs for table unless a concurrent Resolve got there
// first, and returns whichever copy the cache holds.
func (c *LookupTableCache) remember(table string, addrs []string) []string {
	v, _ := c.local.LoadOrStore(table, addrs)
	return v.([]string)
}

// Evict drops a table from both cache levels.
func (c *LookupTableCache) Evict(ctx context.Context, table string) {
	c.local.Delete(table)
	if c.store != nil {
		if err := c.store.Delete(ctx, table); err != nil {
			c.logger.WarnContext(ctx, "shared lookup table delete failed",
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *LookupTableCache) fetch(ctx context.Context, tables []string) (map[string][]string, []string, error) {
	fetcher, done, err := c.fetcher(ctx)
	if err != nil {
		return nil, nil, err
	}
	var callErr error
	defer func() { done(callErr) }()

	fetched := make(map[string][]string, len(tables))
	var bad []string
	keys := make([]solanago.PublicKey, 0, len(tables))
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		pk, err := solanago.PublicKeyFromBase58(t)
		if err != nil {
			bad = append(bad, t)
			continue
		}
		keys = append(keys, pk)
		names = append(names, t)
	}

	for start := 0; start < len(keys); start += maxAccountsPerRequest {
		end := min(start+maxAccountsPerRequest, len(keys))
		chunk, chunkNames := keys[start:end], names[start:end]

		res, err := fetcher.GetMultipleAccounts(ctx, chunk...)
		if err != nil || res == nil || len(res.Value) != len(chunk) {
			if ctx.Err() != nil {
				callErr = ctx.Err()
				return nil, nil, fmt.Errorf("solana: get multiple accounts: %w", ctx.Err())
			}
			if err != nil {
				callErr = err
				c.logger.WarnContext(ctx, "batch lookup table fetch failed, falling back per account",
					slog.Int("count", len(chunk)),
					slog.String("error", err.Error()),
				)
			}
			for i, pk := range chunk {
				info, err := fetcher.GetAccountInfo(ctx, pk)
				if err != nil || info == nil {
					bad = append(bad, chunkNames[i])
					continue
				}
				c.accept(info.Value, chunkNames[i], fetched, &bad)
			}
			continue
		}
		for i, acc := range res.Value {
			c.accept(acc, chunkNames[i], fetched, &bad)
		}
	}
	return fetched, bad, nil
}

func (c *LookupTableCache) accept(acc *rpc.Account, name string, fetched map[string][]string, bad *[]string) {
	if acc == nil || acc.Data == nil {
		*bad = append(*bad, name)
		return
	}
	addrs, err := c.decode(acc.Data.GetBinary())
	if err != nil || len(addrs) == 0 {
		*bad = append(*bad, name)
		return
	}
	fetched[name] = addrs
}

// fetcher returns an RPC client and a completion func that reports the
// outcome against the lease, if one was taken.
func (c *LookupTableCache) fetcher(ctx context.Context) (AccountFetcher, func(error), error) {
	if c.alloc == nil || c.clients == nil {
		return c.factory(nil), func(error) {}, nil
	}
	lease, err := c.alloc.Acquire(ctx, domain.Task{Kind: domain.TaskAltFetch}, domain.LeaseEphemeral)
	if err != nil {
		return nil, nil, fmt.Errorf("solana: lookup table lease: %w", err)
	}
	return c.factory(c.clients.For(lease.IP())), func(err error) {
		network.Observe(lease, err)
		lease.Release()
	}, nil
}

func decodeLookupTable(data []byte) ([]string, error) {
	state, err := addresslookuptable.DecodeAddressLookupTableState(data)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(state.Addresses))
	for i, a := range state.Addresses {
		out[i] = a.String()
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
