package solana

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// BlockhashFetcher is the part of *rpc.Client the cache uses.
type BlockhashFetcher interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// BlockhashCache serves a recent blockhash, refreshing it when older than
// ttl. Blockhashes stay valid for ~60s so a sub-second ttl is plenty.
type BlockhashCache struct {
	rpc    BlockhashFetcher
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	hash      string
	slot      uint64
	fetchedAt time.Time
	now       func() time.Time
}

// NewBlockhashCache creates a cache over rpc.
func NewBlockhashCache(client BlockhashFetcher, ttl time.Duration, logger *slog.Logger) *BlockhashCache {
	if ttl <= 0 {
		ttl = 400 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockhashCache{
		rpc:    client,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "blockhash")),
		now:    time.Now,
	}
}

// Latest returns the cached blockhash or fetches a fresh one.
func (c *BlockhashCache) Latest(ctx context.Context) (string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hash != "" && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.hash, c.slot, nil
	}
	res, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		if c.hash != "" {
			c.logger.WarnContext(ctx, "blockhash refresh failed, serving stale",
				slog.String("error", err.Error()),
				slog.Duration("age", c.now().Sub(c.fetchedAt)),
			)
			return c.hash, c.slot, nil
		}
		return "", 0, fmt.Errorf("solana: get latest blockhash: %w", err)
	}
	if res == nil || res.Value == nil {
		return "", 0, fmt.Errorf("solana: get latest blockhash: empty result")
	}
	c.hash = res.Value.Blockhash.String()
	c.slot = res.Context.Slot
	c.fetchedAt = c.now()
	return c.hash, c.slot, nil
}

// Run refreshes the cache every ttl until ctx ends.
func (c *BlockhashCache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := c.Latest(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "blockhash refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
