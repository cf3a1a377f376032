package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// LookupTableStore shares resolved address lookup tables between instances.
// Tables are append-only on chain, so a cached copy is only wrong when the
// table was extended; the TTL bounds that.
type LookupTableStore struct {
	client *Client
	ttl    time.Duration
}

// NewLookupTableStore creates the store. ttl <= 0 means one hour.
func NewLookupTableStore(c *Client, ttl time.Duration) *LookupTableStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LookupTableStore{client: c, ttl: ttl}
}

func (s *LookupTableStore) key(table string) string {
	return s.client.Key("alt", table)
}

// GetMany returns the tables present in the cache.
func (s *LookupTableStore) GetMany(ctx context.Context, tables []string) (map[string][]string, error) {
	out := make(map[string][]string, len(tables))
	if len(tables) == 0 {
		return out, nil
	}
	keys := make([]string, len(tables))
	for i, t := range tables {
		keys[i] = s.key(t)
	}
	vals, err := s.client.Underlying().MGet(ctx, keys...).Result()
	if err != nil {
		return out, fmt.Errorf("redis: get lookup tables: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var addrs []string
		if err := json.Unmarshal([]byte(raw), &addrs); err != nil || len(addrs) == 0 {
			continue
		}
		out[tables[i]] = addrs
	}
	return out, nil
}

// PutMany writes tables in one pipeline.
func (s *LookupTableStore) PutMany(ctx context.Context, tables map[string][]string) error {
	if len(tables) == 0 {
		return nil
	}
	pipe := s.client.Underlying().Pipeline()
	for t, addrs := range tables {
		data, err := json.Marshal(addrs)
		if err != nil {
			return fmt.Errorf("redis: encode lookup table %s: %w", t, err)
		}
		pipe.Set(ctx, s.key(t), data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put lookup tables: %w", err)
	}
	return nil
}

// Delete evicts one table.
func (s *LookupTableStore) Delete(ctx context.Context, table string) error {
	if err := s.client.Underlying().Del(ctx, s.key(table)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: delete lookup table %s: %w", table, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.LookupTableStore = (*LookupTableStore)(nil)
