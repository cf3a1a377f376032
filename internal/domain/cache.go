package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes to live subscribers and to durable streams that
// late readers page through.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// LookupTableStore is a shared second-level cache of resolved address
// lookup tables, keyed by table address.
type LookupTableStore interface {
	GetMany(ctx context.Context, tables []string) (map[string][]string, error)
	PutMany(ctx context.Context, tables map[string][]string) error
	Delete(ctx context.Context, table string) error
}

// LookupTableResolver resolves lookup-table addresses to their contents.
type LookupTableResolver interface {
	Resolve(ctx context.Context, tables []string) (map[string][]string, error)
}
