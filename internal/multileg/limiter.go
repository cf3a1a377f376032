package multileg

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// StreamLimiter throttles calls to streaming venues: at most n concurrent
// calls, and consecutive call starts at least debounce apart.
type StreamLimiter struct {
	sem      *semaphore.Weighted
	debounce time.Duration

	mu          sync.Mutex
	nextAllowed time.Time
}

// NewStreamLimiter returns a limiter. Non-positive n defaults to 2.
func NewStreamLimiter(n int, debounce time.Duration) *StreamLimiter {
	if n <= 0 {
		n = 2
	}
	return &StreamLimiter{sem: semaphore.NewWeighted(int64(n)), debounce: debounce}
}

// Do runs fn once a permit is free and the debounce window has passed.
func (l *StreamLimiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	l.mu.Lock()
	at := time.Now()
	if l.nextAllowed.After(at) {
		at = l.nextAllowed
	}
	l.nextAllowed = at.Add(l.debounce)
	l.mu.Unlock()

	if d := time.Until(at); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fn(ctx)
}
