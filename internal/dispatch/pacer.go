package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// Pacer tracks when each trade pair may next be dispatched.
type Pacer struct {
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
}

// NewPacer returns an empty pacer.
func NewPacer() *Pacer {
	return &Pacer{next: make(map[string]time.Time), now: time.Now}
}

// NextReady is the earliest time pair may be dispatched again.
func (p *Pacer) NextReady(pair domain.TradePair) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next[pair.Key()]
}

// Reserve claims the next start time for pair, no earlier than readyAt, and
// pushes the pair forward by gap from that time.
func (p *Pacer) Reserve(pair domain.TradePair, readyAt time.Time, gap time.Duration) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pair.Key()
	at := p.now()
	if n := p.next[key]; n.After(at) {
		at = n
	}
	if readyAt.After(at) {
		at = readyAt
	}
	p.next[key] = at.Add(gap)
	return at
}

// Wait reserves a start time for pair and sleeps until it.
func (p *Pacer) Wait(ctx context.Context, pair domain.TradePair, readyAt time.Time, gap time.Duration) error {
	at := p.Reserve(pair, readyAt, gap)
	d := at.Sub(p.now())
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Defer pushes pair's next-ready time to at least now+d.
func (p *Pacer) Defer(pair domain.TradePair, d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pair.Key()
	until := p.now().Add(d)
	if until.After(p.next[key]) {
		p.next[key] = until
	}
}
