package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/network"
)

// BatchQuoter quotes every route of one batch while holding lease. It is
// expected to reuse the lease for the buy and sell side.
type BatchQuoter interface {
	QuoteBatch(ctx context.Context, batch domain.QuoteBatchPlan, lease domain.LeaseHandle) (domain.BatchQuote, error)
}

// LeaseSource is the part of network.Allocator the dispatcher needs.
type LeaseSource interface {
	Acquire(ctx context.Context, task domain.Task, mode domain.LeaseMode) (*network.Lease, error)
	Capacity() int
}

// Config tunes the dispatcher.
type Config struct {
	Cadence CadenceTable
	// VenueCeiling caps total concurrency regardless of identities. Zero
	// means no venue-side cap.
	VenueCeiling int
}

// BatchResult is the outcome of one dispatched batch.
type BatchResult struct {
	BatchID  uint64
	Pair     domain.TradePair
	Quote    domain.BatchQuote
	Err      error
	Identity int
	Cooldown time.Duration
	Started  time.Time
	Finished time.Time
}

// PlanStats summarises a set of batches before dispatch.
type PlanStats struct {
	Batches       int
	Pairs         int
	Concurrency   int
	EarliestReady time.Time
	LatestReady   time.Time
	EstimatedWall time.Duration
}

// Dispatcher turns a schedule of quote batches into concurrent quoting work,
// one exclusive lease per batch.
type Dispatcher struct {
	cfg      Config
	alloc    LeaseSource
	quoter   BatchQuoter
	pacer    *Pacer
	recorder domain.Recorder
	logger   *slog.Logger
}

// New creates a Dispatcher. A nil recorder discards events.
func New(cfg Config, alloc LeaseSource, quoter BatchQuoter, recorder domain.Recorder, logger *slog.Logger) *Dispatcher {
	if cfg.Cadence.Default.MaxConcurrentSlots <= 0 {
		cfg.Cadence.Default.MaxConcurrentSlots = 1
	}
	if recorder == nil {
		recorder = domain.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		alloc:    alloc,
		quoter:   quoter,
		pacer:    NewPacer(),
		recorder: recorder,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Pacer exposes the per-pair pacer.
func (d *Dispatcher) Pacer() *Pacer { return d.pacer }

// Plan computes dispatch statistics for batches without running them.
func (d *Dispatcher) Plan(batches []domain.QuoteBatchPlan) PlanStats {
	stats := PlanStats{Batches: len(batches)}
	if len(batches) == 0 {
		return stats
	}

	perPair := make(map[string]int)
	pairs := make(map[string]domain.TradePair)
	for _, b := range batches {
		key := b.Pair.Key()
		perPair[key]++
		pairs[key] = b.Pair
		if stats.EarliestReady.IsZero() || b.ReadyAt.Before(stats.EarliestReady) {
			stats.EarliestReady = b.ReadyAt
		}
		if b.ReadyAt.After(stats.LatestReady) {
			stats.LatestReady = b.ReadyAt
		}
	}
	stats.Pairs = len(perPair)
	stats.Concurrency = d.concurrency(batches)

	var wall time.Duration
	for key, n := range perPair {
		c := d.cfg.Cadence.For(pairs[key])
		if w := time.Duration(n-1) * c.ProcessDelay; w > wall {
			wall = w
		}
	}
	if lead := time.Until(stats.LatestReady); lead > wall {
		wall = lead
	}
	stats.EstimatedWall = wall
	return stats
}

// Dispatch runs batches and streams one result per batch. The channel is
// closed once every batch has produced a result.
func (d *Dispatcher) Dispatch(ctx context.Context, batches []domain.QuoteBatchPlan) <-chan BatchResult {
	out := make(chan BatchResult, len(batches))
	if len(batches) == 0 {
		close(out)
		return out
	}

	ordered := make([]domain.QuoteBatchPlan, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ReadyAt.Before(ordered[j].ReadyAt) })

	workers := d.concurrency(ordered)
	sems := d.pairSemaphores(ordered)
	queue := make(chan domain.QuoteBatchPlan)

	d.logger.DebugContext(ctx, "dispatching batches",
		slog.Int("batches", len(ordered)),
		slog.Int("workers", workers),
	)

	go func() {
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for b := range queue {
					out <- d.runBatch(ctx, b, sems[b.Pair.Key()])
				}
			}()
		}

		sent := 0
	feed:
		for _, b := range ordered {
			select {
			case queue <- b:
				sent++
			case <-ctx.Done():
				break feed
			}
		}
		close(queue)
		for _, b := range ordered[sent:] {
			out <- BatchResult{
				BatchID:  b.BatchID,
				Pair:     b.Pair,
				Identity: -1,
				Err:      fmt.Errorf("dispatch: batch %d not started: %w", b.BatchID, ctx.Err()),
			}
		}
		wg.Wait()
		close(out)
	}()
	return out
}

func (d *Dispatcher) runBatch(ctx context.Context, b domain.QuoteBatchPlan, sem chan struct{}) BatchResult {
	res := BatchResult{BatchID: b.BatchID, Pair: b.Pair, Identity: -1}
	cad := d.cfg.Cadence.For(b.Pair)

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		res.Err = fmt.Errorf("dispatch: batch %d: %w", b.BatchID, ctx.Err())
		return res
	}

	if err := d.pacer.Wait(ctx, b.Pair, b.ReadyAt, cad.ProcessDelay); err != nil {
		res.Err = fmt.Errorf("dispatch: batch %d: wait for pair: %w", b.BatchID, err)
		return res
	}

	bctx := ctx
	if cad.BatchTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, cad.BatchTimeout)
		defer cancel()
	}

	res.Started = time.Now()
	lease, err := d.alloc.Acquire(bctx, domain.Task{Kind: domain.TaskQuoteBatch}, domain.LeaseEphemeral)
	if err != nil {
		res.Err = fmt.Errorf("dispatch: batch %d: %w", b.BatchID, err)
		res.Finished = time.Now()
		d.record(ctx, domain.EventBatchCompleted, b, "", "no_identity", res)
		return res
	}
	res.Identity = lease.IdentityID()
	identity := "default"
	if ip := lease.IP(); ip != nil {
		identity = ip.String()
	}
	d.record(ctx, domain.EventBatchDispatched, b, identity, "", res)

	func() {
		defer func() { res.Cooldown = lease.Release() }()
		res.Quote, err = d.quoter.QuoteBatch(bctx, b, lease)
		if err != nil {
			network.Observe(lease, err)
		}
	}()
	res.Finished = time.Now()

	if res.Cooldown > 0 {
		d.pacer.Defer(b.Pair, res.Cooldown)
	}
	d.pacer.Defer(b.Pair, cad.ProcessDelay)

	result := "ok"
	if err != nil {
		res.Err = fmt.Errorf("dispatch: batch %d: %w", b.BatchID, err)
		result = "error"
		d.logger.WarnContext(ctx, "batch failed",
			slog.Uint64("batch_id", b.BatchID),
			slog.String("pair", b.Pair.Key()),
			slog.Int("identity", res.Identity),
			slog.String("error", err.Error()),
		)
	}
	d.record(ctx, domain.EventBatchCompleted, b, identity, result, res)
	return res
}

func (d *Dispatcher) record(ctx context.Context, name domain.EventName, b domain.QuoteBatchPlan, identity, result string, res BatchResult) {
	ev := domain.Event{
		Name:     name,
		TaskKind: domain.TaskQuoteBatch,
		Identity: identity,
		BatchID:  b.BatchID,
		Result:   result,
		Attrs:    map[string]string{"pair": b.Pair.Key()},
	}
	if !res.Finished.IsZero() && !res.Started.IsZero() {
		ev.Value = res.Finished.Sub(res.Started).Seconds()
	}
	d.recorder.Record(ctx, ev)
}

// concurrency is min(largest per-pair slot setting, identity capacity,
// venue ceiling, number of batches).
func (d *Dispatcher) concurrency(batches []domain.QuoteBatchPlan) int {
	slots := 0
	for _, b := range batches {
		if s := d.cfg.Cadence.For(b.Pair).MaxConcurrentSlots; s > slots {
			slots = s
		}
	}
	n := slots
	if c := d.alloc.Capacity(); c > 0 && c < n {
		n = c
	}
	if d.cfg.VenueCeiling > 0 && d.cfg.VenueCeiling < n {
		n = d.cfg.VenueCeiling
	}
	if len(batches) < n {
		n = len(batches)
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (d *Dispatcher) pairSemaphores(batches []domain.QuoteBatchPlan) map[string]chan struct{} {
	sems := make(map[string]chan struct{})
	for _, b := range batches {
		key := b.Pair.Key()
		if _, ok := sems[key]; ok {
			continue
		}
		slots := d.cfg.Cadence.For(b.Pair).MaxConcurrentSlots
		if slots < 1 {
			slots = 1
		}
		sems[key] = make(chan struct{}, slots)
	}
	return sems
}

// WaitCycle sleeps for the default cycle cooldown.
func (d *Dispatcher) WaitCycle(ctx context.Context) error {
	cd := d.cfg.Cadence.Default.CycleCooldown
	if cd <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(cd)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Collect drains ch and returns the results ordered by batch id.
func Collect(ch <-chan BatchResult) []BatchResult {
	var out []BatchResult
	for r := range ch {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}
