// Package executor runs the engine loop: schedule a cycle of quote batches,
// dispatch them, prefilter and build the quoted routes, evaluate the built
// candidates, then plan and submit the best opportunity of each batch.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/solarb/internal/dispatch"
	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/profit"
	"github.com/alanyoungcy/solarb/internal/strategy"
)

// Mode selects how far down the pipeline a cycle goes.
type Mode string

const (
	ModeLive      Mode = "live"
	ModeDryRun    Mode = "dry_run"
	ModeQuoteOnly Mode = "quote_only"
)

// ParseMode accepts the config spellings.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLive, ModeDryRun, ModeQuoteOnly:
		return Mode(s), nil
	case "dry-run", "dryrun":
		return ModeDryRun, nil
	case "quote-only", "quoteonly":
		return ModeQuoteOnly, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Dispatcher runs a cycle's batches concurrently.
type Dispatcher interface {
	Plan(batches []domain.QuoteBatchPlan) dispatch.PlanStats
	Dispatch(ctx context.Context, batches []domain.QuoteBatchPlan) <-chan dispatch.BatchResult
	WaitCycle(ctx context.Context) error
}

// Builder turns a quoted route into a buildable candidate.
type Builder interface {
	BuildRoute(ctx context.Context, rq domain.RouteQuote) (domain.ClosedLoopCandidate, error)
}

// Evaluator prefilters quotes and evaluates built candidates.
type Evaluator interface {
	Prefilter(rq domain.RouteQuote) error
	EvaluateAll(ctx context.Context, cands []domain.ClosedLoopCandidate) ([]domain.ExecutionOpportunity, []profit.Rejected)
}

// Planner signs the transaction variants of an opportunity.
type Planner interface {
	Plan(ctx context.Context, opp domain.ExecutionOpportunity, strategy domain.DispatchStrategy, layout []domain.BackendLayout) (domain.DispatchPlan, error)
}

// Submitter delivers a plan through the lander stack.
type Submitter interface {
	Layout() []domain.BackendLayout
	SubmitPlan(ctx context.Context, plan domain.DispatchPlan, deadline time.Time) (domain.Receipt, error)
}

// ExecutionRecorder persists outcomes. service.ExecutionService satisfies it.
type ExecutionRecorder interface {
	NewRecord(opp domain.ExecutionOpportunity, strategy domain.DispatchStrategy, started time.Time) domain.ExecutionRecord
	Complete(rec *domain.ExecutionRecord, plan domain.DispatchPlan, receipt domain.Receipt, err error)
	Record(ctx context.Context, rec domain.ExecutionRecord) error
}

// Config tunes the executor.
type Config struct {
	Mode     Mode
	Strategy domain.DispatchStrategy
	// SubmitBudget is the wall-clock budget for delivering one signed plan.
	SubmitBudget time.Duration
	// PerBatch caps how many opportunities of one batch are submitted.
	PerBatch int
	// BatchWorkers bounds how many batch results are processed at once.
	BatchWorkers int
	DedupTTL     time.Duration
	// LockTTL is how long the cross-instance submission lock is held at
	// most. Zero disables locking even when a lock manager is set.
	LockTTL time.Duration
}

// Stats are cumulative counters since start.
type Stats struct {
	Cycles     uint64
	Batches    uint64
	Quotes     uint64
	Prefilter  uint64
	Built      uint64
	Accepted   uint64
	Duplicates uint64
	Submitted  uint64
	Landed     uint64
	Failed     uint64
}

type counters struct {
	cycles     atomic.Uint64
	batches    atomic.Uint64
	quotes     atomic.Uint64
	prefilter  atomic.Uint64
	built      atomic.Uint64
	accepted   atomic.Uint64
	duplicates atomic.Uint64
	submitted  atomic.Uint64
	landed     atomic.Uint64
	failed     atomic.Uint64
}

// Executor drives the pipeline one cycle at a time.
type Executor struct {
	cfg        Config
	schedule   strategy.Scheduler
	dispatcher Dispatcher
	builder    Builder
	evaluator  Evaluator
	planner    Planner
	submitter  Submitter
	recorder   ExecutionRecorder
	locks      domain.LockManager
	dedup      *Dedup
	logger     *slog.Logger
	stats      counters
}

// New creates an Executor.
func New(
	cfg Config,
	schedule strategy.Scheduler,
	dispatcher Dispatcher,
	builder Builder,
	evaluator Evaluator,
	planner Planner,
	submitter Submitter,
	recorder ExecutionRecorder,
	logger *slog.Logger,
) *Executor {
	if cfg.Mode == "" {
		cfg.Mode = ModeLive
	}
	if cfg.Strategy == "" {
		cfg.Strategy = domain.OneByOne
	}
	if cfg.SubmitBudget <= 0 {
		cfg.SubmitBudget = 300 * time.Millisecond
	}
	if cfg.PerBatch <= 0 {
		cfg.PerBatch = 1
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 8
	}
	return &Executor{
		cfg:        cfg,
		schedule:   schedule,
		dispatcher: dispatcher,
		builder:    builder,
		evaluator:  evaluator,
		planner:    planner,
		submitter:  submitter,
		recorder:   recorder,
		dedup:      NewDedup(cfg.DedupTTL),
		logger:     logger.With(slog.String("component", "executor"), slog.String("mode", string(cfg.Mode))),
	}
}

// SetLockManager enables the cross-instance submission lock.
func (e *Executor) SetLockManager(l domain.LockManager) { e.locks = l }

// Stats returns a copy of the counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Cycles:     e.stats.cycles.Load(),
		Batches:    e.stats.batches.Load(),
		Quotes:     e.stats.quotes.Load(),
		Prefilter:  e.stats.prefilter.Load(),
		Built:      e.stats.built.Load(),
		Accepted:   e.stats.accepted.Load(),
		Duplicates: e.stats.duplicates.Load(),
		Submitted:  e.stats.submitted.Load(),
		Landed:     e.stats.landed.Load(),
		Failed:     e.stats.failed.Load(),
	}
}

// Run repeats cycles until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "executor started", slog.String("strategy", string(e.cfg.Strategy)))
	defer e.logger.Info("executor stopped")

	for {
		n, err := e.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.WarnContext(ctx, "cycle failed", slog.String("error", err.Error()))
		}
		if n == 0 {
			if err := sleep(ctx, idleDelay); err != nil {
				return err
			}
		}
		if err := e.dispatcher.WaitCycle(ctx); err != nil {
			return err
		}
		e.dedup.Cleanup()
	}
}

// idleDelay is the pause after a cycle with nothing scheduled.
const idleDelay = time.Second

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunCycle dispatches one schedule and processes every batch result. It
// returns the number of batches once all of them have been handled.
func (e *Executor) RunCycle(ctx context.Context) (int, error) {
	batches := e.schedule.Next(time.Now())
	if len(batches) == 0 {
		return 0, nil
	}
	e.stats.cycles.Add(1)

	stats := e.dispatcher.Plan(batches)
	e.logger.DebugContext(ctx, "dispatching cycle",
		slog.Int("batches", stats.Batches),
		slog.Int("pairs", stats.Pairs),
		slog.Int("concurrency", stats.Concurrency),
		slog.Duration("estimated_wall", stats.EstimatedWall),
	)

	var g errgroup.Group
	g.SetLimit(e.cfg.BatchWorkers)
	for res := range e.dispatcher.Dispatch(ctx, batches) {
		g.Go(func() error {
			e.handleBatch(ctx, res)
			return nil
		})
	}
	_ = g.Wait()
	return len(batches), ctx.Err()
}

func (e *Executor) handleBatch(ctx context.Context, res dispatch.BatchResult) {
	e.stats.batches.Add(1)
	log := e.logger.With(
		slog.Uint64("batch_id", res.BatchID),
		slog.String("pair", res.Pair.Key()),
	)
	if res.Err != nil {
		level := slog.LevelWarn
		if errors.Is(res.Err, context.Canceled) {
			level = slog.LevelDebug
		}
		log.Log(ctx, level, "batch failed",
			slog.String("error", res.Err.Error()),
			slog.Duration("cooldown", res.Cooldown),
		)
		return
	}
	for _, f := range res.Quote.Failures {
		log.DebugContext(ctx, "route failed",
			slog.String("route", f.Route.Key()),
			slog.String("stage", f.Stage),
			slog.String("error", f.Err.Error()),
		)
	}

	var candidates []domain.ClosedLoopCandidate
	for _, rq := range res.Quote.Quotes {
		e.stats.quotes.Add(1)
		if err := e.evaluator.Prefilter(rq); err != nil {
			continue
		}
		e.stats.prefilter.Add(1)
		if e.cfg.Mode == ModeQuoteOnly {
			log.InfoContext(ctx, "quote passed prefilter",
				slog.String("route", rq.Route.Key()),
				slog.Uint64("amount_in", rq.Quotes[0].AmountIn),
				slog.Int64("gross_profit", rq.GrossProfit()),
			)
			continue
		}
		cand, err := e.builder.BuildRoute(ctx, rq)
		if err != nil {
			log.DebugContext(ctx, "build failed",
				slog.String("route", rq.Route.Key()),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.stats.built.Add(1)
		candidates = append(candidates, cand)
	}
	if len(candidates) == 0 {
		return
	}

	opps, rejected := e.evaluator.EvaluateAll(ctx, candidates)
	for _, r := range rejected {
		log.DebugContext(ctx, "candidate rejected",
			slog.String("candidate_id", r.Candidate.ID),
			slog.String("reason", r.Err.Error()),
		)
	}
	for i, opp := range opps {
		if i >= e.cfg.PerBatch {
			break
		}
		e.stats.accepted.Add(1)
		e.execute(ctx, opp, log)
	}
}

func dedupKey(opp domain.ExecutionOpportunity) string {
	return opp.Candidate.Route.Key() + "#" + strconv.FormatUint(opp.Candidate.AmountIn(), 10)
}

func (e *Executor) execute(ctx context.Context, opp domain.ExecutionOpportunity, log *slog.Logger) {
	key := dedupKey(opp)
	log = log.With(
		slog.String("candidate_id", opp.Candidate.ID),
		slog.String("route", opp.Candidate.Route.Key()),
		slog.Int64("net_profit", opp.NetProfit),
	)
	if e.dedup.IsDuplicate(key) {
		e.stats.duplicates.Add(1)
		log.DebugContext(ctx, "duplicate opportunity suppressed")
		return
	}

	started := time.Now()
	plan, err := e.planner.Plan(ctx, opp, e.cfg.Strategy, e.submitter.Layout())
	if err != nil {
		e.dedup.Forget(key)
		log.WarnContext(ctx, "planning failed", slog.String("error", err.Error()))
		return
	}
	rec := e.recorder.NewRecord(opp, e.cfg.Strategy, started)

	if e.cfg.Mode == ModeDryRun {
		e.recorder.Complete(&rec, plan, domain.Receipt{}, nil)
		log.InfoContext(ctx, "dry run: plan signed, not submitted", slog.Int("variants", plan.Count()))
		e.persist(ctx, rec, log)
		return
	}

	if e.locks != nil && e.cfg.LockTTL > 0 {
		unlock, err := e.locks.Acquire(ctx, "submit:"+string(opp.Candidate.InputAsset()), e.cfg.LockTTL)
		if err != nil {
			log.InfoContext(ctx, "submission lock unavailable", slog.String("error", err.Error()))
			rec.Status = domain.ExecutionSkipped
			rec.Error = err.Error()
			rec.Variants = plan.Count()
			rec.CompletedAt = time.Now().UTC()
			e.persist(ctx, rec, log)
			return
		}
		defer unlock()
	}

	e.stats.submitted.Add(1)
	receipt, err := e.submitter.SubmitPlan(ctx, plan, time.Now().Add(e.cfg.SubmitBudget))
	e.recorder.Complete(&rec, plan, receipt, err)
	if err != nil {
		e.stats.failed.Add(1)
	} else {
		e.stats.landed.Add(1)
	}
	e.persist(ctx, rec, log)
}

func (e *Executor) persist(ctx context.Context, rec domain.ExecutionRecord, log *slog.Logger) {
	// Recorded even when ctx was cancelled mid-submission.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.recorder.Record(ctx, rec); err != nil {
		log.ErrorContext(ctx, "record execution failed", slog.String("error", err.Error()))
	}
}
