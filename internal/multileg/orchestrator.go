// Package multileg turns trade-size batches into closed-loop swap candidates.
// Quoting is cheap and done for every route; building instructions is
// expensive and only happens for routes whose quotes already show a profit.
package multileg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/network"
)

// LeaseSource hands out network identities for leg builds.
type LeaseSource interface {
	Acquire(ctx context.Context, task domain.Task, mode domain.LeaseMode) (*network.Lease, error)
}

// Alerter receives operator alerts. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the orchestrator.
type Config struct {
	Pairs       []domain.TradePair
	SlippageBps uint16
	Build       domain.BuildContext
	// PlanConcurrency bounds PlanBatch. Zero means one goroutine per request.
	PlanConcurrency int
	// AllowSameVenue pairs a venue with itself as buy and sell side.
	AllowSameVenue bool
}

// Orchestrator quotes routes, prefilters them on gross profit and builds the
// survivors into ClosedLoopCandidates.
type Orchestrator struct {
	cfg       Config
	providers map[domain.VenueKind]domain.VenueProvider
	order     []domain.VenueKind
	alloc     LeaseSource
	tables    domain.LookupTableResolver
	limiter   *StreamLimiter
	alerter   Alerter
	recorder  domain.Recorder
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	skeletons []domain.Route
}

// New creates an Orchestrator. tables may be nil when no venue returns lookup
// tables; limiter may be nil when no venue streams.
func New(
	cfg Config,
	providers []domain.VenueProvider,
	alloc LeaseSource,
	tables domain.LookupTableResolver,
	limiter *StreamLimiter,
	recorder domain.Recorder,
	logger *slog.Logger,
) *Orchestrator {
	if recorder == nil {
		recorder = domain.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewStreamLimiter(2, 200*time.Millisecond)
	}
	o := &Orchestrator{
		cfg:       cfg,
		providers: make(map[domain.VenueKind]domain.VenueProvider, len(providers)),
		alloc:     alloc,
		tables:    tables,
		limiter:   limiter,
		recorder:  recorder,
		logger:    logger.With(slog.String("component", "multileg")),
		now:       time.Now,
	}
	for _, p := range providers {
		if _, dup := o.providers[p.Kind()]; dup {
			continue
		}
		o.providers[p.Kind()] = p
		o.order = append(o.order, p.Kind())
	}
	return o
}

// SetAlerter enables alerts on loop closure mismatches.
func (o *Orchestrator) SetAlerter(a Alerter) { o.alerter = a }

// Routes returns every route the orchestrator will quote: the buy x sell
// pairings for each configured pair followed by accepted skeletons.
func (o *Orchestrator) Routes() []domain.Route {
	var out []domain.Route
	for _, pair := range o.cfg.Pairs {
		out = append(out, o.pairRoutes(pair)...)
	}
	o.mu.RLock()
	out = append(out, o.skeletons...)
	o.mu.RUnlock()
	return out
}

func (o *Orchestrator) routesFor(pair domain.TradePair) []domain.Route {
	out := o.pairRoutes(pair)
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, r := range o.skeletons {
		if r.Start() == pair.Base {
			out = append(out, r)
		}
	}
	return out
}

func (o *Orchestrator) pairRoutes(pair domain.TradePair) []domain.Route {
	var out []domain.Route
	for _, bk := range o.order {
		if !o.providers[bk].Capabilities().Has(domain.CanBuy) {
			continue
		}
		for _, sk := range o.order {
			if !o.providers[sk].Capabilities().Has(domain.CanSell) {
				continue
			}
			if bk == sk && !o.cfg.AllowSameVenue {
				continue
			}
			out = append(out, domain.Route{Legs: []domain.RouteLeg{
				{Venue: bk, InputAsset: pair.Base, OutputAsset: pair.Quote},
				{Venue: sk, InputAsset: pair.Quote, OutputAsset: pair.Base},
			}})
		}
	}
	return out
}

// AcceptSkeletons adds cold-start routes. Skeletons that do not close, name an
// unknown venue or duplicate a known route are skipped. It returns how many
// were accepted along with the reasons for the rest.
func (o *Orchestrator) AcceptSkeletons(skeletons []domain.RouteSkeleton) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	known := make(map[string]struct{}, len(o.skeletons))
	for _, r := range o.skeletons {
		known[r.Key()] = struct{}{}
	}
	for _, pair := range o.cfg.Pairs {
		for _, r := range o.pairRoutes(pair) {
			known[r.Key()] = struct{}{}
		}
	}

	var errs []error
	accepted := 0
	for i, s := range skeletons {
		r, err := s.Route()
		if err != nil {
			errs = append(errs, fmt.Errorf("skeleton %d: %w", i, err))
			continue
		}
		if err := o.checkVenues(r); err != nil {
			errs = append(errs, fmt.Errorf("skeleton %d: %w", i, err))
			continue
		}
		if _, dup := known[r.Key()]; dup {
			continue
		}
		known[r.Key()] = struct{}{}
		o.skeletons = append(o.skeletons, r)
		accepted++
	}
	if len(errs) > 0 {
		return accepted, fmt.Errorf("multileg: accept skeletons: %w", errors.Join(errs...))
	}
	return accepted, nil
}

// Catalog returns every known route as a skeleton stamped with the current
// time, for persisting a cold-start snapshot.
func (o *Orchestrator) Catalog() []domain.RouteSkeleton {
	routes := o.Routes()
	now := o.now().UTC()
	out := make([]domain.RouteSkeleton, len(routes))
	for i, r := range routes {
		out[i] = domain.SkeletonOf(r)
		out[i].SeenAt = now
	}
	return out
}

func (o *Orchestrator) checkVenues(r domain.Route) error {
	for i, leg := range r.Legs {
		p, ok := o.providers[leg.Venue]
		if !ok {
			return fmt.Errorf("venue %q not configured: %w", leg.Venue, domain.ErrNoRoute)
		}
		need := domain.CanSell
		if i == 0 {
			need = domain.CanBuy
		}
		if !p.Capabilities().Has(need) {
			return fmt.Errorf("venue %q cannot fill leg %d: %w", leg.Venue, i, domain.ErrNoRoute)
		}
	}
	return nil
}

// QuoteBatch quotes every route for the batch pair on lease. Routes that fail
// are reported in Failures; the error is non-nil only when nothing quoted.
func (o *Orchestrator) QuoteBatch(ctx context.Context, batch domain.QuoteBatchPlan, lease domain.LeaseHandle) (domain.BatchQuote, error) {
	bq := domain.BatchQuote{Batch: batch}
	routes := o.routesFor(batch.Pair)
	if len(routes) == 0 {
		return bq, fmt.Errorf("multileg: batch %d pair %s: %w", batch.BatchID, batch.Pair.Key(), domain.ErrNoRoute)
	}

	var firstErr error
	for _, r := range routes {
		rq, err := o.QuoteRoute(ctx, r, batch.TradeSize, lease)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bq.Failures = append(bq.Failures, domain.RouteFailure{Route: r, Stage: "quote", Err: err})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		rq.BatchID = batch.BatchID
		bq.Quotes = append(bq.Quotes, rq)
	}
	if len(bq.Quotes) == 0 {
		return bq, fmt.Errorf("multileg: batch %d: all %d routes failed: %w", batch.BatchID, len(routes), firstErr)
	}
	return bq, nil
}

// QuoteRoute quotes the legs of r in order, feeding each leg's guaranteed
// output into the next leg's input.
func (o *Orchestrator) QuoteRoute(ctx context.Context, r domain.Route, amount uint64, lease domain.LeaseHandle) (domain.RouteQuote, error) {
	rq := domain.RouteQuote{Route: r}
	if err := r.CheckClosure(); err != nil {
		return rq, fmt.Errorf("multileg: quote %s: %w", r.Key(), err)
	}
	if err := o.checkVenues(r); err != nil {
		return rq, fmt.Errorf("multileg: quote %s: %w", r.Key(), err)
	}

	rq.Quotes = make([]domain.LegQuote, 0, len(r.Legs))
	in := amount
	for i, leg := range r.Legs {
		p := o.providers[leg.Venue]
		intent := domain.TradeIntent{
			InputAsset:  leg.InputAsset,
			OutputAsset: leg.OutputAsset,
			Amount:      in,
			SwapMode:    domain.SwapExactIn,
			SlippageBps: o.cfg.SlippageBps,
		}
		q, err := o.quoteLeg(ctx, p, intent, lease)
		if err != nil {
			return rq, fmt.Errorf("multileg: quote leg %d on %s: %w", i, leg.Venue, err)
		}
		if q.AmountOut == 0 {
			return rq, fmt.Errorf("multileg: quote leg %d on %s: zero output", i, leg.Venue)
		}
		if q.Venue == "" {
			q.Venue = leg.Venue
		}
		rq.Quotes = append(rq.Quotes, q)
		in = q.ChainAmount()
	}
	return rq, nil
}

func (o *Orchestrator) quoteLeg(ctx context.Context, p domain.VenueProvider, intent domain.TradeIntent, lease domain.LeaseHandle) (domain.LegQuote, error) {
	var q domain.LegQuote
	call := func(ctx context.Context) error {
		var err error
		start := o.now()
		q, err = p.Quote(ctx, intent, lease)
		if err == nil && q.Latency == 0 {
			q.Latency = o.now().Sub(start)
		}
		return network.Observe(lease, err)
	}
	if p.Streaming() {
		return q, o.limiter.Do(ctx, call)
	}
	return q, call(ctx)
}

// BuildRoute turns a profitable RouteQuote into a candidate. It refuses
// quotes with non-positive gross profit, builds every leg concurrently on its
// own lease, and resolves the union of lookup tables once.
func (o *Orchestrator) BuildRoute(ctx context.Context, rq domain.RouteQuote) (domain.ClosedLoopCandidate, error) {
	key := rq.Route.Key()
	gross := rq.GrossProfit()
	if len(rq.Quotes) != len(rq.Route.Legs) || len(rq.Quotes) < 2 {
		return domain.ClosedLoopCandidate{}, fmt.Errorf("multileg: build %s: %w",
			key, &domain.Rejection{Reason: domain.RejectMalformedLoop, Detail: fmt.Sprintf("%d quotes for %d legs", len(rq.Quotes), len(rq.Route.Legs))})
	}
	if gross <= 0 {
		o.recorder.Record(ctx, domain.Event{Name: domain.EventQuotePrefiltered, BatchID: rq.BatchID, Result: "rejected", Value: float64(gross)})
		return domain.ClosedLoopCandidate{}, fmt.Errorf("multileg: build %s: %w",
			key, &domain.Rejection{Reason: domain.RejectBelowThreshold, NetProfit: gross, Detail: "quoted gross profit is not positive"})
	}
	o.recorder.Record(ctx, domain.Event{Name: domain.EventQuotePrefiltered, BatchID: rq.BatchID, Result: "passed", Value: float64(gross)})
	if err := expired(rq.Quotes, o.now()); err != nil {
		return domain.ClosedLoopCandidate{}, fmt.Errorf("multileg: build %s: %w", key, err)
	}

	legs := make([]domain.LegPlan, len(rq.Quotes))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range rq.Quotes {
		leg := rq.Route.Legs[i]
		side := rq.Route.SideOf(i)
		g.Go(func() error {
			plan, err := o.buildLeg(gctx, leg, side, q)
			if err != nil {
				return fmt.Errorf("multileg: build leg %d on %s: %w", i, leg.Venue, err)
			}
			legs[i] = plan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.ClosedLoopCandidate{}, err
	}

	quotes := make([]domain.LegQuote, len(legs))
	for i, l := range legs {
		quotes[i] = l.Quote
	}
	if err := expired(quotes, o.now()); err != nil {
		return domain.ClosedLoopCandidate{}, fmt.Errorf("multileg: build %s: %w", key, err)
	}

	cand := domain.ClosedLoopCandidate{
		ID:      uuid.NewString(),
		BatchID: rq.BatchID,
		Route:   rq.Route,
		Legs:    legs,
		BuiltAt: o.now(),
	}
	if err := cand.CheckClosure(); err != nil {
		o.alertMismatch(ctx, cand, err)
		return domain.ClosedLoopCandidate{}, fmt.Errorf("multileg: build %s: %w", key, err)
	}

	fees := cand.PrioritizationFees()
	if net := cand.GrossProfit() - int64(fees); net <= 0 {
		return domain.ClosedLoopCandidate{}, fmt.Errorf("multileg: build %s: %w", key, &domain.Rejection{
			Reason:    domain.RejectBelowThreshold,
			NetProfit: net,
			Detail:    fmt.Sprintf("built gross %d does not cover %d in priority fees", cand.GrossProfit(), fees),
		})
	}

	if tables := lookupTables(legs); len(tables) > 0 && o.tables != nil {
		resolved, err := o.tables.Resolve(ctx, tables)
		if err != nil {
			return domain.ClosedLoopCandidate{}, fmt.Errorf("multileg: build %s: resolve lookup tables: %w", key, err)
		}
		cand.ResolvedTables = resolved
	}
	return cand, nil
}

func (o *Orchestrator) buildLeg(ctx context.Context, leg domain.RouteLeg, side domain.LegSide, q domain.LegQuote) (domain.LegPlan, error) {
	p, ok := o.providers[leg.Venue]
	if !ok {
		return domain.LegPlan{}, fmt.Errorf("venue %q: %w", leg.Venue, domain.ErrNoRoute)
	}
	lease, err := o.alloc.Acquire(ctx, domain.Task{Kind: domain.TaskMultiLegLeg, Venue: leg.Venue, Side: side}, domain.LeaseEphemeral)
	if err != nil {
		return domain.LegPlan{}, err
	}
	defer lease.Release()

	var plan domain.LegPlan
	call := func(ctx context.Context) error {
		var err error
		plan, err = p.Build(ctx, q, o.cfg.Build, lease)
		return network.Observe(lease, err)
	}
	if p.Streaming() {
		err = o.limiter.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.LegPlan{}, err
	}
	if plan.Quote.AmountIn == 0 && plan.Quote.AmountOut == 0 {
		plan.Quote = q
	}
	if plan.Quote.Venue == "" {
		plan.Quote.Venue = leg.Venue
	}
	plan.Side = side
	return plan, nil
}

func (o *Orchestrator) alertMismatch(ctx context.Context, cand domain.ClosedLoopCandidate, cause error) {
	o.logger.ErrorContext(ctx, "loop closure mismatch",
		slog.String("route", cand.Route.Key()),
		slog.String("candidate_id", cand.ID),
		slog.String("error", cause.Error()),
	)
	if o.alerter == nil {
		return
	}
	msg := fmt.Sprintf("route %s\ncandidate %s\n%v", cand.Route.Key(), cand.ID, cause)
	if err := o.alerter.Notify(ctx, "loop_mismatch", "Loop closure mismatch", msg); err != nil {
		o.logger.WarnContext(ctx, "mismatch alert failed", slog.String("error", err.Error()))
	}
}

// PlanRoute quotes r on a fresh lease, prefilters and builds it.
func (o *Orchestrator) PlanRoute(ctx context.Context, r domain.Route, amount uint64) (domain.ClosedLoopCandidate, error) {
	rq, err := o.quoteOnLease(ctx, r, amount)
	if err != nil {
		return domain.ClosedLoopCandidate{}, err
	}
	return o.BuildRoute(ctx, rq)
}

// quoteOnLease holds the quote lease only while quoting so the leg builds can
// use the same identity.
func (o *Orchestrator) quoteOnLease(ctx context.Context, r domain.Route, amount uint64) (domain.RouteQuote, error) {
	lease, err := o.alloc.Acquire(ctx, domain.Task{Kind: domain.TaskQuoteBuy}, domain.LeaseEphemeral)
	if err != nil {
		return domain.RouteQuote{}, fmt.Errorf("multileg: quote %s: %w", r.Key(), err)
	}
	defer lease.Release()
	return o.QuoteRoute(ctx, r, amount, lease)
}

// PlanBatch plans every request concurrently and reports successes and
// failures together.
func (o *Orchestrator) PlanBatch(ctx context.Context, reqs []domain.PlanRequest) domain.PlanBatchResult {
	cands := make([]*domain.ClosedLoopCandidate, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	if o.cfg.PlanConcurrency > 0 {
		g.SetLimit(o.cfg.PlanConcurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			c, err := o.PlanRoute(ctx, req.Route, req.Amount)
			if err != nil {
				errs[i] = err
				return nil
			}
			c.BatchID = req.BatchID
			cands[i] = &c
			return nil
		})
	}
	_ = g.Wait()

	var res domain.PlanBatchResult
	for i := range reqs {
		if cands[i] != nil {
			res.Candidates = append(res.Candidates, *cands[i])
			continue
		}
		res.Failures = append(res.Failures, domain.RouteFailure{Route: reqs[i].Route, Stage: "plan", Err: errs[i]})
	}
	return res
}

func expired(quotes []domain.LegQuote, now time.Time) error {
	for i, q := range quotes {
		if q.Expired(now) {
			return fmt.Errorf("leg %d quote from %s expired at %s: %w",
				i, q.Venue, q.ExpiresAt.Format(time.RFC3339Nano), domain.ErrQuoteExpired)
		}
	}
	return nil
}

// lookupTables returns the de-duplicated union of every leg's tables in
// first-seen order.
func lookupTables(legs []domain.LegPlan) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range legs {
		for _, t := range l.LookupTables {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
