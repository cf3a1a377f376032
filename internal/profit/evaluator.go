// Package profit decides whether a built candidate is worth submitting.
package profit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// Config holds the profitability thresholds. Amounts are in base units of the
// loop's start asset.
type Config struct {
	MinProfit int64
	PerAsset  map[domain.Asset]int64
	// BaseFee is the signature fee charged for the transaction.
	BaseFee uint64
}

// Evaluator computes net profit and accepts or rejects candidates. It is
// deterministic: the same candidate, clock and tip policy give the same
// answer.
type Evaluator struct {
	cfg      Config
	tip      TipPolicy
	recorder domain.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvaluator creates an Evaluator. A nil tip policy pays no tip.
func NewEvaluator(cfg Config, tip TipPolicy, recorder domain.Recorder, logger *slog.Logger) *Evaluator {
	if tip == nil {
		tip = FixedTip(0)
	}
	if recorder == nil {
		recorder = domain.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		cfg:      cfg,
		tip:      tip,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "profit")),
		now:      time.Now,
	}
}

// Threshold is the minimum net profit for loops starting in asset.
func (e *Evaluator) Threshold(asset domain.Asset) int64 {
	if v, ok := e.cfg.PerAsset[asset]; ok {
		return v
	}
	return e.cfg.MinProfit
}

// Prefilter rejects quoted routes that show no gross profit. Anything that
// fails here would fail Evaluate after building too.
func (e *Evaluator) Prefilter(rq domain.RouteQuote) error {
	gross := rq.GrossProfit()
	if gross > 0 {
		return nil
	}
	return &domain.Rejection{
		Reason:    domain.RejectBelowThreshold,
		NetProfit: gross,
		Threshold: e.Threshold(rq.Route.Start()),
		Detail:    fmt.Sprintf("gross %d on %s", gross, rq.Route.Key()),
	}
}

// Evaluate is EvaluateAt with the current time.
func (e *Evaluator) Evaluate(ctx context.Context, c domain.ClosedLoopCandidate) (domain.ExecutionOpportunity, error) {
	return e.EvaluateAt(ctx, c, e.now())
}

// EvaluateAt checks the candidate as of now. Rejections are returned as
// *domain.Rejection with a zero opportunity.
func (e *Evaluator) EvaluateAt(ctx context.Context, c domain.ClosedLoopCandidate, now time.Time) (domain.ExecutionOpportunity, error) {
	if err := c.CheckClosure(); err != nil {
		return e.reject(ctx, c, &domain.Rejection{Reason: domain.RejectMalformedLoop, Detail: err.Error()})
	}
	for i, leg := range c.Legs {
		if leg.Quote.Expired(now) {
			return e.reject(ctx, c, &domain.Rejection{
				Reason: domain.RejectExpiredQuote,
				Detail: fmt.Sprintf("leg %d quote from %s expired", i, leg.Quote.Venue),
			})
		}
	}

	gross := c.GrossProfit()
	fees := c.PrioritizationFees()
	var tip uint64
	if gross > 0 {
		tip = e.tip.Tip(gross)
	}
	net := gross - int64(fees) - int64(e.cfg.BaseFee) - int64(tip)
	threshold := e.Threshold(c.InputAsset())

	if gross <= 0 || net < threshold {
		return e.reject(ctx, c, &domain.Rejection{
			Reason:    domain.RejectBelowThreshold,
			NetProfit: net,
			Threshold: threshold,
			Detail:    fmt.Sprintf("gross %d fees %d base %d tip %d", gross, fees, e.cfg.BaseFee, tip),
		})
	}

	e.recorder.Record(ctx, domain.Event{
		Name:    domain.EventCandidateAccepted,
		BatchID: c.BatchID,
		Result:  "accepted",
		Value:   float64(net),
	})
	e.logger.DebugContext(ctx, "candidate accepted",
		slog.String("candidate_id", c.ID),
		slog.String("route", c.Route.Key()),
		slog.Int64("gross", gross),
		slog.Int64("net", net),
		slog.Uint64("tip", tip),
	)
	return domain.ExecutionOpportunity{
		Candidate:   c,
		GrossProfit: gross,
		PriorityFee: fees,
		BaseFee:     e.cfg.BaseFee,
		Tip:         tip,
		NetProfit:   net,
		Threshold:   threshold,
		EvaluatedAt: now,
	}, nil
}

func (e *Evaluator) reject(ctx context.Context, c domain.ClosedLoopCandidate, r *domain.Rejection) (domain.ExecutionOpportunity, error) {
	e.recorder.Record(ctx, domain.Event{
		Name:    domain.EventCandidateRejected,
		BatchID: c.BatchID,
		Result:  string(r.Reason),
		Value:   float64(r.NetProfit),
	})
	return domain.ExecutionOpportunity{}, r
}
