// Package service records execution outcomes. One Record call fans out to
// the persistent store, the signal bus and operator alerts; only the store
// write is allowed to fail the call.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/notify"
)

// WrappedSOL is the native-SOL mint; amounts in it are shown in SOL.
const WrappedSOL domain.Asset = "So11111111111111111111111111111111111111112"

// ExecutionStream is the bus stream and channel executions go to.
const ExecutionStream = "executions"

// Alerter is the operator notification hook.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ExecutionService persists and announces execution outcomes.
type ExecutionService struct {
	store   domain.ExecutionStore
	bus     domain.SignalBus
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutionService creates an ExecutionService. Every dependency is
// optional; a service with none of them only logs.
func NewExecutionService(store domain.ExecutionStore, bus domain.SignalBus, alerter Alerter, logger *slog.Logger) *ExecutionService {
	return &ExecutionService{
		store:   store,
		bus:     bus,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "execution_service")),
		now:     time.Now,
	}
}

// NewRecord starts a record for opp. The caller fills in the outcome with
// Complete.
func (s *ExecutionService) NewRecord(opp domain.ExecutionOpportunity, strategy domain.DispatchStrategy, started time.Time) domain.ExecutionRecord {
	c := opp.Candidate
	rec := domain.ExecutionRecord{
		ID:          uuid.NewString(),
		CandidateID: c.ID,
		BatchID:     c.BatchID,
		RouteKey:    c.Route.Key(),
		InputAsset:  c.InputAsset(),
		AmountIn:    c.AmountIn(),
		GrossProfit: opp.GrossProfit,
		PriorityFee: opp.PriorityFee,
		Tip:         opp.Tip,
		NetProfit:   opp.NetProfit,
		Strategy:    strategy,
		StartedAt:   started.UTC(),
		Legs:        make([]domain.ExecutionLeg, 0, len(c.Legs)),
	}
	for i, leg := range c.Legs {
		q := leg.Quote
		rec.Legs = append(rec.Legs, domain.ExecutionLeg{
			Index:       i,
			Venue:       q.Venue,
			Side:        leg.Side,
			InputAsset:  q.Intent.InputAsset,
			OutputAsset: q.Intent.OutputAsset,
			AmountIn:    q.AmountIn,
			AmountOut:   q.AmountOut,
			MinOut:      q.MinOut,
			ProviderRef: q.ProviderRef,
		})
	}
	return rec
}

// Complete stamps the outcome of a submission onto rec. A nil err with an
// empty receipt means the plan was never submitted (dry run).
func (s *ExecutionService) Complete(rec *domain.ExecutionRecord, plan domain.DispatchPlan, receipt domain.Receipt, err error) {
	rec.Variants = plan.Count()
	rec.CompletedAt = s.now().UTC()
	switch {
	case err != nil:
		rec.Status = domain.ExecutionFailed
		rec.Error = err.Error()
	case receipt.Signature == "" && receipt.BundleID == "":
		rec.Status = domain.ExecutionDryRun
	default:
		rec.Status = domain.ExecutionLanded
		rec.Backend = receipt.Backend
		rec.Endpoint = receipt.Endpoint
		rec.Signature = receipt.Signature
		if rec.Signature == "" {
			rec.Signature = receipt.BundleID
		}
	}
}

// Record persists rec, then publishes it and raises the matching alert.
func (s *ExecutionService) Record(ctx context.Context, rec domain.ExecutionRecord) error {
	if s.store != nil {
		if err := s.store.Create(ctx, rec); err != nil {
			return fmt.Errorf("execution_service: create %s: %w", rec.ID, err)
		}
	}

	if s.bus != nil {
		s.publish(ctx, rec)
	}

	log := s.logger.With(
		slog.String("execution_id", rec.ID),
		slog.String("route", rec.RouteKey),
		slog.String("status", string(rec.Status)),
		slog.Int64("net_profit", rec.NetProfit),
	)
	switch rec.Status {
	case domain.ExecutionLanded:
		log.InfoContext(ctx, "execution landed",
			slog.String("backend", rec.Backend),
			slog.String("signature", rec.Signature),
		)
		s.alert(ctx, notify.EventLanded, "Execution landed", fmt.Sprintf(
			"%s\nnet %s via %s\n%s", rec.RouteKey, formatAmount(rec.InputAsset, rec.NetProfit), rec.Backend, rec.Signature))
	case domain.ExecutionFailed:
		log.WarnContext(ctx, "execution failed", slog.String("error", rec.Error))
		s.alert(ctx, notify.EventSubmissionFailed, "Submission failed", fmt.Sprintf(
			"%s\nexpected net %s, %d variant(s)\n%s", rec.RouteKey, formatAmount(rec.InputAsset, rec.NetProfit), rec.Variants, rec.Error))
	default:
		log.InfoContext(ctx, "execution recorded")
	}
	return nil
}

func (s *ExecutionService) publish(ctx context.Context, rec domain.ExecutionRecord) {
	payload, err := json.Marshal(map[string]any{
		"event":        "execution",
		"id":           rec.ID,
		"candidate_id": rec.CandidateID,
		"batch_id":     rec.BatchID,
		"route":        rec.RouteKey,
		"status":       rec.Status,
		"net_profit":   rec.NetProfit,
		"tip":          rec.Tip,
		"backend":      rec.Backend,
		"signature":    rec.Signature,
		"completed_at": rec.CompletedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := s.bus.StreamAppend(ctx, ExecutionStream, payload); err != nil {
		s.logger.WarnContext(ctx, "execution_service: stream append failed",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.Publish(ctx, ExecutionStream, payload); err != nil {
		s.logger.WarnContext(ctx, "execution_service: publish failed",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ExecutionService) alert(ctx context.Context, event, title, message string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "execution_service: alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func formatAmount(asset domain.Asset, amount int64) string {
	if asset == WrappedSOL {
		return notify.FormatSOL(amount)
	}
	short := string(asset)
	if len(short) > 8 {
		short = short[:4] + ".." + short[len(short)-4:]
	}
	return fmt.Sprintf("%d %s", amount, short)
}
