package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// ExecutionReader is the read side of the execution history.
type ExecutionReader interface {
	GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error)
	SumNetProfit(ctx context.Context, since time.Time) (int64, error)
}

// EventReader pages through a durable event stream.
type EventReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// ExecutionHandler serves execution history endpoints.
type ExecutionHandler struct {
	store  ExecutionReader // optional; when nil every endpoint returns 501
	logger *slog.Logger

	events EventReader
	stream string
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(store ExecutionReader, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logger}
}

// SetEvents serves the execution event stream named stream from events.
func (h *ExecutionHandler) SetEvents(events EventReader, stream string) {
	h.events = events
	h.stream = stream
}

type executionLegView struct {
	Index       int    `json:"index"`
	Venue       string `json:"venue"`
	Side        string `json:"side"`
	InputAsset  string `json:"input_asset"`
	OutputAsset string `json:"output_asset"`
	AmountIn    uint64 `json:"amount_in"`
	AmountOut   uint64 `json:"amount_out"`
	MinOut      uint64 `json:"min_out"`
}

type executionView struct {
	ID          string             `json:"id"`
	CandidateID string             `json:"candidate_id"`
	BatchID     uint64             `json:"batch_id"`
	Route       string             `json:"route"`
	Status      string             `json:"status"`
	Strategy    string             `json:"strategy"`
	Variants    int                `json:"variants"`
	AmountIn    uint64             `json:"amount_in"`
	GrossProfit int64              `json:"gross_profit"`
	PriorityFee uint64             `json:"priority_fee"`
	Tip         uint64             `json:"tip"`
	NetProfit   int64              `json:"net_profit"`
	Backend     string             `json:"backend,omitempty"`
	Endpoint    string             `json:"endpoint,omitempty"`
	Signature   string             `json:"signature,omitempty"`
	Error       string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	Legs        []executionLegView `json:"legs,omitempty"`
}

func toView(rec domain.ExecutionRecord) executionView {
	v := executionView{
		ID:          rec.ID,
		CandidateID: rec.CandidateID,
		BatchID:     rec.BatchID,
		Route:       rec.RouteKey,
		Status:      string(rec.Status),
		Strategy:    string(rec.Strategy),
		Variants:    rec.Variants,
		AmountIn:    rec.AmountIn,
		GrossProfit: rec.GrossProfit,
		PriorityFee: rec.PriorityFee,
		Tip:         rec.Tip,
		NetProfit:   rec.NetProfit,
		Backend:     rec.Backend,
		Endpoint:    rec.Endpoint,
		Signature:   rec.Signature,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	for _, l := range rec.Legs {
		v.Legs = append(v.Legs, executionLegView{
			Index:       l.Index,
			Venue:       string(l.Venue),
			Side:        string(l.Side),
			InputAsset:  string(l.InputAsset),
			OutputAsset: string(l.OutputAsset),
			AmountIn:    l.AmountIn,
			AmountOut:   l.AmountOut,
			MinOut:      l.MinOut,
		})
	}
	return v
}

// ListExecutions returns recent executions with legs.
// GET /api/executions?limit=50
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}
	list, err := h.store.ListRecent(r.Context(), queryLimit(r, 50, 200))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	views := make([]executionView, 0, len(list))
	for _, rec := range list {
		views = append(views, toView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

// GetExecution returns a single execution by id.
// GET /api/executions/{id}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing execution id")
		return
	}
	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get execution failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, toView(rec))
}

// Profit sums landed net profit, in start-asset base units, since a date
// (default: last 24h).
// GET /api/executions/profit?since=2025-01-01
func (h *ExecutionHandler) Profit(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be YYYY-MM-DD")
			return
		}
		since = t
	}
	total, err := h.store.SumNetProfit(r.Context(), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: sum profit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute profit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":      since.Format(time.RFC3339),
		"net_profit": total,
	})
}

type eventView struct {
	ID        string          `json:"id"`
	Execution json.RawMessage `json:"execution"`
}

// Events pages through published execution outcomes after a stream id
// (default: the start of the stream). next is the cursor for the following
// page.
// GET /api/executions/events?after=0&limit=100
func (h *ExecutionHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "execution events not configured")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	msgs, err := h.events.StreamRead(r.Context(), h.stream, after, queryLimit(r, 100, 1000))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read execution events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read execution events")
		return
	}
	views := make([]eventView, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		if !json.Valid(m.Payload) {
			continue
		}
		views = append(views, eventView{ID: m.ID, Execution: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views, "next": next})
}
