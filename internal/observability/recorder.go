// Package observability turns engine events into Prometheus series and log
// lines. Call sites only see domain.Recorder.
package observability

import (
	"context"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// Nop discards events.
type Nop = domain.NopRecorder

// PromRecorder counts events per name and task kind and observes event
// values (latencies in seconds, amounts in lamports) in summaries.
type PromRecorder struct {
	events   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	lamports *prometheus.SummaryVec
	leases   *prometheus.GaugeVec
}

// Compile-time interface check.
var _ domain.Recorder = (*PromRecorder)(nil)

// NewPromRecorder registers its collectors on reg.
func NewPromRecorder(namespace string, reg prometheus.Registerer) (*PromRecorder, error) {
	if namespace == "" {
		namespace = "solarb"
	}
	r := &PromRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events by name, task kind and result",
		}, []string{"event", "task_kind", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of batches and submissions",
			Buckets:   []float64{.01, .025, .05, .1, .15, .2, .3, .5, 1, 2},
		}, []string{"event"}),
		lamports: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "candidate_net_lamports",
			Help:       "Net profit of evaluated candidates",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"result"}),
		leases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identity_leases_held",
			Help:      "Leases currently held per identity",
		}, []string{"identity"}),
	}
	for _, c := range []prometheus.Collector{r.events, r.latency, r.lamports, r.leases} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Record implements domain.Recorder.
func (r *PromRecorder) Record(_ context.Context, ev domain.Event) {
	r.events.WithLabelValues(string(ev.Name), string(ev.TaskKind), ev.Result).Inc()

	switch ev.Name {
	case domain.EventBatchCompleted, domain.EventVariantSucceeded, domain.EventVariantFailed:
		if ev.Value > 0 {
			r.latency.WithLabelValues(string(ev.Name)).Observe(ev.Value)
		}
	case domain.EventCandidateAccepted, domain.EventCandidateRejected:
		r.lamports.WithLabelValues(ev.Result).Observe(ev.Value)
	case domain.EventLeaseAcquired:
		if ev.Identity != "" {
			r.leases.WithLabelValues(ev.Identity).Inc()
		}
	case domain.EventLeaseReleased:
		if ev.Identity != "" {
			r.leases.WithLabelValues(ev.Identity).Dec()
		}
	}
}

// LogRecorder writes every event at debug level, and failures at warn.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a LogRecorder.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With(slog.String("component", "events"))}
}

// Record implements domain.Recorder.
func (l *LogRecorder) Record(ctx context.Context, ev domain.Event) {
	attrs := []slog.Attr{
		slog.String("event", string(ev.Name)),
		slog.String("task_kind", string(ev.TaskKind)),
		slog.String("identity", ev.Identity),
		slog.Uint64("batch_id", ev.BatchID),
		slog.String("result", ev.Result),
		slog.Float64("value", ev.Value),
	}
	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, ev.Attrs[k]))
	}

	level := slog.LevelDebug
	switch ev.Name {
	case domain.EventVariantFailed, domain.EventLeaseExhausted, domain.EventLeaseCooledDown:
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "engine event", attrs...)
}

// Multi fans an event out to every recorder.
type Multi []domain.Recorder

// Record implements domain.Recorder.
func (m Multi) Record(ctx context.Context, ev domain.Event) {
	for _, r := range m {
		r.Record(ctx, ev)
	}
}
