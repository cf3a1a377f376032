package domain

import "context"

// EventName identifies a state transition the engine reports.
type EventName string

const (
	EventLeaseAcquired     EventName = "lease_acquired"
	EventLeaseReleased     EventName = "lease_released"
	EventLeaseCooledDown   EventName = "lease_cooled_down"
	EventLeaseExhausted    EventName = "lease_exhausted"
	EventBatchDispatched   EventName = "batch_dispatched"
	EventBatchCompleted    EventName = "batch_completed"
	EventQuotePrefiltered  EventName = "quote_prefiltered"
	EventCandidateAccepted EventName = "candidate_accepted"
	EventCandidateRejected EventName = "candidate_rejected"
	EventVariantSubmitted  EventName = "variant_submitted"
	EventVariantSucceeded  EventName = "variant_succeeded"
	EventVariantFailed     EventName = "variant_failed"
)

// Event is the payload every metrics call site emits. Unset fields are
// left empty.
type Event struct {
	Name     EventName
	TaskKind TaskKind
	Identity string
	BatchID  uint64
	Result   string
	Value    float64
	Attrs    map[string]string
}

// Recorder receives engine events for an external monitoring system.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) {}
