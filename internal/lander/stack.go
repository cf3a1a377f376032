package lander

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/network"
)

// Backend delivers a signed variant to one endpoint.
type Backend interface {
	Name() string
	Endpoints() []string
	RequiresTip() bool
	Submit(ctx context.Context, client *http.Client, endpoint string, v domain.TxVariant) (domain.Receipt, error)
}

// LeaseSource hands out network identities for submissions.
type LeaseSource interface {
	Acquire(ctx context.Context, task domain.Task, mode domain.LeaseMode) (*network.Lease, error)
	AcquireExcluding(ctx context.Context, task domain.Task, mode domain.LeaseMode, exclude []int) (*network.Lease, error)
	Len() int
}

// StackConfig tunes submission.
type StackConfig struct {
	// MaxRetries is the number of extra passes after a fully failed one.
	MaxRetries int
	// RetryDelay separates passes.
	RetryDelay time.Duration
}

// Stack owns the delivery backends and races a plan through them.
type Stack struct {
	cfg      StackConfig
	backends []Backend
	alloc    LeaseSource
	clients  *network.ClientPool
	recorder domain.Recorder
	logger   *slog.Logger
}

// NewStack creates a Stack over backends.
func NewStack(cfg StackConfig, backends []Backend, alloc LeaseSource, clients *network.ClientPool, recorder domain.Recorder, logger *slog.Logger) *Stack {
	if recorder == nil {
		recorder = domain.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clients == nil {
		clients = network.NewClientPool(0)
	}
	return &Stack{
		cfg:      cfg,
		backends: backends,
		alloc:    alloc,
		clients:  clients,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "lander")),
	}
}

// Layout describes the backends for the planner, in submission order.
func (s *Stack) Layout() []domain.BackendLayout {
	out := make([]domain.BackendLayout, len(s.backends))
	for i, b := range s.backends {
		out[i] = domain.BackendLayout{Name: b.Name(), Endpoints: b.Endpoints(), RequiresTip: b.RequiresTip()}
	}
	return out
}

type target struct {
	backend  int
	endpoint string
	variant  domain.TxVariant
}

type outcome struct {
	index    int
	target   target
	receipt  domain.Receipt
	identity int
	err      error
}

// noIdentity marks a target with nothing to avoid on the next pass.
const noIdentity = -1

// SubmitPlan sends every variant of plan concurrently and returns the first
// receipt. The remaining attempts are cancelled once one succeeds. When all
// attempts of all passes fail the error is a *domain.SubmissionError holding
// each failure. A zero deadline means only ctx bounds submission.
func (s *Stack) SubmitPlan(ctx context.Context, plan domain.DispatchPlan, deadline time.Time) (domain.Receipt, error) {
	if plan.Empty() {
		return domain.Receipt{}, fmt.Errorf("lander: submit: %w", domain.ErrEmptyPlan)
	}
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	targets := s.targets(plan)
	if len(targets) == 0 {
		return domain.Receipt{}, fmt.Errorf("lander: submit: %w", domain.ErrNoBackend)
	}

	// avoid[i] is the identity whose transport failed target i last pass.
	avoid := make([]int, len(targets))
	for i := range avoid {
		avoid[i] = noIdentity
	}

	var failures []domain.BackendFailure
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 && s.cfg.RetryDelay > 0 {
			t := time.NewTimer(s.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			break
		}
		receipt, fails, ok := s.pass(ctx, targets, attempt, avoid)
		if ok {
			return receipt, nil
		}
		failures = append(failures, fails...)
	}
	if len(failures) == 0 {
		for _, t := range targets {
			failures = append(failures, s.failure(t, 0, ctx.Err()))
		}
	}

	s.logger.WarnContext(ctx, "all submissions failed",
		slog.String("opportunity_id", plan.OpportunityID),
		slog.Int("variants", plan.Count()),
		slog.Int("failures", len(failures)),
	)
	return domain.Receipt{}, &domain.SubmissionError{Failures: failures}
}

func (s *Stack) targets(plan domain.DispatchPlan) []target {
	var out []target
	for bi, variants := range plan.Variants {
		if bi >= len(s.backends) {
			continue
		}
		b := s.backends[bi]
		for _, v := range variants {
			switch {
			case v.Endpoint != "":
				out = append(out, target{backend: bi, endpoint: v.Endpoint, variant: v})
			case len(b.Endpoints()) == 0:
				out = append(out, target{backend: bi, variant: v})
			default:
				for _, ep := range b.Endpoints() {
					out = append(out, target{backend: bi, endpoint: ep, variant: v})
				}
			}
		}
	}
	return out
}

// pass runs one round over every target. Targets whose previous attempt
// failed in transport are sent from a different identity; avoid is updated
// with this pass's failures.
func (s *Stack) pass(ctx context.Context, targets []target, attempt int, avoid []int) (domain.Receipt, []domain.BackendFailure, bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(targets))
	for i, t := range targets {
		skip := avoid[i]
		go func() {
			receipt, identity, err := s.submit(ctx, t, attempt, skip)
			results <- outcome{index: i, target: t, receipt: receipt, identity: identity, err: err}
		}()
	}

	var failures []domain.BackendFailure
	for range targets {
		r := <-results
		if r.err == nil {
			return r.receipt, nil, true
		}
		avoid[r.index] = noIdentity
		if oc, ok := network.ClassifyError(r.err); ok && oc != domain.OutcomeSuccess {
			avoid[r.index] = r.identity
		}
		failures = append(failures, s.failure(r.target, attempt, r.err))
	}
	return domain.Receipt{}, failures, false
}

func (s *Stack) failure(t target, attempt int, err error) domain.BackendFailure {
	return domain.BackendFailure{
		Backend:   s.backends[t.backend].Name(),
		Endpoint:  t.endpoint,
		VariantID: t.variant.ID,
		Attempt:   attempt,
		Err:       err,
	}
}

// lease pins t to its endpoint's identity, skipping avoid when another
// identity exists.
func (s *Stack) lease(ctx context.Context, t target, avoid int) (*network.Lease, error) {
	b := s.backends[t.backend]
	affinityKey := t.endpoint
	if affinityKey == "" {
		affinityKey = b.Name()
	}
	task := domain.Task{Kind: domain.TaskLanderSubmit, Affinity: Affinity(affinityKey)}
	if avoid != noIdentity && s.alloc.Len() > 1 {
		return s.alloc.AcquireExcluding(ctx, task, domain.LeaseEphemeral, []int{avoid})
	}
	return s.alloc.Acquire(ctx, task, domain.LeaseEphemeral)
}

func (s *Stack) submit(ctx context.Context, t target, attempt int, avoid int) (domain.Receipt, int, error) {
	b := s.backends[t.backend]
	lease, err := s.lease(ctx, t, avoid)
	if err != nil {
		return domain.Receipt{}, noIdentity, err
	}
	defer lease.Release()
	identity := lease.IdentityID()

	attrs := map[string]string{"backend": b.Name(), "variant": strconv.FormatUint(uint64(t.variant.ID), 10)}
	s.recorder.Record(ctx, domain.Event{Name: domain.EventVariantSubmitted, TaskKind: domain.TaskLanderSubmit, Attrs: attrs})

	start := time.Now()
	receipt, err := b.Submit(ctx, s.clients.For(lease.IP()), t.endpoint, t.variant)
	network.Observe(lease, err)
	latency := time.Since(start)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.recorder.Record(ctx, domain.Event{Name: domain.EventVariantFailed, TaskKind: domain.TaskLanderSubmit, Result: "error", Value: latency.Seconds(), Attrs: attrs})
			s.logger.DebugContext(ctx, "variant submission failed",
				slog.String("backend", b.Name()),
				slog.String("endpoint", t.endpoint),
				slog.Uint64("variant", uint64(t.variant.ID)),
				slog.Int("identity", identity),
				slog.String("error", err.Error()),
			)
		}
		return domain.Receipt{}, identity, err
	}

	receipt.Backend = b.Name()
	receipt.Endpoint = t.endpoint
	receipt.VariantID = t.variant.ID
	receipt.Attempt = attempt
	receipt.Latency = latency
	receipt.Blockhash = t.variant.Blockhash
	if receipt.Slot == 0 {
		receipt.Slot = t.variant.Slot
	}
	if receipt.Signature == "" {
		receipt.Signature = t.variant.Signature
	}
	if ip := lease.IP(); ip != nil {
		receipt.LocalIP = ip.String()
	}
	s.recorder.Record(ctx, domain.Event{Name: domain.EventVariantSucceeded, TaskKind: domain.TaskLanderSubmit, Result: "ok", Value: latency.Seconds(), Attrs: attrs})
	return receipt, identity, nil
}

// Affinity is the FNV-1a hash of an endpoint, used to pin submissions to one
// endpoint onto the same local address.
func Affinity(endpoint string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(endpoint))
	if v := h.Sum64(); v != 0 {
		return v
	}
	return 1
}
