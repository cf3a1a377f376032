package profit

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// Rejected pairs a candidate with the reason it was declined.
type Rejected struct {
	Candidate domain.ClosedLoopCandidate
	Err       error
}

// Pool evaluates many candidates on a bounded number of goroutines.
type Pool struct {
	eval    *Evaluator
	workers int
}

// NewPool returns a pool. Non-positive workers uses GOMAXPROCS.
func NewPool(eval *Evaluator, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{eval: eval, workers: workers}
}

// Prefilter applies the evaluator's quote-stage check.
func (p *Pool) Prefilter(rq domain.RouteQuote) error {
	return p.eval.Prefilter(rq)
}

// EvaluateAll evaluates every candidate against one clock reading. Accepted
// opportunities come back ordered by net profit, best first.
func (p *Pool) EvaluateAll(ctx context.Context, cands []domain.ClosedLoopCandidate) ([]domain.ExecutionOpportunity, []Rejected) {
	now := p.eval.now()
	opps := make([]domain.ExecutionOpportunity, len(cands))
	errs := make([]error, len(cands))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, c := range cands {
		g.Go(func() error {
			opps[i], errs[i] = p.eval.EvaluateAt(ctx, c, now)
			return nil
		})
	}
	_ = g.Wait()

	var accepted []domain.ExecutionOpportunity
	var rejected []Rejected
	for i := range cands {
		if errs[i] != nil {
			rejected = append(rejected, Rejected{Candidate: cands[i], Err: errs[i]})
			continue
		}
		accepted = append(accepted, opps[i])
	}
	sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].NetProfit > accepted[j].NetProfit })
	return accepted, rejected
}
