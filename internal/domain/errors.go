package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrWSDisconnect  = errors.New("websocket disconnected")

	// Engine taxonomy.
	ErrResourceExhausted = errors.New("no network identity available")
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("timeout")
	ErrQuoteExpired      = errors.New("quote expired")
	ErrLoopMismatch      = errors.New("loop closure mismatch")
	ErrBelowThreshold    = errors.New("below profit threshold")
	ErrSubmissionFailed  = errors.New("all delivery backends failed")

	ErrNoIdentity    = errors.New("no eligible network identity")
	ErrNoRoute       = errors.New("no route for pair")
	ErrEmptyPlan     = errors.New("dispatch plan has no variants")
	ErrNoBackend     = errors.New("no delivery backend configured")
	ErrSigningFailed = errors.New("signing failed")
)

// StatusError is returned by HTTP-speaking clients when the remote answered
// with a non-success status. 429 unwraps to ErrRateLimited and 408/504 to
// ErrTimeout so callers can match on the taxonomy.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// RejectReason enumerates why the profit evaluator declined a candidate.
type RejectReason string

const (
	RejectBelowThreshold RejectReason = "below_threshold"
	RejectExpiredQuote   RejectReason = "expired_quote"
	RejectMalformedLoop  RejectReason = "malformed_loop"
)

// Rejection is the evaluator's negative decision. It is an economic outcome,
// not a failure, but travels as an error so callers can branch with errors.As.
type Rejection struct {
	Reason    RejectReason
	NetProfit int64
	Threshold int64
	Detail    string
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("rejected (%s): %s", r.Reason, r.Detail)
	}
	return fmt.Sprintf("rejected (%s): net=%d threshold=%d", r.Reason, r.NetProfit, r.Threshold)
}

func (r *Rejection) Unwrap() error {
	switch r.Reason {
	case RejectBelowThreshold:
		return ErrBelowThreshold
	case RejectExpiredQuote:
		return ErrQuoteExpired
	case RejectMalformedLoop:
		return ErrLoopMismatch
	default:
		return nil
	}
}

// BackendFailure is one failed delivery attempt.
type BackendFailure struct {
	Backend   string
	Endpoint  string
	VariantID uint32
	Attempt   int
	Err       error
}

// SubmissionError aggregates every failed attempt of one dispatch plan. The
// individual reasons are preserved so operators can tell a systemic failure
// from a single misbehaving backend.
type SubmissionError struct {
	Failures []BackendFailure
}

func (e *SubmissionError) Error() string {
	if len(e.Failures) == 0 {
		return ErrSubmissionFailed.Error()
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		target := f.Backend
		if f.Endpoint != "" {
			target += "@" + f.Endpoint
		}
		parts = append(parts, fmt.Sprintf("%s[variant=%d attempt=%d]: %v", target, f.VariantID, f.Attempt, f.Err))
	}
	return fmt.Sprintf("%s: %s", ErrSubmissionFailed, strings.Join(parts, "; "))
}

// Unwrap exposes the sentinel plus every individual cause.
func (e *SubmissionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrSubmissionFailed)
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// ByBackend groups failure reasons by backend name.
func (e *SubmissionError) ByBackend() map[string][]error {
	out := make(map[string][]error)
	for _, f := range e.Failures {
		out[f.Backend] = append(out[f.Backend], f.Err)
	}
	return out
}
