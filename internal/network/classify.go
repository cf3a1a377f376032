package network

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// ClassifyError maps a call error to the lease outcome it implies. The bool is
// false when the error says nothing about the identity (a cancelled context,
// a decode failure) and should not penalise it.
func ClassifyError(err error) (domain.LeaseOutcome, bool) {
	if err == nil {
		return domain.OutcomeSuccess, true
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return domain.OutcomeRateLimited, true
	}
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return domain.OutcomeTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return domain.OutcomeSuccess, false
	}

	var se *domain.StatusError
	if errors.As(err, &se) {
		return ClassifyStatus(se.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return domain.OutcomeTimeout, true
		}
		return domain.OutcomeNetworkError, true
	}
	return domain.OutcomeSuccess, false
}

// ClassifyStatus maps an HTTP status code to a lease outcome.
func ClassifyStatus(code int) (domain.LeaseOutcome, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.OutcomeRateLimited, true
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return domain.OutcomeTimeout, true
	case code >= 500:
		return domain.OutcomeNetworkError, true
	case code >= 200 && code < 300:
		return domain.OutcomeSuccess, true
	default:
		return domain.OutcomeSuccess, false
	}
}

// Observe classifies err and, when it is attributable, marks it on lease.
// It returns err unchanged so call sites can write `return network.Observe(l, err)`.
func Observe(lease domain.LeaseHandle, err error) error {
	if lease == nil {
		return err
	}
	if outcome, ok := ClassifyError(err); ok {
		lease.MarkOutcome(outcome)
	}
	return err
}
