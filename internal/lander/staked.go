package lander

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// StakedBackend fans transactions out to staked-connection relays that
// speak plain sendTransaction.
type StakedBackend struct {
	name        string
	endpoints   []string
	requiresTip bool
	rpc         *jsonRPC
}

// Compile-time interface check.
var _ Backend = (*StakedBackend)(nil)

// NewStakedBackend creates a relay backend. Some relays only forward
// transactions that tip; requiresTip tells the planner to add one.
func NewStakedBackend(name string, endpoints []string, requiresTip bool, headers map[string]string) *StakedBackend {
	if name == "" {
		name = "staked"
	}
	return &StakedBackend{name: name, endpoints: endpoints, requiresTip: requiresTip, rpc: &jsonRPC{headers: headers}}
}

func (s *StakedBackend) Name() string        { return s.name }
func (s *StakedBackend) Endpoints() []string { return s.endpoints }
func (s *StakedBackend) RequiresTip() bool   { return s.requiresTip }

// Submit posts v with preflight disabled.
func (s *StakedBackend) Submit(ctx context.Context, client *http.Client, endpoint string, v domain.TxVariant) (domain.Receipt, error) {
	params := []any{
		base64.StdEncoding.EncodeToString(v.Payload),
		map[string]any{"encoding": "base64", "skipPreflight": true, "maxRetries": 0},
	}
	var sig string
	if err := s.rpc.call(ctx, client, endpoint, "sendTransaction", params, &sig); err != nil {
		return domain.Receipt{}, fmt.Errorf("%s: %w", s.name, err)
	}
	return domain.Receipt{Signature: sig}, nil
}
