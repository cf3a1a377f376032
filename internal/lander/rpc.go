package lander

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// RPCBackend submits through ordinary Solana RPC nodes.
type RPCBackend struct {
	endpoints     []string
	skipPreflight bool
	maxRetries    uint
}

// Compile-time interface check.
var _ Backend = (*RPCBackend)(nil)

// NewRPCBackend creates a backend over RPC URLs. maxRetries is forwarded to
// the node's own rebroadcast loop.
func NewRPCBackend(endpoints []string, skipPreflight bool, maxRetries uint) *RPCBackend {
	return &RPCBackend{endpoints: endpoints, skipPreflight: skipPreflight, maxRetries: maxRetries}
}

func (r *RPCBackend) Name() string        { return "rpc" }
func (r *RPCBackend) Endpoints() []string { return r.endpoints }
func (r *RPCBackend) RequiresTip() bool   { return false }

// Submit sends v with min_context_slot set to the slot its blockhash was
// fetched at, so lagging nodes refuse rather than drop it.
func (r *RPCBackend) Submit(ctx context.Context, client *http.Client, endpoint string, v domain.TxVariant) (domain.Receipt, error) {
	c := rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{HTTPClient: client}))

	maxRetries := r.maxRetries
	opts := rpc.TransactionOpts{
		SkipPreflight: r.skipPreflight,
		MaxRetries:    &maxRetries,
	}
	if v.Slot > 0 {
		slot := v.Slot
		opts.MinContextSlot = &slot
	}
	sig, err := c.SendRawTransactionWithOpts(ctx, v.Payload, opts)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("rpc: send transaction: %w", err)
	}
	return domain.Receipt{Signature: sig.String()}, nil
}
