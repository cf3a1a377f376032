package solana

import (
	"net/http"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// NewRPCClient returns a solana-go client that sends every request through
// httpClient, so callers control which local address it binds to.
func NewRPCClient(endpoint string, httpClient *http.Client) *rpc.Client {
	if httpClient == nil {
		return rpc.New(endpoint)
	}
	return rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient: httpClient,
	}))
}
