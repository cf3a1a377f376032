package lander

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// JitoTipAccounts are the published tip payment accounts. Spreading tips
// across them avoids write-lock contention on a single account.
var JitoTipAccounts = []string{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49",
	"DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

const jitoBundlesPath = "/api/v1/bundles"

// JitoBackend submits single-transaction bundles to block engines.
type JitoBackend struct {
	endpoints []string
	rpc       *jsonRPC
}

// Compile-time interface check.
var _ Backend = (*JitoBackend)(nil)

// NewJitoBackend creates a backend over block-engine base URLs. authUUID, when
// set, is sent as x-jito-auth.
func NewJitoBackend(endpoints []string, authUUID string) *JitoBackend {
	eps := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimRight(ep, "/")
		if !strings.HasSuffix(ep, jitoBundlesPath) {
			ep += jitoBundlesPath
		}
		eps = append(eps, ep)
	}
	headers := map[string]string{}
	if authUUID != "" {
		headers["x-jito-auth"] = authUUID
	}
	return &JitoBackend{endpoints: eps, rpc: &jsonRPC{headers: headers}}
}

func (j *JitoBackend) Name() string        { return "jito" }
func (j *JitoBackend) Endpoints() []string { return j.endpoints }
func (j *JitoBackend) RequiresTip() bool   { return true }

// Submit sends v as a one-transaction bundle and returns the bundle id.
func (j *JitoBackend) Submit(ctx context.Context, client *http.Client, endpoint string, v domain.TxVariant) (domain.Receipt, error) {
	if v.TipLamports == 0 {
		return domain.Receipt{}, fmt.Errorf("jito: variant %d carries no tip", v.ID)
	}
	params := []any{
		[]string{base64.StdEncoding.EncodeToString(v.Payload)},
		map[string]string{"encoding": "base64"},
	}
	var bundleID string
	if err := j.rpc.call(ctx, client, endpoint, "sendBundle", params, &bundleID); err != nil {
		return domain.Receipt{}, fmt.Errorf("jito: %w", err)
	}
	return domain.Receipt{BundleID: bundleID, Signature: v.Signature}, nil
}
