package handler

import (
	"net/http"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// IdentitySource exposes the allocator's view of the identity pool.
type IdentitySource interface {
	Snapshot() []domain.IdentitySnapshot
	Capacity() int
}

// TipSource is the live landed-tip feed.
type TipSource interface {
	TipFloor() (uint64, bool)
	TipCeiling() (uint64, bool)
}

// StatusHandler serves the engine status: run mode, identity pool and tips.
type StatusHandler struct {
	Mode       string
	Strategy   domain.DispatchStrategy
	identities IdentitySource
	tips       TipSource
}

// NewStatusHandler creates a StatusHandler. tips may be nil.
func NewStatusHandler(mode string, strategy domain.DispatchStrategy, identities IdentitySource, tips TipSource) *StatusHandler {
	return &StatusHandler{Mode: mode, Strategy: strategy, identities: identities, tips: tips}
}

type identityView struct {
	ID            int    `json:"id"`
	IP            string `json:"ip"`
	State         string `json:"state"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
	Inflight      int64  `json:"inflight"`
	LongLived     int64  `json:"long_lived"`
	Requests      uint64 `json:"requests"`
	RateLimited   uint64 `json:"rate_limited"`
	Timeouts      uint64 `json:"timeouts"`
	NetworkErrors uint64 `json:"network_errors"`
}

// GetStatus responds with the run mode, dispatch strategy, identities and
// current tip levels.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":              h.Mode,
		"dispatch_strategy": h.Strategy,
	}
	if h.identities != nil {
		snaps := h.identities.Snapshot()
		views := make([]identityView, 0, len(snaps))
		for _, s := range snaps {
			v := identityView{
				ID:            s.ID,
				IP:            s.IP.String(),
				State:         string(s.State),
				Inflight:      s.Inflight,
				LongLived:     s.LongLived,
				Requests:      s.Requests,
				RateLimited:   s.RateLimited,
				Timeouts:      s.Timeouts,
				NetworkErrors: s.NetworkErrors,
			}
			if s.State == domain.IdentityCoolingDown {
				v.CooldownUntil = s.CooldownUntil.UTC().Format("2006-01-02T15:04:05.000Z07:00")
			}
			views = append(views, v)
		}
		body["identities"] = views
		body["capacity"] = h.identities.Capacity()
	}
	if h.tips != nil {
		if floor, ok := h.tips.TipFloor(); ok {
			body["tip_floor_lamports"] = floor
		}
		if ceiling, ok := h.tips.TipCeiling(); ok {
			body["tip_ceiling_lamports"] = ceiling
		}
	}
	writeJSON(w, http.StatusOK, body)
}
