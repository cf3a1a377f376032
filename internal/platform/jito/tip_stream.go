// Package jito follows the block engine's landed-tip feed so tips track what
// is currently landing.
package jito

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultTipStreamURL is the public landed-tips feed.
	DefaultTipStreamURL = "wss://bundles.jito.wtf/api/v1/bundles/tip_stream"

	// MinTipLamports is the smallest tip the block engine accepts.
	MinTipLamports = 1_000

	reconnectDelay = time.Second
	readWait       = 60 * time.Second
)

// Level picks which statistic of the feed is used.
type Level string

const (
	P25   Level = "p25"
	P50   Level = "p50"
	P75   Level = "p75"
	P95   Level = "p95"
	P99   Level = "p99"
	EMA50 Level = "ema50"
)

// ParseLevel accepts the config spellings; empty means P50.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return P50, nil
	case P25, P50, P75, P95, P99, EMA50:
		return l, nil
	default:
		return "", fmt.Errorf("jito: unknown tip level %q", s)
	}
}

// TipStreamConfig configures the feed follower.
type TipStreamConfig struct {
	URL   string
	Level Level
	// CeilingLevel is the statistic reported as the tip ceiling.
	CeilingLevel Level
	// Cap bounds both values when non-zero.
	Cap uint64
}

// TipStream keeps the latest tip statistics from the feed.
type TipStream struct {
	cfg    TipStreamConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	floor   atomic.Uint64
	ceiling atomic.Uint64
	updates atomic.Uint64
}

// NewTipStream creates a follower; call Run to start it.
func NewTipStream(cfg TipStreamConfig, logger *slog.Logger) *TipStream {
	if cfg.URL == "" {
		cfg.URL = DefaultTipStreamURL
	}
	if cfg.Level == "" {
		cfg.Level = P50
	}
	if cfg.CeilingLevel == "" {
		cfg.CeilingLevel = P99
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TipStream{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With(slog.String("component", "jito_tip_stream")),
	}
}

// TipFloor is the configured-level tip, never below MinTipLamports. The bool
// is false until the feed has produced a value.
func (s *TipStream) TipFloor() (uint64, bool) {
	v := s.floor.Load()
	if v == 0 {
		return 0, false
	}
	return max(v, MinTipLamports), true
}

// TipCeiling is the ceiling-level tip.
func (s *TipStream) TipCeiling() (uint64, bool) {
	v := s.ceiling.Load()
	if v == 0 {
		return 0, false
	}
	return max(v, MinTipLamports), true
}

// Updates counts applied feed messages.
func (s *TipStream) Updates() uint64 { return s.updates.Load() }

// Run follows the feed, reconnecting after one second on any failure, until
// ctx ends.
func (s *TipStream) Run(ctx context.Context) error {
	for {
		if err := s.follow(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "tip stream dropped, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("delay", reconnectDelay),
			)
		}
		if s.floor.Load() == 0 {
			s.floor.Store(MinTipLamports)
		}
		timer := time.NewTimer(reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *TipStream) follow(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("jito: dial tip stream: %w", err)
	}
	defer conn.Close()
	s.logger.InfoContext(ctx, "tip stream connected", slog.String("url", s.cfg.URL))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("jito: read tip stream: %w", err)
		}
		if err := s.apply(data); err != nil {
			s.logger.DebugContext(ctx, "ignoring tip stream message", slog.String("error", err.Error()))
		}
	}
}

type tipEntry struct {
	P25       *float64 `json:"landed_tips_25th_percentile"`
	P50       *float64 `json:"landed_tips_50th_percentile"`
	P75       *float64 `json:"landed_tips_75th_percentile"`
	P95       *float64 `json:"landed_tips_95th_percentile"`
	P99       *float64 `json:"landed_tips_99th_percentile"`
	EMA50     *float64 `json:"ema50"`
	Floor     *float64 `json:"tip_floor_lamports"`
	EMALegacy *float64 `json:"ema_landed_tips_50th_percentile"`
}

func (e tipEntry) pick(l Level) *float64 {
	switch l {
	case P25:
		return e.P25
	case P75:
		return e.P75
	case P95:
		return e.P95
	case P99:
		return e.P99
	case EMA50:
		if e.EMA50 != nil {
			return e.EMA50
		}
		return e.EMALegacy
	default:
		return e.P50
	}
}

// apply parses one feed message: a single entry or an array whose last
// element is the newest.
func (s *TipStream) apply(data []byte) error {
	var entry tipEntry
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var entries []tipEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("empty tip array")
		}
		entry = entries[len(entries)-1]
	} else if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}

	applied := false
	if v, ok := s.value(entry, s.cfg.Level); ok {
		s.floor.Store(v)
		applied = true
	}
	if v, ok := s.value(entry, s.cfg.CeilingLevel); ok {
		s.ceiling.Store(v)
		applied = true
	}
	if !applied {
		return fmt.Errorf("no usable tip value")
	}
	s.updates.Add(1)
	return nil
}

// value resolves level, falling back to the floor field, then to the cap.
func (s *TipStream) value(e tipEntry, l Level) (uint64, bool) {
	var v uint64
	var ok bool
	if raw := e.pick(l); raw != nil {
		v, ok = ToLamports(*raw)
	}
	if !ok && e.Floor != nil {
		v, ok = ToLamports(*e.Floor)
	}
	switch {
	case ok && s.cfg.Cap > 0:
		return min(v, s.cfg.Cap), true
	case ok:
		return v, true
	case s.cfg.Cap > 0:
		return s.cfg.Cap, true
	default:
		return 0, false
	}
}

// ToLamports interprets a feed number: integral values are lamports already,
// fractional ones are SOL.
func ToLamports(v float64) (uint64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	lamports := math.Round(v * 1e9)
	if _, frac := math.Modf(v); math.Abs(frac) < 1e-9 {
		lamports = math.Round(v)
	}
	if lamports <= 0 {
		return 0, false
	}
	if lamports >= math.MaxUint64 {
		return math.MaxUint64, true
	}
	return uint64(lamports), true
}
