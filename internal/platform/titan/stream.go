package titan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/solarb/internal/domain"
)

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *streamError    `json:"error,omitempty"`
}

type streamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *streamError) Error() string {
	return fmt.Sprintf("titan error %d: %s", e.Code, e.Message)
}

func (e *streamError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests || strings.Contains(strings.ToLower(e.Message), "rate limit") {
		return domain.ErrRateLimited
	}
	return nil
}

// stream is one websocket with in-flight requests matched by id.
type stream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan response
	err     error
	done    chan struct{}

	// onClose runs once, after the connection is closed.
	onClose func(*stream)
}

func newStream(conn *websocket.Conn, logger *slog.Logger, onClose func(*stream)) *stream {
	s := &stream{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.readLoop()
	return s
}

func (s *stream) roundTrip(ctx context.Context, req request) (json.RawMessage, error) {
	ch := make(chan response, 1)
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Method, err)
	}
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = s.conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		s.close(err)
		return nil, fmt.Errorf("write %s: %w", req.Method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.closeErr()
	case res := <-ch:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	}
}

func (s *stream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(err)
			return
		}
		var res response
		if err := json.Unmarshal(data, &res); err != nil {
			s.logger.Warn("undecodable stream message", slog.String("error", err.Error()))
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[res.ID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- res:
			default:
			}
		}
	}
}

func (s *stream) close(cause error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	if cause == nil || !errors.Is(cause, domain.ErrWSDisconnect) {
		cause = fmt.Errorf("%w: %v", domain.ErrWSDisconnect, cause)
	}
	s.err = cause
	close(s.done)
	s.mu.Unlock()
	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *stream) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
