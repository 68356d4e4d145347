// Package live streams a token's queue status to its owner until the token
// leaves the queue or the client goes away.
package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"campusdine/token-service/internal/clock"
	"campusdine/token-service/internal/logger"
	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/store"

	"go.uber.org/zap"
)

const (
	EventConnected   = "connected"
	EventQueueUpdate = "queue_update"
	EventQueueEnded  = "queue_ended"
	EventError       = "error"

	// ReasonTokenMissing ends a session whose token disappeared mid-stream.
	ReasonTokenMissing = "token_missing"
)

var ErrSessionClosed = errors.New("live session closed")

// StatusSource projects the current queue status of a token.
type StatusSource interface {
	QueueStatus(ctx context.Context, tokenID int64) (models.QueueStatus, error)
}

// Emitter is one client transport. Implementations need not be safe for
// concurrent use; Session serializes every call.
type Emitter interface {
	Emit(event string, payload interface{}) error
	Heartbeat() error
	Close() error
}

type Config struct {
	UpdateInterval    time.Duration
	HeartbeatInterval time.Duration
	// PollTimeout bounds a single status projection.
	PollTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		UpdateInterval:    3 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PollTimeout:       2 * time.Second,
	}
}

type ConnectedPayload struct {
	TokenID int64 `json:"token_id"`
}

type EndedPayload struct {
	TokenID int64  `json:"token_id"`
	Reason  string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Session struct {
	tokenID int64
	source  StatusSource
	emitter Emitter
	clock   clock.Clock
	cfg     Config

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	polling atomic.Bool
	polls   sync.WaitGroup
}

func NewSession(tokenID int64, source StatusSource, emitter Emitter, clk clock.Clock, cfg Config) *Session {
	defaults := DefaultConfig()
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaults.UpdateInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaults.PollTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Session{
		tokenID: tokenID,
		source:  source,
		emitter: emitter,
		clock:   clk,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

func (s *Session) TokenID() int64 {
	return s.tokenID
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run streams until the token leaves the queue, ctx is cancelled or Close
// is called. It always closes the emitter before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx = logger.WithFields(ctx, zap.Int64("token_id", s.tokenID))
	defer s.Close()

	status, err := s.project(ctx)
	if err != nil {
		kind := store.KindOf(err)
		payload := ErrorPayload{Code: "internal_error", Message: "queue status unavailable"}
		var typed *store.Error
		if errors.As(err, &typed) && kind != store.KindServer {
			payload = ErrorPayload{Code: typed.Code, Message: typed.Message}
		}
		if kind == store.KindServer {
			logger.ErrorCtx(ctx, err, zap.String("message", "live session open failed"))
		}
		_ = s.write(func() error { return s.emitter.Emit(EventError, payload) })
		return err
	}

	if err := s.write(func() error { return s.emitter.Emit(EventConnected, ConnectedPayload{TokenID: s.tokenID}) }); err != nil {
		return nil
	}
	if status.Status.Terminal() {
		s.end(string(status.Status))
		return nil
	}
	if err := s.write(func() error { return s.emitter.Emit(EventQueueUpdate, status) }); err != nil {
		return nil
	}

	updates := s.clock.NewTicker(s.cfg.UpdateInterval)
	heartbeats := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		updates.Stop()
		heartbeats.Stop()
		s.polls.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-updates.C():
			s.schedulePoll(ctx)
		case <-heartbeats.C():
			if err := s.write(s.emitter.Heartbeat); err != nil {
				return nil
			}
		}
	}
}

// schedulePoll skips the tick when the previous poll is still running.
func (s *Session) schedulePoll(ctx context.Context) {
	if !s.polling.CompareAndSwap(false, true) {
		logger.DebugCtx(ctx, "Skipping live tick, previous poll still running")
		return
	}
	s.polls.Add(1)
	go func() {
		defer s.polls.Done()
		defer s.polling.Store(false)
		s.poll(ctx)
	}()
}

func (s *Session) poll(ctx context.Context) {
	status, err := s.project(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || s.isClosed() {
			return
		}
		if store.KindOf(err) == store.KindNotFound {
			s.end(ReasonTokenMissing)
			return
		}
		logger.WarnCtx(ctx, "Live status poll failed", zap.Error(err))
		return
	}
	if status.Status.Terminal() {
		s.end(string(status.Status))
		return
	}
	if err := s.write(func() error { return s.emitter.Emit(EventQueueUpdate, status) }); err != nil {
		s.Close()
	}
}

func (s *Session) project(ctx context.Context) (models.QueueStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()
	return s.source.QueueStatus(ctx, s.tokenID)
}

// end emits the single queue_ended event and closes the session.
func (s *Session) end(reason string) {
	_ = s.write(func() error {
		return s.emitter.Emit(EventQueueEnded, EndedPayload{TokenID: s.tokenID, Reason: reason})
	})
	s.Close()
}

// write runs fn under the session lock unless the session is closed. A
// failed write closes the session.
func (s *Session) write(fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	err := fn()
	s.mu.Unlock()
	if err != nil {
		s.Close()
	}
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close is idempotent. No emitter call happens after it returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	err := s.emitter.Close()
	s.mu.Unlock()
	if err != nil {
		logger.Debug("live emitter close failed", zap.Int64("token_id", s.tokenID), zap.Error(err))
	}
}
