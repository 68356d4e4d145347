package live

import (
	"context"
	"expvar"
	"sync"

	"campusdine/token-service/internal/clock"
	"campusdine/token-service/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var liveSessions = expvar.NewInt("live_sessions")

// Hub tracks open sessions so shutdown can end them all.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

func (h *Hub) Register(session *Session) string {
	id := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[id] = session
	liveSessions.Add(1)
	return id
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[id]; !ok {
		return
	}
	delete(h.sessions, id)
	liveSessions.Add(-1)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CountFor reports how many sessions follow the token.
func (h *Hub) CountFor(tokenID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, session := range h.sessions {
		if session.TokenID() == tokenID {
			n++
		}
	}
	return n
}

// CloseAll ends every registered session. Sessions unregister themselves
// once their Run returns.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mu.RUnlock()
	for _, session := range sessions {
		session.Close()
	}
	if len(sessions) > 0 {
		logger.Info("Closed live sessions", zap.Int("count", len(sessions)))
	}
}

// Streamer runs sessions against one status source and registers them
// with its hub.
type Streamer struct {
	source StatusSource
	clock  clock.Clock
	cfg    Config
	hub    *Hub
}

func NewStreamer(source StatusSource, clk clock.Clock, cfg Config) *Streamer {
	return &Streamer{source: source, clock: clk, cfg: cfg, hub: NewHub()}
}

func (s *Streamer) Hub() *Hub {
	return s.hub
}

// Stream blocks until the session for tokenID ends.
func (s *Streamer) Stream(ctx context.Context, tokenID int64, emitter Emitter) error {
	session := NewSession(tokenID, s.source, emitter, s.clock, s.cfg)
	id := s.hub.Register(session)
	defer s.hub.Unregister(id)
	logger.DebugCtx(ctx, "Live session opened",
		zap.String("session_id", id),
		zap.Int64("token_id", tokenID),
		zap.Int("token_sessions", s.hub.CountFor(tokenID)))
	return session.Run(ctx)
}
