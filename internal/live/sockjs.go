package live

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"campusdine/token-service/internal/logger"

	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const (
	closeNormal       = 1000
	closeInvalidToken = 4000
	closeDenied       = 4003
)

// Authorizer decides whether the request may follow tokenID.
type Authorizer func(r *http.Request, tokenID int64) error

type sockjsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// SockJSEmitter writes session events as JSON frames on a SockJS session.
type SockJSEmitter struct {
	session sockjs.Session
}

func NewSockJSEmitter(session sockjs.Session) *SockJSEmitter {
	return &SockJSEmitter{session: session}
}

func (e *SockJSEmitter) Emit(event string, payload interface{}) error {
	msg, err := json.Marshal(sockjsMessage{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return e.session.Send(string(msg))
}

func (e *SockJSEmitter) Heartbeat() error {
	return e.session.Send(`{"event":"heartbeat"}`)
}

func (e *SockJSEmitter) Close() error {
	return e.session.Close(closeNormal, "session ended")
}

// SockJSHandler serves sessions under prefix. Clients pass the token as
// ?token_id= on the connect URL.
func (s *Streamer) SockJSHandler(prefix string, authorize Authorizer) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		req := session.Request()
		tokenID, err := strconv.ParseInt(strings.TrimSpace(req.URL.Query().Get("token_id")), 10, 64)
		if err != nil || tokenID <= 0 {
			_ = session.Close(closeInvalidToken, "token_id must be a positive integer")
			return
		}
		if authorize != nil {
			if err := authorize(req, tokenID); err != nil {
				_ = session.Close(closeDenied, err.Error())
				return
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		// Inbound frames are ignored; a failed Recv means the client left.
		go func() {
			defer cancel()
			for {
				if _, err := session.Recv(); err != nil {
					return
				}
			}
		}()

		if err := s.Stream(ctx, tokenID, NewSockJSEmitter(session)); err != nil {
			logger.Debug("sockjs session ended with error", zap.Int64("token_id", tokenID), zap.Error(err))
		}
	})
}
