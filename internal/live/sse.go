package live

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// SSEEmitter writes session events as Server-Sent Events.
type SSEEmitter struct {
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

func NewSSEEmitter(w http.ResponseWriter) *SSEEmitter {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	e := &SSEEmitter{w: w, flusher: flusher}
	e.flush()
	return e
}

func (e *SSEEmitter) Emit(event string, payload interface{}) error {
	if e.closed {
		return ErrSessionClosed
	}
	if err := sse.Encode(e.w, sse.Event{Event: event, Data: payload}); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Heartbeat writes an SSE comment line, which clients ignore.
func (e *SSEEmitter) Heartbeat() error {
	if e.closed {
		return ErrSessionClosed
	}
	if _, err := fmt.Fprint(e.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Close only stops further writes; the HTTP handler returning ends the
// response.
func (e *SSEEmitter) Close() error {
	e.closed = true
	return nil
}

func (e *SSEEmitter) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// ServeSSE streams tokenID on the gin request until the session ends or the
// client disconnects.
func (s *Streamer) ServeSSE(c *gin.Context, tokenID int64) {
	emitter := NewSSEEmitter(c.Writer)
	_ = s.Stream(c.Request.Context(), tokenID, emitter)
}
