package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"campusdine/token-service/internal/clock"
	"campusdine/token-service/internal/logger"
	"campusdine/token-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStreamerRegistersUntilSessionEnds(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	defer logger.Replace(zap.New(core))()

	clk := clock.Fake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	source := &fakeSource{fn: func(int) (models.QueueStatus, error) { return activeStatus(1), nil }}
	streamer := NewStreamer(source, clk, DefaultConfig())

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- streamer.Stream(context.Background(), 7, &recordingEmitter{}) }()
	}
	clk.WaitForTickers(4)
	assert.Equal(t, 2, streamer.Hub().Len())
	assert.Equal(t, 2, streamer.Hub().CountFor(7))
	assert.Equal(t, 0, streamer.Hub().CountFor(8))

	opened := logs.FilterMessage("Live session opened").All()
	require.Len(t, opened, 2)
	most := int64(0)
	for _, entry := range opened {
		if n := entry.ContextMap()["token_sessions"].(int64); n > most {
			most = n
		}
	}
	assert.Equal(t, int64(2), most)

	streamer.Hub().CloseAll()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("stream did not end")
		}
	}
	assert.Equal(t, 0, streamer.Hub().Len())
}

func TestSSEEmitterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	emitter := NewSSEEmitter(rec)

	require.NoError(t, emitter.Emit(EventConnected, ConnectedPayload{TokenID: 7}))
	require.NoError(t, emitter.Heartbeat())
	require.NoError(t, emitter.Close())
	assert.ErrorIs(t, emitter.Emit(EventQueueUpdate, activeStatus(0)), ErrSessionClosed)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event:connected")
	assert.Contains(t, body, `"token_id":7`)
	assert.Contains(t, body, ": heartbeat\n\n")
	assert.NotContains(t, body, EventQueueUpdate)
	assert.True(t, rec.Flushed)
}
