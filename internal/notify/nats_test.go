package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"campusdine/token-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	messages  map[string][]byte
	failToken int64
	flushErr  error
	closed    bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.TokenID == f.failToken {
		return errors.New("publish refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = map[string][]byte{}
	}
	f.messages[subject+"/"+msg.TokenNumber] = data
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error { return f.flushErr }

func (f *fakeConn) Close() { f.closed = true }

func reassignments() []models.TokenReassignment {
	to := int64(2)
	return []models.TokenReassignment{
		{ReassignmentID: 11, TokenID: 1, TokenNumber: "S1-001", UserID: "u-1", FromCounterID: 1, ToCounterID: &to, NewPosition: 1},
		{ReassignmentID: 12, TokenID: 2, TokenNumber: "S1-002", UserID: "u-2", FromCounterID: 1, ToCounterID: nil, NewPosition: -1},
	}
}

func TestNotifyReassignedPublishesEach(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, Config{Subject: "tokens.reassigned"})
	defer p.Close()

	ids := p.NotifyReassigned(context.Background(), reassignments())
	assert.ElementsMatch(t, []int64{11, 12}, ids)
	require.Len(t, conn.messages, 2)

	var msg Message
	require.NoError(t, json.Unmarshal(conn.messages["tokens.reassigned/S1-001"], &msg))
	assert.Equal(t, "u-1", msg.UserID)
	require.NotNil(t, msg.ToCounterID)
	assert.Equal(t, int64(2), *msg.ToCounterID)
}

func TestNotifyReassignedSkipsFailedPublish(t *testing.T) {
	conn := &fakeConn{failToken: 2}
	p := NewPublisher(conn, Config{Subject: "tokens.reassigned"})
	defer p.Close()

	ids := p.NotifyReassigned(context.Background(), reassignments())
	assert.Equal(t, []int64{11}, ids)
}

func TestNotifyReassignedFlushFailure(t *testing.T) {
	conn := &fakeConn{flushErr: errors.New("timeout")}
	p := NewPublisher(conn, Config{Subject: "tokens.reassigned"})

	assert.Empty(t, p.NotifyReassigned(context.Background(), reassignments()))
	p.Close()
	assert.True(t, conn.closed)
}

func TestDiscard(t *testing.T) {
	assert.Empty(t, Discard{}.NotifyReassigned(context.Background(), reassignments()))
}
