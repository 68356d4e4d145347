// Package notify tells downstream clients that their token moved counters.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"campusdine/token-service/internal/logger"
	"campusdine/token-service/internal/models"

	"github.com/alitto/pond/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Config struct {
	URL            string
	Subject        string
	ConnectionName string
	MaxReconnects  int
	ReconnectWait  time.Duration
	FlushTimeout   time.Duration
	Workers        int
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

type Message struct {
	TokenID       int64     `json:"token_id"`
	TokenNumber   string    `json:"token_number"`
	UserID        string    `json:"user_id"`
	FromCounterID int64     `json:"from_counter_id"`
	ToCounterID   *int64    `json:"to_counter_id"`
	NewPosition   int       `json:"new_position"`
	Reason        string    `json:"reason,omitempty"`
	ReassignedAt  time.Time `json:"reassigned_at"`
}

type Publisher struct {
	conn         Conn
	subject      string
	flushTimeout time.Duration
	pool         pond.Pool
}

func Connect(cfg Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewPublisher(nc, cfg), nil
}

func NewPublisher(conn Conn, cfg Config) *Publisher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	flush := cfg.FlushTimeout
	if flush <= 0 {
		flush = 2 * time.Second
	}
	return &Publisher{
		conn:         conn,
		subject:      cfg.Subject,
		flushTimeout: flush,
		pool:         pond.NewPool(workers),
	}
}

// NotifyReassigned publishes one message per reassignment and returns the
// reassignment ids the server acknowledged with a flush.
func (p *Publisher) NotifyReassigned(ctx context.Context, reassignments []models.TokenReassignment) []int64 {
	if len(reassignments) == 0 {
		return nil
	}

	var mu sync.Mutex
	var published []int64
	group := p.pool.NewGroup()
	for _, reassignment := range reassignments {
		reassignment := reassignment
		group.Submit(func() {
			if err := p.publish(reassignment); err != nil {
				logger.WarnCtx(ctx, "Reassignment notification failed",
					zap.Int64("token_id", reassignment.TokenID),
					zap.Error(err))
				return
			}
			mu.Lock()
			published = append(published, reassignment.ReassignmentID)
			mu.Unlock()
		})
	}
	if err := group.Wait(); err != nil {
		logger.WarnCtx(ctx, "Reassignment notification group failed", zap.Error(err))
	}
	if len(published) == 0 {
		return nil
	}
	if err := p.conn.FlushTimeout(p.flushTimeout); err != nil {
		logger.WarnCtx(ctx, "Reassignment notifications not flushed", zap.Error(err))
		return nil
	}
	return published
}

func (p *Publisher) publish(reassignment models.TokenReassignment) error {
	data, err := json.Marshal(Message{
		TokenID:       reassignment.TokenID,
		TokenNumber:   reassignment.TokenNumber,
		UserID:        reassignment.UserID,
		FromCounterID: reassignment.FromCounterID,
		ToCounterID:   reassignment.ToCounterID,
		NewPosition:   reassignment.NewPosition,
		Reason:        reassignment.Reason,
		ReassignedAt:  reassignment.ReassignedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reassignment: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish reassignment: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.pool.StopAndWait()
	if p.conn != nil {
		p.conn.Close()
	}
}

// Discard never delivers anything. It is used when no broker is configured.
type Discard struct{}

func (Discard) NotifyReassigned(context.Context, []models.TokenReassignment) []int64 {
	return nil
}
