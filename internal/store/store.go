package store

import (
	"context"
	"time"

	"campusdine/token-service/internal/models"
)

type TokenFilter struct {
	UserID      string
	Status      models.TokenStatus
	BookingDate string
}

// Reader is the read side shared by snapshot reads and transactions.
type Reader interface {
	GetToken(ctx context.Context, tokenID int64) (models.Token, error)
	// GetTokenByBooking returns the most recently created token for the booking.
	GetTokenByBooking(ctx context.Context, bookingID int64) (models.Token, error)
	ListTokens(ctx context.Context, filter TokenFilter) ([]models.Token, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	GetCounter(ctx context.Context, counterID int64) (models.Counter, error)
	// ListCounterTokens returns the active and serving tokens of a counter.
	ListCounterTokens(ctx context.Context, counterID int64) ([]models.Token, error)
	// RecentServed returns up to limit served tokens of a counter, newest first.
	RecentServed(ctx context.Context, counterID int64, limit int) ([]models.Token, error)
	ListSlotTokens(ctx context.Context, slotID int64, bookingDate string) ([]models.Token, error)
}

// Tx is a read-modify-write scope. Mutations that touch counter assignment
// must call LockCounters before reading or locking any token.
type Tx interface {
	Reader
	LockCounters(ctx context.Context) ([]models.Counter, error)
	LockToken(ctx context.Context, tokenID int64) (models.Token, error)
	FindOpenToken(ctx context.Context, bookingID int64) (models.Token, bool, error)
	// CounterLoads counts active and serving tokens per counter.
	CounterLoads(ctx context.Context) (map[int64]int, error)
	NextTokenNumber(ctx context.Context, bookingDate string, slotID int64) (int64, error)
	InsertToken(ctx context.Context, token models.Token) (models.Token, error)
	UpdateToken(ctx context.Context, token models.Token) error
	SetCounterActive(ctx context.Context, counterID int64, active bool) error
	InsertReassignment(ctx context.Context, reassignment models.TokenReassignment) (models.TokenReassignment, error)
	MarkReassignmentsNotified(ctx context.Context, reassignmentIDs []int64) error
	// ListStaleCalled returns active tokens called to the counter at or before
	// calledBefore, oldest call first.
	ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Token, error)
}

type Store interface {
	// ReadOnly runs fn against a consistent snapshot.
	ReadOnly(ctx context.Context, fn func(Reader) error) error
	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
}
