package models

import "time"

type TokenStatus string

const (
	StatusPending   TokenStatus = "pending"
	StatusActive    TokenStatus = "active"
	StatusServing   TokenStatus = "serving"
	StatusServed    TokenStatus = "served"
	StatusCancelled TokenStatus = "cancelled"
	StatusNoShow    TokenStatus = "no_show"
)

var tokenStatuses = []TokenStatus{
	StatusPending,
	StatusActive,
	StatusServing,
	StatusServed,
	StatusCancelled,
	StatusNoShow,
}

// ParseTokenStatus accepts exactly one of the six lifecycle statuses.
func ParseTokenStatus(raw string) (TokenStatus, bool) {
	for _, status := range tokenStatuses {
		if string(status) == raw {
			return status, true
		}
	}
	return "", false
}

// Terminal statuses never transition further.
func (s TokenStatus) Terminal() bool {
	return s == StatusServed || s == StatusCancelled || s == StatusNoShow
}

// OnCounter reports whether a token in this status occupies a counter queue.
func (s TokenStatus) OnCounter() bool {
	return s == StatusActive || s == StatusServing
}

// Token is one service token. ServedCounterID records which counter served
// the token, since counter_id is cleared when the token leaves the queue.
// CalledAt is set while the token heads a counter with nothing serving;
// ActivatedAt only orders the queue.
type Token struct {
	TokenID         int64       `json:"token_id"`
	BookingID       int64       `json:"booking_id"`
	UserID          string      `json:"user_id"`
	SlotID          int64       `json:"slot_id"`
	BookingDate     string      `json:"booking_date"`
	TokenNumber     string      `json:"token_number"`
	CounterID       *int64      `json:"counter_id"`
	Status          TokenStatus `json:"token_status"`
	ActivatedAt     *time.Time  `json:"activated_at"`
	CalledAt        *time.Time  `json:"called_at,omitempty"`
	ServedAt        *time.Time  `json:"served_at"`
	ServedCounterID *int64      `json:"served_counter_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// OnCounterID reports whether the token currently sits on the given counter.
func (t Token) OnCounterID(counterID int64) bool {
	return t.CounterID != nil && *t.CounterID == counterID && t.Status.OnCounter()
}

type TokenReassignment struct {
	ReassignmentID int64     `json:"reassignment_id"`
	TokenID        int64     `json:"token_id"`
	TokenNumber    string    `json:"token_number"`
	UserID         string    `json:"-"`
	FromCounterID  int64     `json:"from_counter_id"`
	ToCounterID    *int64    `json:"to_counter_id"`
	NewPosition    int       `json:"new_position"`
	Notified       bool      `json:"notified"`
	Reason         string    `json:"reason,omitempty"`
	ReassignedAt   time.Time `json:"reassigned_at"`
}
