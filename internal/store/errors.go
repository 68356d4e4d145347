package store

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindServer Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindPreconditionFailed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition_failed"
	default:
		return "server"
	}
}

// Error is the failure type returned across engine, projector and store
// boundaries. Two errors match under errors.Is when their codes match.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(format string, args ...interface{}) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidInput       = newError(KindValidation, "invalid_request", "invalid request")
	ErrTokenNotFound      = newError(KindNotFound, "token_not_found", "token not found")
	ErrCounterNotFound    = newError(KindNotFound, "counter_not_found", "counter not found")
	ErrBookingNotFound    = newError(KindNotFound, "booking_not_found", "booking not found")
	ErrTokenNotPending    = newError(KindNotFound, "token_not_pending", "no pending token with this id")
	ErrInvalidState       = newError(KindConflict, "invalid_state", "token state does not allow this action")
	ErrDuplicateToken     = newError(KindConflict, "duplicate_token", "booking already has an open token")
	ErrNoActiveCounter    = newError(KindConflict, "no_active_counter", "no active counters")
	ErrCounterBusy        = newError(KindConflict, "counter_busy", "counter is already serving a token")
	ErrNotFirstInLine     = newError(KindConflict, "not_first_in_line", "token is not at the front of its counter queue")
	ErrBookingNotSettled  = newError(KindPreconditionFailed, "booking_not_settled", "booking payment is not settled")
	ErrStorageUnavailable = newError(KindServer, "storage_unavailable", "storage unavailable")
)

// Wrap tags an infrastructure failure as a server error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: KindServer, Code: "internal_error", Message: message, Err: err}
}

// Unavailable marks a failed connectivity check against the backing store.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindServer, Code: ErrStorageUnavailable.Code, Message: ErrStorageUnavailable.Message, Err: err}
}

// KindOf reports the kind of err, defaulting to KindServer for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindServer
}
