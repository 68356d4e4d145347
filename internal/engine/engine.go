// Package engine owns every token state change: generation, activation onto
// a counter, serving, terminal exits and counter closure with reassignment.
package engine

import (
	"context"
	"fmt"
	"time"

	"campusdine/token-service/internal/booking"
	"campusdine/token-service/internal/clock"
	"campusdine/token-service/internal/logger"
	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/projector"
	"campusdine/token-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tokenNumberPad = 3

// Notifier delivers reassignment notices and returns the ids it delivered.
type Notifier interface {
	NotifyReassigned(ctx context.Context, reassignments []models.TokenReassignment) []int64
}

type Options struct {
	// AutoActivate activates a token onto a counter as soon as it is
	// generated. Without an open counter the token stays pending.
	AutoActivate bool
	Projector    projector.Config
}

type Engine struct {
	store        store.Store
	bookings     booking.Lookup
	notifier     Notifier
	clock        clock.Clock
	projector    projector.Projector
	autoActivate bool
	tracer       trace.Tracer
}

func New(st store.Store, bookings booking.Lookup, notifier Notifier, clk clock.Clock, opts Options) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		store:        st,
		bookings:     bookings,
		notifier:     notifier,
		clock:        clk,
		projector:    projector.New(opts.Projector),
		autoActivate: opts.AutoActivate,
		tracer:       otel.Tracer("campusdine/token-service/engine"),
	}
}

func (e *Engine) Projector() projector.Projector {
	return e.projector
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requirePositive(name string, id int64) error {
	if id <= 0 {
		return store.ErrInvalidInput.With("%s must be a positive integer", name)
	}
	return nil
}

func formatTokenNumber(slotID, seq int64) string {
	return fmt.Sprintf("S%d-%0*d", slotID, tokenNumberPad, seq)
}

// Generate issues a pending token for a settled booking.
func (e *Engine) Generate(ctx context.Context, bookingID int64) (token models.Token, err error) {
	ctx, span := e.startSpan(ctx, "Generate", attribute.Int64("booking_id", bookingID))
	defer func() { endSpan(span, err) }()

	if err = requirePositive("booking_id", bookingID); err != nil {
		return models.Token{}, err
	}
	settled, err := e.bookings.Lookup(ctx, bookingID)
	if err != nil {
		return models.Token{}, err
	}
	if !settled.Settled {
		return models.Token{}, store.ErrBookingNotSettled
	}

	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		var counters []models.Counter
		if e.autoActivate {
			var lockErr error
			if counters, lockErr = tx.LockCounters(ctx); lockErr != nil {
				return store.Wrap(lockErr, "lock counters")
			}
		}

		if _, open, findErr := tx.FindOpenToken(ctx, bookingID); findErr != nil {
			return store.Wrap(findErr, "find open token")
		} else if open {
			return store.ErrDuplicateToken
		}

		seq, seqErr := tx.NextTokenNumber(ctx, settled.BookingDate, settled.SlotID)
		if seqErr != nil {
			return store.Wrap(seqErr, "allocate token number")
		}

		now := e.now()
		created, insertErr := tx.InsertToken(ctx, models.Token{
			BookingID:   bookingID,
			UserID:      settled.UserID,
			SlotID:      settled.SlotID,
			BookingDate: settled.BookingDate,
			TokenNumber: formatTokenNumber(settled.SlotID, seq),
			Status:      models.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if insertErr != nil {
			return store.Wrap(insertErr, "insert token")
		}

		if e.autoActivate {
			loads, loadErr := tx.CounterLoads(ctx)
			if loadErr != nil {
				return store.Wrap(loadErr, "count counter load")
			}
			if counter, ok := projector.SelectCounter(counters, loads, nil); ok {
				created = activateOnto(created, counter.CounterID, now)
				if updateErr := tx.UpdateToken(ctx, created); updateErr != nil {
					return store.Wrap(updateErr, "activate token")
				}
				if callErr := refreshCalled(ctx, tx, counter.CounterID, now); callErr != nil {
					return callErr
				}
				reloaded, reloadErr := tx.GetToken(ctx, created.TokenID)
				if reloadErr != nil {
					return store.Wrap(reloadErr, "reload token")
				}
				created = reloaded
			} else {
				logger.WarnCtx(ctx, "No active counter for auto activation", zap.Int64("booking_id", bookingID))
			}
		}
		token = created
		return nil
	})
	if err != nil {
		return models.Token{}, err
	}

	logger.InfoCtx(ctx, "Token generated",
		zap.Int64("token_id", token.TokenID),
		zap.String("token_number", token.TokenNumber),
		zap.String("token_status", string(token.Status)))
	return token, nil
}

// activateOnto keeps an activation time carried over from a reverted
// reassignment so the token does not lose its place.
func activateOnto(token models.Token, counterID int64, now time.Time) models.Token {
	id := counterID
	token.CounterID = &id
	token.Status = models.StatusActive
	token.CalledAt = nil
	if token.ActivatedAt == nil {
		at := now
		token.ActivatedAt = &at
	}
	token.UpdatedAt = now
	return token
}

// Activate places a pending token on the least-loaded open counter.
func (e *Engine) Activate(ctx context.Context, tokenID int64) (token models.Token, err error) {
	ctx, span := e.startSpan(ctx, "Activate", attribute.Int64("token_id", tokenID))
	defer func() { endSpan(span, err) }()

	if err = requirePositive("token_id", tokenID); err != nil {
		return models.Token{}, err
	}
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		counters, lockErr := tx.LockCounters(ctx)
		if lockErr != nil {
			return store.Wrap(lockErr, "lock counters")
		}
		current, getErr := tx.LockToken(ctx, tokenID)
		if getErr != nil {
			return getErr
		}
		if !store.ValidTransition(store.ActionActivate, current.Status) {
			return store.ErrTokenNotPending
		}
		loads, loadErr := tx.CounterLoads(ctx)
		if loadErr != nil {
			return store.Wrap(loadErr, "count counter load")
		}
		counter, ok := projector.SelectCounter(counters, loads, nil)
		if !ok {
			return store.ErrNoActiveCounter
		}
		now := e.now()
		token = activateOnto(current, counter.CounterID, now)
		if updateErr := tx.UpdateToken(ctx, token); updateErr != nil {
			return store.Wrap(updateErr, "activate token")
		}
		if callErr := refreshCalled(ctx, tx, counter.CounterID, now); callErr != nil {
			return callErr
		}
		token, getErr = tx.GetToken(ctx, tokenID)
		return store.Wrap(getErr, "reload token")
	})
	if err != nil {
		return models.Token{}, err
	}
	logger.InfoCtx(ctx, "Token activated",
		zap.Int64("token_id", token.TokenID),
		zap.Int64("counter_id", *token.CounterID))
	return token, nil
}

// StartServing moves the first active token of a free counter to serving.
func (e *Engine) StartServing(ctx context.Context, tokenID int64) (token models.Token, err error) {
	ctx, span := e.startSpan(ctx, "StartServing", attribute.Int64("token_id", tokenID))
	defer func() { endSpan(span, err) }()

	if err = requirePositive("token_id", tokenID); err != nil {
		return models.Token{}, err
	}
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, lockErr := tx.LockCounters(ctx); lockErr != nil {
			return store.Wrap(lockErr, "lock counters")
		}
		current, getErr := tx.LockToken(ctx, tokenID)
		if getErr != nil {
			return getErr
		}
		if !store.ValidTransition(store.ActionStartServing, current.Status) || current.CounterID == nil {
			return store.ErrInvalidState.With("token is %s, expected active", current.Status)
		}
		queue, queueErr := tx.ListCounterTokens(ctx, *current.CounterID)
		if queueErr != nil {
			return store.Wrap(queueErr, "list counter queue")
		}
		for _, queued := range queue {
			if queued.Status == models.StatusServing {
				return store.ErrCounterBusy
			}
		}
		if position, ok := projector.Positions(queue)[current.TokenID]; !ok || position != 0 {
			return store.ErrNotFirstInLine
		}
		current.Status = models.StatusServing
		current.UpdatedAt = e.now()
		token = current
		return store.Wrap(tx.UpdateToken(ctx, token), "start serving")
	})
	if err != nil {
		return models.Token{}, err
	}
	logger.InfoCtx(ctx, "Token serving", zap.Int64("token_id", token.TokenID))
	return token, nil
}

// MarkServed completes a serving token and frees its counter.
func (e *Engine) MarkServed(ctx context.Context, tokenID int64) (token models.Token, err error) {
	ctx, span := e.startSpan(ctx, "MarkServed", attribute.Int64("token_id", tokenID))
	defer func() { endSpan(span, err) }()

	if err = requirePositive("token_id", tokenID); err != nil {
		return models.Token{}, err
	}
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, lockErr := tx.LockCounters(ctx); lockErr != nil {
			return store.Wrap(lockErr, "lock counters")
		}
		current, getErr := tx.LockToken(ctx, tokenID)
		if getErr != nil {
			return getErr
		}
		if !store.ValidTransition(store.ActionMarkServed, current.Status) {
			return store.ErrInvalidState.With("token is %s, expected serving", current.Status)
		}
		now := e.now()
		current.Status = models.StatusServed
		current.ServedAt = &now
		current.ServedCounterID = current.CounterID
		current.CounterID = nil
		current.UpdatedAt = now
		token = current
		if updateErr := tx.UpdateToken(ctx, token); updateErr != nil {
			return store.Wrap(updateErr, "mark served")
		}
		return refreshCalled(ctx, tx, *token.ServedCounterID, now)
	})
	if err != nil {
		return models.Token{}, err
	}
	logger.InfoCtx(ctx, "Token served", zap.Int64("token_id", token.TokenID))
	return token, nil
}

func (e *Engine) Cancel(ctx context.Context, tokenID int64, reason string) (models.Token, error) {
	return e.exit(ctx, "Cancel", store.ActionCancel, models.StatusCancelled, tokenID, reason)
}

func (e *Engine) MarkNoShow(ctx context.Context, tokenID int64, reason string) (models.Token, error) {
	return e.exit(ctx, "MarkNoShow", store.ActionNoShow, models.StatusNoShow, tokenID, reason)
}

func (e *Engine) exit(ctx context.Context, name string, action store.Action, to models.TokenStatus, tokenID int64, reason string) (token models.Token, err error) {
	ctx, span := e.startSpan(ctx, name, attribute.Int64("token_id", tokenID))
	defer func() { endSpan(span, err) }()

	if err = requirePositive("token_id", tokenID); err != nil {
		return models.Token{}, err
	}
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, lockErr := tx.LockCounters(ctx); lockErr != nil {
			return store.Wrap(lockErr, "lock counters")
		}
		current, getErr := tx.LockToken(ctx, tokenID)
		if getErr != nil {
			return getErr
		}
		if !store.ValidTransition(action, current.Status) {
			return store.ErrInvalidState.With("token is %s, cannot become %s", current.Status, to)
		}
		left := current.CounterID
		now := e.now()
		current.Status = to
		current.CounterID = nil
		current.UpdatedAt = now
		token = current
		if updateErr := tx.UpdateToken(ctx, token); updateErr != nil {
			return store.Wrap(updateErr, "update token")
		}
		if left == nil {
			return nil
		}
		return refreshCalled(ctx, tx, *left, now)
	})
	if err != nil {
		return models.Token{}, err
	}
	logger.InfoCtx(ctx, "Token left queue",
		zap.Int64("token_id", token.TokenID),
		zap.String("token_status", string(to)),
		zap.String("reason", reason))
	return token, nil
}

// CloseCounter deactivates a counter and moves its tokens to the other open
// counters in one transaction. Tokens keep their activation time; without
// an open counter they return to pending.
func (e *Engine) CloseCounter(ctx context.Context, counterID int64, reason string) (result models.CloseCounterResult, err error) {
	ctx, span := e.startSpan(ctx, "CloseCounter", attribute.Int64("counter_id", counterID))
	defer func() { endSpan(span, err) }()

	if err = requirePositive("counter_id", counterID); err != nil {
		return models.CloseCounterResult{}, err
	}
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		counters, lockErr := tx.LockCounters(ctx)
		if lockErr != nil {
			return store.Wrap(lockErr, "lock counters")
		}
		idx := -1
		for i := range counters {
			if counters[i].CounterID == counterID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return store.ErrCounterNotFound
		}
		result = models.CloseCounterResult{Counter: counters[idx], Reassignments: []models.TokenReassignment{}}
		if !counters[idx].IsActive {
			return nil
		}

		if setErr := tx.SetCounterActive(ctx, counterID, false); setErr != nil {
			return store.Wrap(setErr, "deactivate counter")
		}
		counters[idx].IsActive = false
		result.Counter.IsActive = false

		displaced, listErr := tx.ListCounterTokens(ctx, counterID)
		if listErr != nil {
			return store.Wrap(listErr, "list counter queue")
		}
		moved, moveErr := e.reassign(ctx, tx, counters, displaced)
		if moveErr != nil {
			return moveErr
		}

		now := e.now()
		for i := range moved {
			reassignment := models.TokenReassignment{
				TokenID:       moved[i].token.TokenID,
				TokenNumber:   moved[i].token.TokenNumber,
				UserID:        moved[i].token.UserID,
				FromCounterID: counterID,
				ToCounterID:   moved[i].token.CounterID,
				NewPosition:   moved[i].position,
				Reason:        reason,
				ReassignedAt:  now,
			}
			stored, insertErr := tx.InsertReassignment(ctx, reassignment)
			if insertErr != nil {
				return store.Wrap(insertErr, "record reassignment")
			}
			result.Reassignments = append(result.Reassignments, stored)
		}
		return nil
	})
	if err != nil {
		return models.CloseCounterResult{}, err
	}

	logger.InfoCtx(ctx, "Counter closed",
		zap.Int64("counter_id", counterID),
		zap.String("reason", reason),
		zap.Int("reassigned", len(result.Reassignments)))
	e.notify(ctx, result.Reassignments)
	return result, nil
}

type movedToken struct {
	token    models.Token
	position int
}

func (e *Engine) reassign(ctx context.Context, tx store.Tx, counters []models.Counter, displaced []models.Token) ([]movedToken, error) {
	if len(displaced) == 0 {
		return nil, nil
	}
	loads, err := tx.CounterLoads(ctx)
	if err != nil {
		return nil, store.Wrap(err, "count counter load")
	}

	// A displaced serving token rejoins as active, so sorting active copies
	// yields plain activation order.
	pending := make([]models.Token, len(displaced))
	for i, token := range displaced {
		if !store.ValidTransition(store.ActionReassign, token.Status) {
			return nil, store.ErrInvalidState.With("token %d is %s, cannot be reassigned", token.TokenID, token.Status)
		}
		token.Status = models.StatusActive
		token.CalledAt = nil
		pending[i] = token
	}
	ordered := projector.Order(pending)

	now := e.now()
	received := make(map[int64]int)
	moved := make([]movedToken, 0, len(ordered))
	for _, token := range ordered {
		if target, ok := projector.SelectCounter(counters, loads, received); ok {
			id := target.CounterID
			token.CounterID = &id
			loads[id]++
			received[id]++
		} else {
			token.Status = models.StatusPending
			token.CounterID = nil
		}
		token.UpdatedAt = now
		if err := tx.UpdateToken(ctx, token); err != nil {
			return nil, store.Wrap(err, "reassign token")
		}
		moved = append(moved, movedToken{token: token, position: models.PositionUnassigned})
	}

	for id := range received {
		if err := refreshCalled(ctx, tx, id, now); err != nil {
			return nil, err
		}
	}

	positions := make(map[int64]map[int64]int)
	for i := range moved {
		if moved[i].token.CounterID == nil {
			continue
		}
		dest := *moved[i].token.CounterID
		if _, ok := positions[dest]; !ok {
			queue, err := tx.ListCounterTokens(ctx, dest)
			if err != nil {
				return nil, store.Wrap(err, "list counter queue")
			}
			positions[dest] = projector.Positions(queue)
		}
		moved[i].position = positions[dest][moved[i].token.TokenID]
	}
	return moved, nil
}

// refreshCalled stamps called_at on the token heading a free counter and
// clears it on every other active token of that counter. A token keeps its
// call time for as long as it stays at the head.
func refreshCalled(ctx context.Context, tx store.Tx, counterID int64, now time.Time) error {
	queue, err := tx.ListCounterTokens(ctx, counterID)
	if err != nil {
		return store.Wrap(err, "list counter queue")
	}
	ordered := projector.Order(queue)
	free := true
	for _, token := range ordered {
		if token.Status == models.StatusServing {
			free = false
		}
	}
	for i, token := range ordered {
		if token.Status != models.StatusActive {
			continue
		}
		head := free && i == 0
		switch {
		case head && token.CalledAt == nil:
			at := now
			token.CalledAt = &at
		case !head && token.CalledAt != nil:
			token.CalledAt = nil
		default:
			continue
		}
		token.UpdatedAt = now
		if err := tx.UpdateToken(ctx, token); err != nil {
			return store.Wrap(err, "update call time")
		}
	}
	return nil
}

// notify runs after commit. Delivery failures only leave notified=false.
func (e *Engine) notify(ctx context.Context, reassignments []models.TokenReassignment) {
	if e.notifier == nil || len(reassignments) == 0 {
		return
	}
	delivered := e.notifier.NotifyReassigned(ctx, reassignments)
	if len(delivered) == 0 {
		return
	}
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.MarkReassignmentsNotified(ctx, delivered)
	})
	if err != nil {
		logger.WarnCtx(ctx, "Failed to record reassignment notifications", zap.Error(err))
		return
	}
	set := make(map[int64]struct{}, len(delivered))
	for _, id := range delivered {
		set[id] = struct{}{}
	}
	for i := range reassignments {
		if _, ok := set[reassignments[i].ReassignmentID]; ok {
			reassignments[i].Notified = true
		}
	}
}

// ReopenCounter marks a counter open. Queued tokens stay where they are.
func (e *Engine) ReopenCounter(ctx context.Context, counterID int64) (counter models.Counter, err error) {
	ctx, span := e.startSpan(ctx, "ReopenCounter", attribute.Int64("counter_id", counterID))
	defer func() { endSpan(span, err) }()

	if err = requirePositive("counter_id", counterID); err != nil {
		return models.Counter{}, err
	}
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		counters, lockErr := tx.LockCounters(ctx)
		if lockErr != nil {
			return store.Wrap(lockErr, "lock counters")
		}
		for _, c := range counters {
			if c.CounterID != counterID {
				continue
			}
			counter = c
			if c.IsActive {
				return nil
			}
			counter.IsActive = true
			return store.Wrap(tx.SetCounterActive(ctx, counterID, true), "reopen counter")
		}
		return store.ErrCounterNotFound
	})
	if err != nil {
		return models.Counter{}, err
	}
	logger.InfoCtx(ctx, "Counter reopened", zap.Int64("counter_id", counterID))
	return counter, nil
}

// SweepNoShows marks no_show every active token that has headed a free
// counter for longer than grace. Queueing behind other tokens never counts.
func (e *Engine) SweepNoShows(ctx context.Context, grace time.Duration, batchSize int) (count int, err error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	ctx, span := e.startSpan(ctx, "SweepNoShows")
	defer func() { endSpan(span, err) }()

	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, lockErr := tx.LockCounters(ctx); lockErr != nil {
			return store.Wrap(lockErr, "lock counters")
		}
		now := e.now()
		stale, listErr := tx.ListStaleCalled(ctx, now.Add(-grace), batchSize)
		if listErr != nil {
			return store.Wrap(listErr, "list stale tokens")
		}
		freed := make(map[int64]struct{})
		for _, token := range stale {
			if !store.ValidTransition(store.ActionNoShow, token.Status) {
				continue
			}
			if token.CounterID != nil {
				freed[*token.CounterID] = struct{}{}
			}
			token.Status = models.StatusNoShow
			token.CounterID = nil
			token.UpdatedAt = now
			if updateErr := tx.UpdateToken(ctx, token); updateErr != nil {
				return store.Wrap(updateErr, "mark no show")
			}
			count++
		}
		for counterID := range freed {
			if callErr := refreshCalled(ctx, tx, counterID, now); callErr != nil {
				return callErr
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logger.InfoCtx(ctx, "No-show sweep", zap.Int("count", count))
	}
	return count, nil
}
