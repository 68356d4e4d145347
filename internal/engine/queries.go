package engine

import (
	"context"
	"sort"

	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/projector"
	"campusdine/token-service/internal/store"
)

func (e *Engine) GetToken(ctx context.Context, tokenID int64) (token models.Token, err error) {
	if err = requirePositive("token_id", tokenID); err != nil {
		return models.Token{}, err
	}
	err = e.store.ReadOnly(ctx, func(r store.Reader) error {
		token, err = r.GetToken(ctx, tokenID)
		return err
	})
	return token, err
}

func (e *Engine) GetTokenByBooking(ctx context.Context, bookingID int64) (token models.Token, err error) {
	if err = requirePositive("booking_id", bookingID); err != nil {
		return models.Token{}, err
	}
	err = e.store.ReadOnly(ctx, func(r store.Reader) error {
		token, err = r.GetTokenByBooking(ctx, bookingID)
		return err
	})
	return token, err
}

func (e *Engine) ListTokens(ctx context.Context, filter store.TokenFilter) (tokens []models.Token, err error) {
	err = e.store.ReadOnly(ctx, func(r store.Reader) error {
		tokens, err = r.ListTokens(ctx, filter)
		return store.Wrap(err, "list tokens")
	})
	if tokens == nil {
		tokens = []models.Token{}
	}
	return tokens, err
}

func (e *Engine) ListCounters(ctx context.Context) (counters []models.Counter, err error) {
	err = e.store.ReadOnly(ctx, func(r store.Reader) error {
		counters, err = r.ListCounters(ctx)
		return store.Wrap(err, "list counters")
	})
	return counters, err
}

// QueueStatus projects one token against a single snapshot, so it never
// mixes pre- and post-reassignment rows.
func (e *Engine) QueueStatus(ctx context.Context, tokenID int64) (status models.QueueStatus, err error) {
	if err = requirePositive("token_id", tokenID); err != nil {
		return models.QueueStatus{}, err
	}
	err = e.store.ReadOnly(ctx, func(r store.Reader) error {
		token, getErr := r.GetToken(ctx, tokenID)
		if getErr != nil {
			return getErr
		}
		if !token.Status.OnCounter() || token.CounterID == nil {
			status = e.projector.TokenStatus(token, nil, nil, nil)
			return nil
		}
		counter, getErr := r.GetCounter(ctx, *token.CounterID)
		if getErr != nil {
			return getErr
		}
		queue, served, loadErr := e.counterRows(ctx, r, counter.CounterID)
		if loadErr != nil {
			return loadErr
		}
		status = e.projector.TokenStatus(token, &counter, queue, served)
		return nil
	})
	return status, err
}

func (e *Engine) counterRows(ctx context.Context, r store.Reader, counterID int64) ([]models.Token, []models.Token, error) {
	queue, err := r.ListCounterTokens(ctx, counterID)
	if err != nil {
		return nil, nil, store.Wrap(err, "list counter queue")
	}
	served, err := r.RecentServed(ctx, counterID, e.projector.Config().SampleWindow)
	if err != nil {
		return nil, nil, store.Wrap(err, "list served tokens")
	}
	return queue, served, nil
}

func (e *Engine) CounterQueue(ctx context.Context, counterID int64) (progress models.QueueProgress, err error) {
	if err = requirePositive("counter_id", counterID); err != nil {
		return models.QueueProgress{}, err
	}
	err = e.store.ReadOnly(ctx, func(r store.Reader) error {
		counter, getErr := r.GetCounter(ctx, counterID)
		if getErr != nil {
			return getErr
		}
		queue, served, loadErr := e.counterRows(ctx, r, counterID)
		if loadErr != nil {
			return loadErr
		}
		progress = e.projector.CounterProgress(counter, queue, served)
		return nil
	})
	return progress, err
}

// SlotQueue reports a slot's token counts and every counter holding one of
// its tokens.
func (e *Engine) SlotQueue(ctx context.Context, slotID int64, bookingDate string) (status models.SlotQueueStatus, err error) {
	if err = requirePositive("slot_id", slotID); err != nil {
		return models.SlotQueueStatus{}, err
	}
	err = e.store.ReadOnly(ctx, func(r store.Reader) error {
		tokens, listErr := r.ListSlotTokens(ctx, slotID, bookingDate)
		if listErr != nil {
			return store.Wrap(listErr, "list slot tokens")
		}
		counterIDs := map[int64]struct{}{}
		for _, token := range tokens {
			if token.Status.OnCounter() && token.CounterID != nil {
				counterIDs[*token.CounterID] = struct{}{}
			}
		}
		ids := make([]int64, 0, len(counterIDs))
		for id := range counterIDs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		progress := make([]models.QueueProgress, 0, len(ids))
		for _, id := range ids {
			counter, getErr := r.GetCounter(ctx, id)
			if getErr != nil {
				return getErr
			}
			queue, served, loadErr := e.counterRows(ctx, r, id)
			if loadErr != nil {
				return loadErr
			}
			progress = append(progress, e.projector.CounterProgress(counter, queue, served))
		}
		status = projector.SlotStatus(slotID, bookingDate, tokens, progress)
		return nil
	})
	return status, err
}
