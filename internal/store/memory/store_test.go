package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := NewStore([]models.Counter{{CounterID: 1, Name: "A", IsActive: true}})

	boom := errors.New("boom")
	err := st.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.InsertToken(ctx, models.Token{BookingID: 10, Status: models.StatusPending, BookingDate: "2026-10-14", TokenNumber: "S1-001"}); err != nil {
			return err
		}
		if err := tx.SetCounterActive(ctx, 1, false); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = st.ReadOnly(ctx, func(r store.Reader) error {
		_, err := r.GetTokenByBooking(ctx, 10)
		assert.ErrorIs(t, err, store.ErrTokenNotFound)
		counter, err := r.GetCounter(ctx, 1)
		require.NoError(t, err)
		assert.True(t, counter.IsActive)
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlySnapshotIsStableAcrossCommit(t *testing.T) {
	ctx := context.Background()
	st := NewStore([]models.Counter{{CounterID: 1, Name: "A", IsActive: true}})

	err := st.ReadOnly(ctx, func(r store.Reader) error {
		require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
			return tx.SetCounterActive(ctx, 1, false)
		}))
		counter, err := r.GetCounter(ctx, 1)
		require.NoError(t, err)
		assert.True(t, counter.IsActive, "snapshot must not see the later commit")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, st.ReadOnly(ctx, func(r store.Reader) error {
		counter, err := r.GetCounter(ctx, 1)
		require.NoError(t, err)
		assert.False(t, counter.IsActive)
		return nil
	}))
}

func TestInsertTokenRejectsSecondOpenToken(t *testing.T) {
	ctx := context.Background()
	st := NewStore(nil)

	err := st.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertToken(ctx, models.Token{BookingID: 7, Status: models.StatusPending, BookingDate: "2026-10-14", TokenNumber: "S1-001"})
		return err
	})
	require.NoError(t, err)

	err = st.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertToken(ctx, models.Token{BookingID: 7, Status: models.StatusPending, BookingDate: "2026-10-14", TokenNumber: "S1-002"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateToken)
}

func TestUpdateTokenRejectsSecondServing(t *testing.T) {
	ctx := context.Background()
	st := NewStore([]models.Counter{{CounterID: 1, Name: "A", IsActive: true}})

	var second models.Token
	require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.InsertToken(ctx, models.Token{BookingID: 1, Status: models.StatusServing, CounterID: int64Ptr(1), BookingDate: "2026-10-14", TokenNumber: "S1-001"}); err != nil {
			return err
		}
		var err error
		second, err = tx.InsertToken(ctx, models.Token{BookingID: 2, Status: models.StatusActive, CounterID: int64Ptr(1), BookingDate: "2026-10-14", TokenNumber: "S1-002"})
		return err
	}))

	err := st.WithinTx(ctx, func(tx store.Tx) error {
		second.Status = models.StatusServing
		return tx.UpdateToken(ctx, second)
	})
	assert.ErrorIs(t, err, store.ErrCounterBusy)
}

func TestNextTokenNumberIsPerDateAndSlot(t *testing.T) {
	ctx := context.Background()
	st := NewStore(nil)

	var got []int64
	require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
		for _, key := range []struct {
			date string
			slot int64
		}{{"2026-10-14", 1}, {"2026-10-14", 1}, {"2026-10-14", 2}, {"2026-10-15", 1}} {
			n, err := tx.NextTokenNumber(ctx, key.date, key.slot)
			if err != nil {
				return err
			}
			got = append(got, n)
		}
		return nil
	}))
	assert.Equal(t, []int64{1, 2, 1, 1}, got)
}

func TestRecentServedNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := NewStore([]models.Counter{{CounterID: 1, Name: "A", IsActive: true}})
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
		for i := 0; i < 4; i++ {
			served := base.Add(time.Duration(i) * time.Minute)
			_, err := tx.InsertToken(ctx, models.Token{
				BookingID:       int64(i + 1),
				Status:          models.StatusServed,
				ServedAt:        &served,
				ServedCounterID: int64Ptr(1),
				BookingDate:     "2026-10-14",
				TokenNumber:     "S1-00" + string(rune('1'+i)),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.ReadOnly(ctx, func(r store.Reader) error {
		served, err := r.RecentServed(ctx, 1, 2)
		require.NoError(t, err)
		require.Len(t, served, 2)
		assert.Equal(t, int64(4), served[0].BookingID)
		assert.Equal(t, int64(3), served[1].BookingID)
		return nil
	}))
}

func TestListStaleCalledSkipsUncalledTokens(t *testing.T) {
	ctx := context.Background()
	st := NewStore([]models.Counter{{CounterID: 1, Name: "A", IsActive: true}})
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
		for i := 0; i < 3; i++ {
			activated := base.Add(time.Duration(i) * time.Minute)
			token := models.Token{
				BookingID:   int64(i + 1),
				CounterID:   int64Ptr(1),
				Status:      models.StatusActive,
				ActivatedAt: &activated,
				BookingDate: "2026-10-14",
				TokenNumber: "S1-00" + string(rune('1'+i)),
			}
			if i != 1 {
				called := base.Add(time.Duration(10-i) * time.Minute)
				token.CalledAt = &called
			}
			if _, err := tx.InsertToken(ctx, token); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
		stale, err := tx.ListStaleCalled(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stale, 2)
		assert.Equal(t, int64(3), stale[0].BookingID)
		assert.Equal(t, int64(1), stale[1].BookingID)

		limited, err := tx.ListStaleCalled(ctx, base.Add(9*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, int64(3), limited[0].BookingID)
		return nil
	}))
}

func TestPingReportsStorageUnavailable(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := st.Ping(ctx)
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMarkReassignmentsNotified(t *testing.T) {
	ctx := context.Background()
	st := NewStore(nil)

	var ids []int64
	require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
		for i := 0; i < 2; i++ {
			r, err := tx.InsertReassignment(ctx, models.TokenReassignment{TokenID: int64(i + 1), FromCounterID: 1})
			if err != nil {
				return err
			}
			ids = append(ids, r.ReassignmentID)
		}
		return nil
	}))
	require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
		return tx.MarkReassignmentsNotified(ctx, ids[:1])
	}))

	history := st.Reassignments()
	require.Len(t, history, 2)
	assert.True(t, history[0].Notified)
	assert.False(t, history[1].Notified)
}
