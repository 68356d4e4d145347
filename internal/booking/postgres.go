package booking

import (
	"context"
	"database/sql"
	"errors"

	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads bookings from the shared database, taking the latest payment
// attempt of each booking as its settlement state.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Lookup(ctx context.Context, bookingID int64) (models.Booking, error) {
	var booking models.Booking
	var paymentStatus sql.NullString
	row := p.pool.QueryRow(ctx, `
		SELECT b.booking_id, b.user_id, b.slot_id, b.booking_date::text, p.status
		FROM bookings b
		LEFT JOIN LATERAL (
			SELECT status FROM payments
			WHERE payments.booking_id = b.booking_id
			ORDER BY created_at DESC
			LIMIT 1
		) p ON TRUE
		WHERE b.booking_id = $1
	`, bookingID)
	if err := row.Scan(&booking.BookingID, &booking.UserID, &booking.SlotID, &booking.BookingDate, &paymentStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Booking{}, store.ErrBookingNotFound
		}
		return models.Booking{}, store.Wrap(err, "lookup booking")
	}
	booking.Settled = paymentStatus.Valid && settled(paymentStatus.String)
	return booking, nil
}
