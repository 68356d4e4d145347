package booking

import (
	"context"
	"encoding/json"
	"strconv"

	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/store"

	supa "github.com/supabase-community/supabase-go"
)

type supabaseBooking struct {
	BookingID     int64  `json:"booking_id"`
	UserID        string `json:"user_id"`
	SlotID        int64  `json:"slot_id"`
	BookingDate   string `json:"booking_date"`
	PaymentStatus string `json:"payment_status"`
}

// Supabase reads bookings through the hosted backend's REST interface.
type Supabase struct {
	client *supa.Client
}

func NewSupabase(url, key string) (*Supabase, error) {
	client, err := supa.NewClient(url, key, nil)
	if err != nil {
		return nil, err
	}
	return &Supabase{client: client}, nil
}

func (s *Supabase) Lookup(ctx context.Context, bookingID int64) (models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return models.Booking{}, err
	}
	data, _, err := s.client.From("bookings").
		Select("booking_id,user_id,slot_id,booking_date,payment_status", "", false).
		Eq("booking_id", strconv.FormatInt(bookingID, 10)).
		Execute()
	if err != nil {
		return models.Booking{}, store.Wrap(err, "lookup booking")
	}
	return decodeSupabaseBooking(data)
}

func decodeSupabaseBooking(data []byte) (models.Booking, error) {
	var rows []supabaseBooking
	if err := json.Unmarshal(data, &rows); err != nil {
		return models.Booking{}, store.Wrap(err, "decode booking")
	}
	if len(rows) == 0 {
		return models.Booking{}, store.ErrBookingNotFound
	}
	row := rows[0]
	return models.Booking{
		BookingID:   row.BookingID,
		UserID:      row.UserID,
		SlotID:      row.SlotID,
		BookingDate: row.BookingDate,
		Settled:     settled(row.PaymentStatus),
	}, nil
}
