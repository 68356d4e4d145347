// Package booking reads settled meal bookings from the booking and payment
// collaborator.
package booking

import (
	"context"

	"campusdine/token-service/internal/models"
)

// Lookup returns store.ErrBookingNotFound when the booking does not exist.
// An unpaid booking is returned with Settled=false, not as an error.
type Lookup interface {
	Lookup(ctx context.Context, bookingID int64) (models.Booking, error)
}

// paidStatuses are payment states the collaborator reports as settled.
var paidStatuses = map[string]bool{
	"paid":      true,
	"succeeded": true,
	"settled":   true,
}

func settled(status string) bool {
	return paidStatuses[status]
}
