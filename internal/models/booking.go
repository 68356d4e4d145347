package models

// Booking is the subset of a settled meal booking the token service reads.
type Booking struct {
	BookingID   int64  `json:"booking_id"`
	UserID      string `json:"user_id"`
	SlotID      int64  `json:"slot_id"`
	BookingDate string `json:"booking_date"`
	Settled     bool   `json:"settled"`
}
