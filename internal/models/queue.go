package models

// PositionUnassigned is reported for tokens that are not on any counter.
const PositionUnassigned = -1

type QueueEntry struct {
	TokenID     int64       `json:"token_id"`
	TokenNumber string      `json:"token_number"`
	Status      TokenStatus `json:"token_status"`
	Position    int         `json:"queue_position"`
}

type QueueProgress struct {
	CounterID          int64        `json:"counter_id"`
	CounterName        string       `json:"counter_name"`
	IsActive           bool         `json:"is_active"`
	CurrentlyServing   *QueueEntry  `json:"currently_serving"`
	NextInQueue        []QueueEntry `json:"next_in_queue"`
	QueueLength        int          `json:"queue_length"`
	AverageServingTime float64      `json:"average_serving_time"`
}

type QueueStatus struct {
	TokenID           int64       `json:"token_id"`
	TokenNumber       string      `json:"token_number"`
	Status            TokenStatus `json:"token_status"`
	CounterID         *int64      `json:"counter_id"`
	CounterName       string      `json:"counter_name,omitempty"`
	QueuePosition     int         `json:"queue_position"`
	TokensAhead       int         `json:"tokens_ahead"`
	EstimatedWaitTime int         `json:"estimated_wait_time"`
	CurrentlyServing  string      `json:"currently_serving,omitempty"`
}

type SlotQueueStatus struct {
	SlotID      int64               `json:"slot_id"`
	BookingDate string              `json:"booking_date"`
	Counts      map[TokenStatus]int `json:"counts"`
	Counters    []QueueProgress     `json:"counters"`
}
