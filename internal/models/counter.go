package models

type Counter struct {
	CounterID int64  `json:"counter_id"`
	Name      string `json:"counter_name"`
	IsActive  bool   `json:"is_active"`
}

type CloseCounterResult struct {
	Counter       Counter             `json:"counter"`
	Reassignments []TokenReassignment `json:"reassignments"`
}
