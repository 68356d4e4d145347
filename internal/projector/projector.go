// Package projector derives queue ordering, positions and wait estimates
// from token rows. Every function here is pure.
package projector

import (
	"math"
	"sort"
	"time"

	"campusdine/token-service/internal/models"
)

type Config struct {
	// SampleWindow is how many of a counter's most recent served tokens feed
	// the average serving time.
	SampleWindow int
	// MinSamples below which DefaultServingTime is used instead.
	MinSamples         int
	DefaultServingTime time.Duration
	PreviewLength      int
}

func DefaultConfig() Config {
	return Config{
		SampleWindow:       10,
		MinSamples:         3,
		DefaultServingTime: 3 * time.Minute,
		PreviewLength:      5,
	}
}

type Projector struct {
	cfg Config
}

func New(cfg Config) Projector {
	defaults := DefaultConfig()
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = defaults.SampleWindow
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaults.MinSamples
	}
	if cfg.MinSamples > cfg.SampleWindow {
		cfg.MinSamples = cfg.SampleWindow
	}
	if cfg.DefaultServingTime <= 0 {
		cfg.DefaultServingTime = defaults.DefaultServingTime
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = defaults.PreviewLength
	}
	return Projector{cfg: cfg}
}

func (p Projector) Config() Config {
	return p.cfg
}

// Order returns the serving queue of one counter: serving tokens first, then
// active tokens by activation time with token id as the tie-break. Tokens in
// any other status are dropped. The input slice is not modified.
func Order(tokens []models.Token) []models.Token {
	queue := make([]models.Token, 0, len(tokens))
	for _, token := range tokens {
		if token.Status.OnCounter() {
			queue = append(queue, token)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return less(queue[i], queue[j])
	})
	return queue
}

func less(a, b models.Token) bool {
	aServing := a.Status == models.StatusServing
	bServing := b.Status == models.StatusServing
	if aServing != bServing {
		return aServing
	}
	aAt, bAt := activation(a), activation(b)
	if !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	return a.TokenID < b.TokenID
}

func activation(token models.Token) time.Time {
	if token.ActivatedAt == nil {
		return time.Time{}
	}
	return *token.ActivatedAt
}

// Positions maps token id to queue position for one counter's tokens.
func Positions(tokens []models.Token) map[int64]int {
	queue := Order(tokens)
	positions := make(map[int64]int, len(queue))
	for i, token := range queue {
		positions[token.TokenID] = i
	}
	return positions
}

// AverageServingTime returns the mean of served_at - activated_at in minutes
// over the newest SampleWindow served tokens.
func (p Projector) AverageServingTime(served []models.Token) float64 {
	samples := make([]models.Token, 0, len(served))
	for _, token := range served {
		if token.Status != models.StatusServed || token.ServedAt == nil || token.ActivatedAt == nil {
			continue
		}
		if token.ServedAt.Before(*token.ActivatedAt) {
			continue
		}
		samples = append(samples, token)
	}
	sort.SliceStable(samples, func(i, j int) bool {
		a, b := samples[i], samples[j]
		if !a.ServedAt.Equal(*b.ServedAt) {
			return a.ServedAt.After(*b.ServedAt)
		}
		return a.TokenID > b.TokenID
	})
	if len(samples) > p.cfg.SampleWindow {
		samples = samples[:p.cfg.SampleWindow]
	}
	if len(samples) < p.cfg.MinSamples {
		return p.cfg.DefaultServingTime.Minutes()
	}

	var total time.Duration
	for _, token := range samples {
		total += token.ServedAt.Sub(*token.ActivatedAt)
	}
	return (total / time.Duration(len(samples))).Minutes()
}

// EstimatedWait rounds up to whole minutes.
func EstimatedWait(position int, averageMinutes float64) int {
	if position <= 0 || averageMinutes <= 0 {
		return 0
	}
	return int(math.Ceil(float64(position) * averageMinutes))
}

// TokenStatus projects one token. counter may be nil when the token is not
// assigned; queue holds the tokens of the token's counter and served holds
// that counter's recent served tokens.
func (p Projector) TokenStatus(token models.Token, counter *models.Counter, queue, served []models.Token) models.QueueStatus {
	status := models.QueueStatus{
		TokenID:       token.TokenID,
		TokenNumber:   token.TokenNumber,
		Status:        token.Status,
		QueuePosition: models.PositionUnassigned,
	}
	if !token.Status.OnCounter() || token.CounterID == nil {
		return status
	}

	status.CounterID = token.CounterID
	if counter != nil {
		status.CounterName = counter.Name
	}

	ordered := Order(withToken(queue, token))
	for i, queued := range ordered {
		if i == 0 && queued.Status == models.StatusServing {
			status.CurrentlyServing = queued.TokenNumber
		}
		if queued.TokenID == token.TokenID {
			status.QueuePosition = i
			break
		}
	}
	status.TokensAhead = status.QueuePosition
	status.EstimatedWaitTime = EstimatedWait(status.QueuePosition, p.AverageServingTime(served))
	return status
}

// withToken makes sure the projected token is part of its own queue exactly
// once, using the caller's copy of it.
func withToken(queue []models.Token, token models.Token) []models.Token {
	out := make([]models.Token, 0, len(queue)+1)
	for _, queued := range queue {
		if queued.TokenID == token.TokenID {
			continue
		}
		if queued.CounterID == nil || *queued.CounterID != *token.CounterID {
			continue
		}
		out = append(out, queued)
	}
	return append(out, token)
}

// CounterProgress summarizes one counter's queue.
func (p Projector) CounterProgress(counter models.Counter, queue, served []models.Token) models.QueueProgress {
	var own []models.Token
	for _, token := range queue {
		if token.OnCounterID(counter.CounterID) {
			own = append(own, token)
		}
	}
	ordered := Order(own)
	progress := models.QueueProgress{
		CounterID:          counter.CounterID,
		CounterName:        counter.Name,
		IsActive:           counter.IsActive,
		QueueLength:        len(ordered),
		AverageServingTime: p.AverageServingTime(served),
		NextInQueue:        []models.QueueEntry{},
	}
	for i, token := range ordered {
		entry := models.QueueEntry{
			TokenID:     token.TokenID,
			TokenNumber: token.TokenNumber,
			Status:      token.Status,
			Position:    i,
		}
		if token.Status == models.StatusServing {
			serving := entry
			progress.CurrentlyServing = &serving
			continue
		}
		if len(progress.NextInQueue) < p.cfg.PreviewLength {
			progress.NextInQueue = append(progress.NextInQueue, entry)
		}
	}
	return progress
}

// SlotStatus counts a slot's tokens by status. progress is attached as is.
func SlotStatus(slotID int64, bookingDate string, tokens []models.Token, progress []models.QueueProgress) models.SlotQueueStatus {
	counts := make(map[models.TokenStatus]int)
	for _, token := range tokens {
		if token.SlotID != slotID || token.BookingDate != bookingDate {
			continue
		}
		counts[token.Status]++
	}
	sorted := append([]models.QueueProgress(nil), progress...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CounterID < sorted[j].CounterID })
	return models.SlotQueueStatus{
		SlotID:      slotID,
		BookingDate: bookingDate,
		Counts:      counts,
		Counters:    sorted,
	}
}
