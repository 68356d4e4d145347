package projector

import (
	"math/rand"
	"testing"
	"time"

	"campusdine/token-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func onCounter(id, counter int64, status models.TokenStatus, activatedMin int) models.Token {
	return models.Token{
		TokenID:     id,
		TokenNumber: "S1-00" + string(rune('0'+id)),
		CounterID:   ptr(counter),
		Status:      status,
		ActivatedAt: ptr(base.Add(time.Duration(activatedMin) * time.Minute)),
	}
}

func servedAfter(id, counter int64, minutes float64) models.Token {
	activated := base.Add(time.Duration(id) * 3 * time.Hour)
	served := activated.Add(time.Duration(minutes * float64(time.Minute)))
	return models.Token{
		TokenID:         id,
		Status:          models.StatusServed,
		ServedCounterID: ptr(counter),
		ActivatedAt:     &activated,
		ServedAt:        &served,
	}
}

func TestOrderServingFirstThenActivation(t *testing.T) {
	tokens := []models.Token{
		onCounter(3, 1, models.StatusActive, 1),
		onCounter(1, 1, models.StatusActive, 2),
		onCounter(4, 1, models.StatusServing, 5),
		onCounter(2, 1, models.StatusActive, 1),
		{TokenID: 9, Status: models.StatusPending},
	}

	ordered := Order(tokens)
	var ids []int64
	for _, token := range ordered {
		ids = append(ids, token.TokenID)
	}
	assert.Equal(t, []int64{4, 2, 3, 1}, ids)
}

func TestPositionsAreContiguous(t *testing.T) {
	withServing := []models.Token{
		onCounter(1, 1, models.StatusActive, 3),
		onCounter(2, 1, models.StatusServing, 9),
		onCounter(3, 1, models.StatusActive, 1),
	}
	positions := Positions(withServing)
	assert.Equal(t, map[int64]int{2: 0, 3: 1, 1: 2}, positions)

	nothingServing := []models.Token{
		onCounter(1, 1, models.StatusActive, 3),
		onCounter(3, 1, models.StatusActive, 1),
	}
	assert.Equal(t, map[int64]int{3: 0, 1: 1}, Positions(nothingServing))
}

func TestProjectionIsDeterministic(t *testing.T) {
	tokens := []models.Token{
		onCounter(1, 1, models.StatusActive, 1),
		onCounter(2, 1, models.StatusActive, 1),
		onCounter(3, 1, models.StatusServing, 0),
		onCounter(4, 1, models.StatusActive, 0),
		onCounter(5, 1, models.StatusActive, 2),
	}
	want := Positions(tokens)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.Token(nil), tokens...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Positions(shuffled))
	}
}

func TestAverageServingTimeWindowAndFallback(t *testing.T) {
	p := New(Config{SampleWindow: 3, MinSamples: 2, DefaultServingTime: 4 * time.Minute})

	assert.InDelta(t, 4.0, p.AverageServingTime(nil), 1e-9)
	assert.InDelta(t, 4.0, p.AverageServingTime([]models.Token{servedAfter(1, 1, 10)}), 1e-9)

	served := []models.Token{
		servedAfter(1, 1, 100),
		servedAfter(2, 1, 2),
		servedAfter(3, 1, 4),
		servedAfter(4, 1, 6),
	}
	// token 1 is the oldest and falls outside the window
	assert.InDelta(t, 4.0, p.AverageServingTime(served), 1e-9)
}

func TestDefaultConfig(t *testing.T) {
	p := New(Config{})
	cfg := p.Config()
	assert.Equal(t, 10, cfg.SampleWindow)
	assert.Equal(t, 3, cfg.MinSamples)
	assert.Equal(t, 3*time.Minute, cfg.DefaultServingTime)
	assert.Equal(t, 5, cfg.PreviewLength)
}

func TestEstimatedWaitRoundsUp(t *testing.T) {
	assert.Equal(t, 0, EstimatedWait(0, 3))
	assert.Equal(t, 0, EstimatedWait(-1, 3))
	assert.Equal(t, 5, EstimatedWait(2, 2.1))
	assert.Equal(t, 6, EstimatedWait(2, 3))
}

func TestTokenStatusForActiveToken(t *testing.T) {
	p := New(DefaultConfig())
	counter := models.Counter{CounterID: 1, Name: "Counter A", IsActive: true}
	serving := onCounter(1, 1, models.StatusServing, 0)
	first := onCounter(2, 1, models.StatusActive, 1)
	second := onCounter(3, 1, models.StatusActive, 2)

	status := p.TokenStatus(second, &counter, []models.Token{serving, first, second}, nil)
	assert.Equal(t, 2, status.QueuePosition)
	assert.Equal(t, 2, status.TokensAhead)
	assert.Equal(t, 6, status.EstimatedWaitTime)
	assert.Equal(t, serving.TokenNumber, status.CurrentlyServing)
	assert.Equal(t, "Counter A", status.CounterName)
	require.NotNil(t, status.CounterID)
	assert.Equal(t, int64(1), *status.CounterID)

	servingStatus := p.TokenStatus(serving, &counter, []models.Token{serving, first, second}, nil)
	assert.Equal(t, 0, servingStatus.QueuePosition)
	assert.Equal(t, 0, servingStatus.EstimatedWaitTime)
}

func TestTokenStatusForUnassignedTokens(t *testing.T) {
	p := New(DefaultConfig())
	for _, status := range []models.TokenStatus{models.StatusPending, models.StatusServed, models.StatusCancelled, models.StatusNoShow} {
		got := p.TokenStatus(models.Token{TokenID: 1, Status: status}, nil, nil, nil)
		assert.Equal(t, models.PositionUnassigned, got.QueuePosition, status)
		assert.Equal(t, 0, got.EstimatedWaitTime, status)
		assert.Nil(t, got.CounterID, status)
	}
}

func TestCounterProgress(t *testing.T) {
	p := New(Config{PreviewLength: 2})
	counter := models.Counter{CounterID: 1, Name: "Counter A", IsActive: true}
	queue := []models.Token{
		onCounter(4, 1, models.StatusActive, 4),
		onCounter(1, 1, models.StatusServing, 0),
		onCounter(2, 1, models.StatusActive, 1),
		onCounter(3, 1, models.StatusActive, 2),
		onCounter(5, 2, models.StatusActive, 0),
	}

	progress := p.CounterProgress(counter, queue, nil)
	assert.Equal(t, 4, progress.QueueLength)
	require.NotNil(t, progress.CurrentlyServing)
	assert.Equal(t, int64(1), progress.CurrentlyServing.TokenID)
	require.Len(t, progress.NextInQueue, 2)
	assert.Equal(t, int64(2), progress.NextInQueue[0].TokenID)
	assert.Equal(t, 1, progress.NextInQueue[0].Position)
	assert.Equal(t, int64(3), progress.NextInQueue[1].TokenID)
	assert.InDelta(t, 3.0, progress.AverageServingTime, 1e-9)
}

func TestSlotStatusCounts(t *testing.T) {
	tokens := []models.Token{
		{TokenID: 1, SlotID: 1, BookingDate: "2026-10-14", Status: models.StatusPending},
		{TokenID: 2, SlotID: 1, BookingDate: "2026-10-14", Status: models.StatusPending},
		{TokenID: 3, SlotID: 1, BookingDate: "2026-10-14", Status: models.StatusServed},
		{TokenID: 4, SlotID: 2, BookingDate: "2026-10-14", Status: models.StatusPending},
	}
	got := SlotStatus(1, "2026-10-14", tokens, []models.QueueProgress{{CounterID: 2}, {CounterID: 1}})
	assert.Equal(t, 2, got.Counts[models.StatusPending])
	assert.Equal(t, 1, got.Counts[models.StatusServed])
	require.Len(t, got.Counters, 2)
	assert.Equal(t, int64(1), got.Counters[0].CounterID)
}
