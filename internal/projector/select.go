package projector

import "campusdine/token-service/internal/models"

// SelectCounter picks the open counter with the smallest load. Equal loads
// prefer a counter that has not received a token in the current
// reassignment batch, then the lowest counter id. reassigned may be nil.
func SelectCounter(counters []models.Counter, loads map[int64]int, reassigned map[int64]int) (models.Counter, bool) {
	var best models.Counter
	found := false
	for _, counter := range counters {
		if !counter.IsActive {
			continue
		}
		if !found || better(counter, best, loads, reassigned) {
			best = counter
			found = true
		}
	}
	return best, found
}

func better(candidate, current models.Counter, loads map[int64]int, reassigned map[int64]int) bool {
	candidateLoad, currentLoad := loads[candidate.CounterID], loads[current.CounterID]
	if candidateLoad != currentLoad {
		return candidateLoad < currentLoad
	}
	candidateFresh := reassigned[candidate.CounterID] == 0
	currentFresh := reassigned[current.CounterID] == 0
	if candidateFresh != currentFresh {
		return candidateFresh
	}
	return candidate.CounterID < current.CounterID
}
