package store

import "campusdine/token-service/internal/models"

type Action string

const (
	ActionActivate     Action = "activate"
	ActionStartServing Action = "start_serving"
	ActionMarkServed   Action = "mark_served"
	ActionCancel       Action = "cancel"
	ActionNoShow       Action = "no_show"
	ActionReassign     Action = "reassign"
)

var transitionMap = map[Action][]models.TokenStatus{
	ActionActivate:     {models.StatusPending},
	ActionStartServing: {models.StatusActive},
	ActionMarkServed:   {models.StatusServing},
	ActionCancel:       {models.StatusPending, models.StatusActive},
	ActionNoShow:       {models.StatusPending, models.StatusActive},
	ActionReassign:     {models.StatusActive, models.StatusServing},
}

func ValidTransition(action Action, fromStatus models.TokenStatus) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
