package store

import "tomaturno/dispatch-service/internal/models"

// transitionMap lists, per action, the statuses the turn must currently be
// in for the action to be allowed. The table is policy, not configuration:
// it mirrors the fixed clinic workflow.
var transitionMap = map[string][]string{
	"hold":                  {models.StatusPending},
	"release_hold":          {models.StatusHolding},
	"call":                  {models.StatusHolding},
	"call_next":             {models.StatusPending},
	"present":               {models.StatusCalling},
	"no_show":               {models.StatusCalling},
	"complete":              {models.StatusInProgress},
	"force_complete":        {models.StatusCalling, models.StatusInProgress},
	"cancel":                {models.StatusPending, models.StatusHolding, models.StatusCalling, models.StatusInProgress},
	"return_to_queue":       {models.StatusInProgress},
	"change_priority":       {models.StatusPending, models.StatusInProgress},
	"defer":                 {models.StatusPending},
	"reassign_cubicle":      {models.StatusInProgress},
	"reassign_phlebotomist": {models.StatusInProgress},
}

func ValidTransition(action, fromStatus string) bool {
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
