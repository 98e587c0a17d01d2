package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tomaturno/dispatch-service/internal/models"
)

const (
	EventTurnCreated         = "turn.created"
	EventTurnHolding         = "turn.holding"
	EventTurnReleased        = "turn.released"
	EventTurnCalling         = "turn.calling"
	EventTurnInProgress      = "turn.in_progress"
	EventTurnAttended        = "turn.attended"
	EventTurnNoShow          = "turn.no_show"
	EventTurnRequeued        = "turn.requeued"
	EventTurnCancelled       = "turn.cancelled"
	EventTurnPriorityChanged = "turn.priority_changed"
	EventTurnDeferred        = "turn.deferred"
	EventTurnReassigned      = "turn.reassigned"
)

// NewEvent builds the outbox/broadcast event for a committed transition.
// The payload is the turn snapshot after the transition.
func NewEvent(eventType string, turn models.Turn) Event {
	payload, _ := json.Marshal(turn)
	return Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
