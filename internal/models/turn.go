package models

import "time"

// Turn is one patient's visit through the lab, tracked from intake to a
// terminal state. All mutation goes through the store; a turn that reached
// StatusAttended or StatusCancelled never changes again.
type Turn struct {
	TurnID         string      `json:"turn_id"`
	DisplayNumber  string      `json:"display_number"`
	SequenceNumber int64       `json:"sequence_number"`
	PatientName    string      `json:"patient_name"`
	WorkOrder      string      `json:"work_order,omitempty"`
	TubesRequired  int         `json:"tubes_required"`
	AttentionClass string      `json:"attention_class"`
	Status         string      `json:"status"`
	HolderID       *string     `json:"holder_id,omitempty"`
	CubicleID      *string     `json:"cubicle_id,omitempty"`
	AttendedBy     *string     `json:"attended_by,omitempty"`
	CallAttempts   []time.Time `json:"call_attempts,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	HeldAt         *time.Time  `json:"held_at,omitempty"`
	CalledAt       *time.Time  `json:"called_at,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	DeferredAt     *time.Time  `json:"deferred_at,omitempty"`
	AttentionSecs  *int        `json:"attention_seconds,omitempty"`
	Observations   string      `json:"observations,omitempty"`
	CancelReason   string      `json:"cancel_reason,omitempty"`
	OverrideReason string      `json:"override_reason,omitempty"`
	RequestID      string      `json:"request_id,omitempty"`
}

const (
	StatusPending    = "pending"
	StatusHolding    = "holding"
	StatusCalling    = "calling"
	StatusInProgress = "in_progress"
	StatusAttended   = "attended"
	StatusNoShow     = "no_show"
	StatusCancelled  = "cancelled"
)

const (
	ClassGeneral = "general"
	ClassSpecial = "special"
)

// IsTerminal reports whether status admits no further transition.
// StatusNoShow is terminal-equivalent: the sweeper never touches it again,
// but an administrator may still cancel it for the record.
func IsTerminal(status string) bool {
	return status == StatusAttended || status == StatusCancelled
}

// ValidClass reports whether value is a known attention class.
func ValidClass(value string) bool {
	return value == ClassGeneral || value == ClassSpecial
}

// FlipClass toggles between the two attention classes.
func FlipClass(value string) string {
	if value == ClassSpecial {
		return ClassGeneral
	}
	return ClassSpecial
}
