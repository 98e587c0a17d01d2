package store

import (
	"context"
	"encoding/json"
	"time"

	"tomaturno/dispatch-service/internal/models"
)

type CreateTurnInput struct {
	RequestID      string
	PatientName    string
	WorkOrder      string
	TubesRequired  int
	AttentionClass string
	CreatedAt      time.Time
}

type HoldInput struct {
	RequestID      string
	TurnID         string
	PhlebotomistID string
	OccurredAt     time.Time
}

type CallInput struct {
	RequestID      string
	TurnID         string
	PhlebotomistID string
	CubicleID      string
	OccurredAt     time.Time
}

type CallNextInput struct {
	RequestID      string
	PhlebotomistID string
	CubicleID      string
	OccurredAt     time.Time
}

// TurnActionInput covers single-turn actions: present, no-show, complete,
// and the admin overrides. Reason is validated by the caller for the
// actions that require one; the store records it verbatim.
type TurnActionInput struct {
	RequestID    string
	TurnID       string
	ActorID      string
	Reason       string
	Observations string
	OccurredAt   time.Time
}

type ReassignInput struct {
	RequestID      string
	TurnID         string
	ActorID        string
	CubicleID      string
	PhlebotomistID string
	OccurredAt     time.Time
}

type PendingFilters struct {
	AttentionClass string
}

type AuditEntry struct {
	EntryID   string    `json:"entry_id"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	TurnID    string    `json:"turn_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Event struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventCursor marks a position in the event feed. Events are totally
// ordered by (CreatedAt, EventID); the id tie-break keeps consumers from
// losing an event when several share a timestamp across a batch boundary.
// A zero cursor reads from the start; a cursor without an EventID reads
// strictly after the timestamp.
type EventCursor struct {
	Time    time.Time
	EventID string
}

// Precedes reports whether the cursor sits strictly before the event.
func (c EventCursor) Precedes(event Event) bool {
	if c.Time.IsZero() {
		return true
	}
	if event.CreatedAt.After(c.Time) {
		return true
	}
	return c.EventID != "" && event.CreatedAt.Equal(c.Time) && event.EventID > c.EventID
}

type Session struct {
	SessionID string
	ActorID   string
	ActorName string
	Role      string
	ExpiresAt time.Time
}

// Summary is the admin dashboard projection for the current operating day.
type Summary struct {
	CountsByStatus      map[string]int     `json:"counts_by_status"`
	AvgWaitMinutes      float64            `json:"avg_wait_minutes"`
	AvgAttentionMinutes float64            `json:"avg_attention_minutes"`
	CubicleOccupation   map[string]*string `json:"cubicle_occupation"`
}

// SweepResult reports one forced transition applied by the timeout sweeper.
type SweepResult struct {
	Turn     models.Turn
	Requeued bool
}

// Policy carries the dispatch policy constants the store enforces on its
// guarded transitions.
type Policy struct {
	CallRetryInterval   time.Duration
	CallMaxAttempts     int
	SpecialPullsGeneral bool
}

// TurnStore is the single authoritative source of truth for turns, cubicles
// and their mutual exclusion. Every mutating method performs its guard check
// and mutation as one atomic step with respect to the touched turn (and
// cubicle, where the operation spans both). All mutating methods are
// idempotent by RequestID: a replay returns the originally produced turn
// with applied=false and performs no second transition.
type TurnStore interface {
	CreateTurn(ctx context.Context, input CreateTurnInput) (models.Turn, bool, error)
	GetTurn(ctx context.Context, turnID string) (models.Turn, error)
	ListPending(ctx context.Context, filters PendingFilters) ([]models.Turn, error)
	ListCalling(ctx context.Context) ([]models.Turn, error)
	ListInProgress(ctx context.Context) ([]models.Turn, error)

	HoldTurn(ctx context.Context, input HoldInput) (models.Turn, bool, error)
	ReleaseHold(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)
	CallTurn(ctx context.Context, input CallInput) (models.Turn, bool, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Turn, bool, error)
	MarkPresent(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)
	MarkNoShow(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)
	CompleteTurn(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)

	ForceComplete(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)
	CancelTurn(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)
	ReturnToQueue(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)
	ChangePriority(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)
	DeferTurn(ctx context.Context, input TurnActionInput) (models.Turn, bool, error)
	ReassignCubicle(ctx context.Context, input ReassignInput) (models.Turn, bool, error)
	ReassignPhlebotomist(ctx context.Context, input ReassignInput) (models.Turn, bool, error)

	ExpireHolds(ctx context.Context, maxAge time.Duration, batchSize int) ([]models.Turn, error)
	SweepCalling(ctx context.Context, maxAwait time.Duration, batchSize int) ([]SweepResult, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, after time.Time, limit int) ([]AuditEntry, error)
	ListEvents(ctx context.Context, after EventCursor, limit int) ([]Event, error)

	ListCubicles(ctx context.Context) ([]models.Cubicle, error)
	SelectCubicle(ctx context.Context, cubicleID, phlebotomistID string) (models.Cubicle, error)
	ListPhlebotomists(ctx context.Context) ([]models.Phlebotomist, error)

	QueueSummary(ctx context.Context) (Summary, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}
