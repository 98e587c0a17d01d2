package audit

import (
	"context"
	"expvar"
	"log"
	"time"

	"github.com/google/uuid"

	"tomaturno/dispatch-service/internal/store"
)

var writeFailures = expvar.NewInt("audit_write_failures_total")

// Sink is where audit entries land; the store satisfies it.
type Sink interface {
	AppendAudit(ctx context.Context, entry store.AuditEntry) error
}

// Recorder writes audit entries after the transition they describe has
// committed. A failed write never rolls anything back: the entry is logged
// loudly and counted, and the caller moves on.
type Recorder struct {
	sink Sink
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

func (r *Recorder) Record(ctx context.Context, actorID, action, turnID, reason string) {
	entry := store.AuditEntry{
		EntryID:   uuid.NewString(),
		ActorID:   actorID,
		Action:    action,
		TurnID:    turnID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.sink.AppendAudit(ctx, entry); err != nil {
		writeFailures.Add(1)
		log.Printf("ALERT audit write failed action=%s turn=%s actor=%s err=%v",
			action, turnID, actorID, err)
	}
}
