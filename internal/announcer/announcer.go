package announcer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

// Announcer drains the event feed and announces every turn.calling event to
// the waiting room. It keeps its cursor in memory: after a restart it
// announces from "now", which is the right behavior for a live PA channel.
type Announcer struct {
	store     store.TurnStore
	provider  Provider
	batchSize int
	cursor    store.EventCursor
}

type Config struct {
	Provider  string
	BatchSize int
}

func New(st store.TurnStore, cfg Config) *Announcer {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Announcer{
		store:     st,
		provider:  NewProvider(cfg.Provider),
		batchSize: batch,
		cursor:    store.EventCursor{Time: time.Now().UTC()},
	}
}

// Run processes one batch of events. Provider failures are logged and the
// cursor still advances: a missed announcement is stale within seconds and
// not worth replaying. The cursor carries the last event id so a batch
// boundary inside a group of same-timestamp events resumes mid-group.
func (a *Announcer) Run(ctx context.Context) error {
	events, err := a.store.ListEvents(ctx, a.cursor, a.batchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.Type == store.EventTurnCalling {
			if err := a.announce(ctx, event); err != nil {
				log.Printf("announce error event=%s err=%v", event.EventID, err)
			}
		}
		a.cursor = store.EventCursor{Time: event.CreatedAt, EventID: event.EventID}
	}
	return nil
}

func (a *Announcer) announce(ctx context.Context, event store.Event) error {
	var turn models.Turn
	if err := json.Unmarshal(event.Payload, &turn); err != nil {
		return err
	}
	return a.provider.Announce(ctx, Message(turn))
}

func Message(turn models.Turn) string {
	if turn.CubicleID != nil {
		return fmt.Sprintf("Turno %s, pase al cubiculo %s", turn.DisplayNumber, *turn.CubicleID)
	}
	return fmt.Sprintf("Turno %s, pase a recepcion", turn.DisplayNumber)
}

// Loop runs until the context is cancelled, one batch per tick.
func (a *Announcer) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				log.Printf("announcer run error: %v", err)
			}
		}
	}
}
