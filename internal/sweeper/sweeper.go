package sweeper

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"time"

	"tomaturno/dispatch-service/internal/audit"
	"tomaturno/dispatch-service/internal/store"
)

var (
	expiredHolds   = expvar.NewInt("sweeper_expired_holds_total")
	sweptRequeued  = expvar.NewInt("sweeper_requeued_total")
	sweptNoShows   = expvar.NewInt("sweeper_no_shows_total")
	sweepRunErrors = expvar.NewInt("sweeper_run_errors_total")
)

const systemActor = "system:sweeper"

// Broadcaster pushes committed transitions to connected displays. The hub
// satisfies it.
type Broadcaster interface {
	Broadcast(eventType, attentionClass string, payload []byte)
}

// Sweeper applies the two timeout policies on a fixed cadence: holds older
// than MaxHoldAge go back to the queue, calling turns older than
// MaxCallAwait get the no-show treatment. Each forced transition is audited
// under the system actor and broadcast like any staff-driven one.
type Sweeper struct {
	store     store.TurnStore
	recorder  *audit.Recorder
	hub       Broadcaster
	interval  time.Duration
	holdAge   time.Duration
	callAwait time.Duration
	batchSize int
}

type Config struct {
	Interval     time.Duration
	MaxHoldAge   time.Duration
	MaxCallAwait time.Duration
	BatchSize    int
}

func New(st store.TurnStore, recorder *audit.Recorder, hub Broadcaster, cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:     st,
		recorder:  recorder,
		hub:       hub,
		interval:  interval,
		holdAge:   cfg.MaxHoldAge,
		callAwait: cfg.MaxCallAwait,
		batchSize: batch,
	}
}

// RunOnce executes one sweep of both policies.
func (s *Sweeper) RunOnce(ctx context.Context) {
	expired, err := s.store.ExpireHolds(ctx, s.holdAge, s.batchSize)
	if err != nil {
		sweepRunErrors.Add(1)
		log.Printf("sweeper expire holds error: %v", err)
	}
	for _, turn := range expired {
		expiredHolds.Add(1)
		log.Printf("sweeper released hold turn=%s number=%s", turn.TurnID, turn.DisplayNumber)
		s.recorder.Record(ctx, systemActor, "release_hold", turn.TurnID, "hold expired")
		s.broadcast(store.EventTurnReleased, turn.AttentionClass, store.NewEvent(store.EventTurnReleased, turn))
	}

	results, err := s.store.SweepCalling(ctx, s.callAwait, s.batchSize)
	if err != nil {
		sweepRunErrors.Add(1)
		log.Printf("sweeper calling error: %v", err)
	}
	for _, result := range results {
		eventType := store.EventTurnNoShow
		reason := "patient did not present before timeout"
		if result.Requeued {
			eventType = store.EventTurnRequeued
			sweptRequeued.Add(1)
		} else {
			sweptNoShows.Add(1)
		}
		log.Printf("sweeper no-show turn=%s number=%s requeued=%v",
			result.Turn.TurnID, result.Turn.DisplayNumber, result.Requeued)
		s.recorder.Record(ctx, systemActor, "no_show", result.Turn.TurnID, reason)
		s.broadcast(eventType, result.Turn.AttentionClass, store.NewEvent(eventType, result.Turn))
	}
}

func (s *Sweeper) broadcast(eventType, attentionClass string, event store.Event) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.hub.Broadcast(eventType, attentionClass, payload)
}

// Loop runs RunOnce on every tick until the context is cancelled.
func (s *Sweeper) Loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
