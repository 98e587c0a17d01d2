package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

// Store is a mutex-guarded in-memory TurnStore. It backs local development
// when no database DSN is configured and the test suite. Guard check and
// mutation happen under one critical section, which gives the same per-turn
// atomicity the postgres store gets from row locks.
type Store struct {
	mu        sync.Mutex
	policy    store.Policy
	turns     map[string]*models.Turn
	cubicles  map[string]*models.Cubicle
	phlebs    map[string]*models.Phlebotomist
	sessions  map[string]store.Session
	sequences map[string]int64
	actions   map[string]actionRecord
	audit     []store.AuditEntry
	events    []store.Event
}

type actionRecord struct {
	turnID string
}

func NewStore(policy store.Policy) *Store {
	if policy.CallMaxAttempts <= 0 {
		policy.CallMaxAttempts = 3
	}
	return &Store{
		policy:    policy,
		turns:     make(map[string]*models.Turn),
		cubicles:  make(map[string]*models.Cubicle),
		phlebs:    make(map[string]*models.Phlebotomist),
		sessions:  make(map[string]store.Session),
		sequences: make(map[string]int64),
		actions:   make(map[string]actionRecord),
	}
}

// AddCubicle seeds a cubicle. Roster provisioning is an external concern;
// only the memory store needs it for development and tests.
func (s *Store) AddCubicle(cubicle models.Cubicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := cubicle
	s.cubicles[cubicle.CubicleID] = &copied
}

func (s *Store) AddPhlebotomist(phleb models.Phlebotomist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := phleb
	s.phlebs[phleb.PhlebotomistID] = &copied
}

func (s *Store) AddSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) AddEvent(event store.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *Store) CreateTurn(ctx context.Context, input store.CreateTurnInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("create", input.RequestID); ok {
		return turn, false, nil
	}
	if !models.ValidClass(input.AttentionClass) {
		return models.Turn{}, false, store.ErrInvalidClass
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := createdAt.UTC().Format("2006-01-02")
	s.sequences[day]++
	seq := s.sequences[day]

	turn := &models.Turn{
		TurnID:         uuid.NewString(),
		DisplayNumber:  fmt.Sprintf("T-%03d", seq),
		SequenceNumber: seq,
		PatientName:    input.PatientName,
		WorkOrder:      input.WorkOrder,
		TubesRequired:  input.TubesRequired,
		AttentionClass: input.AttentionClass,
		Status:         models.StatusPending,
		CreatedAt:      createdAt,
		RequestID:      input.RequestID,
	}
	s.turns[turn.TurnID] = turn
	s.record("create", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnCreated, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID string) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return models.Turn{}, store.ErrTurnNotFound
	}
	return cloneTurn(turn), nil
}

func (s *Store) ListPending(ctx context.Context, filters store.PendingFilters) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []models.Turn
	for _, turn := range s.turns {
		if turn.Status != models.StatusPending {
			continue
		}
		if filters.AttentionClass != "" && turn.AttentionClass != filters.AttentionClass {
			continue
		}
		pending = append(pending, cloneTurn(turn))
	}
	return store.OrderPending(pending), nil
}

func (s *Store) ListCalling(ctx context.Context) ([]models.Turn, error) {
	return s.listByStatus(models.StatusCalling), nil
}

func (s *Store) ListInProgress(ctx context.Context) ([]models.Turn, error) {
	return s.listByStatus(models.StatusInProgress), nil
}

func (s *Store) listByStatus(status string) []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Turn
	for _, turn := range s.turns {
		if turn.Status == status {
			result = append(result, cloneTurn(turn))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SequenceNumber < result[j].SequenceNumber
	})
	return result
}

func (s *Store) HoldTurn(ctx context.Context, input store.HoldInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("hold", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "hold")
	if err != nil {
		if err == store.ErrInvalidState {
			if existing, ok := s.turns[input.TurnID]; ok && existing.HolderID != nil {
				return models.Turn{}, false, store.ErrAlreadyHeld
			}
		}
		return models.Turn{}, false, err
	}

	occurredAt := occurredOrNow(input.OccurredAt)
	turn.Status = models.StatusHolding
	turn.HolderID = &input.PhlebotomistID
	turn.HeldAt = &occurredAt
	s.record("hold", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnHolding, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) ReleaseHold(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("release_hold", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "release_hold")
	if err != nil {
		return models.Turn{}, false, err
	}

	s.releaseHoldLocked(turn)
	s.record("release_hold", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnReleased, *turn)
	return cloneTurn(turn), true, nil
}

// releaseHoldLocked puts a held turn back where it was: the effective
// timestamp is untouched, so the turn keeps its queue position.
func (s *Store) releaseHoldLocked(turn *models.Turn) {
	turn.Status = models.StatusPending
	turn.HolderID = nil
	turn.HeldAt = nil
}

func (s *Store) CallTurn(ctx context.Context, input store.CallInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("call", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "call")
	if err != nil {
		return models.Turn{}, false, err
	}
	if turn.HolderID == nil || *turn.HolderID != input.PhlebotomistID {
		return models.Turn{}, false, store.ErrHolderMismatch
	}

	occurredAt := occurredOrNow(input.OccurredAt)
	if err := s.callGuards(turn, occurredAt); err != nil {
		return models.Turn{}, false, err
	}
	cubicle, err := s.freeCubicleLocked(input.CubicleID, turn.AttentionClass)
	if err != nil {
		return models.Turn{}, false, err
	}

	s.applyCallLocked(turn, cubicle, occurredAt)
	s.record("call", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnCalling, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) callGuards(turn *models.Turn, occurredAt time.Time) error {
	if len(turn.CallAttempts) >= s.policy.CallMaxAttempts {
		return store.ErrInvalidState
	}
	if s.policy.CallRetryInterval > 0 && len(turn.CallAttempts) > 0 {
		last := turn.CallAttempts[len(turn.CallAttempts)-1]
		if occurredAt.Sub(last) < s.policy.CallRetryInterval {
			return store.ErrCallTooSoon
		}
	}
	return nil
}

func (s *Store) freeCubicleLocked(cubicleID, attentionClass string) (*models.Cubicle, error) {
	cubicle, ok := s.cubicles[cubicleID]
	if !ok {
		return nil, store.ErrCubicleNotFound
	}
	if !cubicle.Active {
		return nil, store.ErrCubicleInactive
	}
	if cubicle.OccupyingTurnID != nil {
		return nil, store.ErrCubicleOccupied
	}
	if !models.ClassAllowed(cubicle.Type, attentionClass, s.policy.SpecialPullsGeneral) {
		return nil, store.ErrCubicleTypeMismatch
	}
	return cubicle, nil
}

func (s *Store) applyCallLocked(turn *models.Turn, cubicle *models.Cubicle, occurredAt time.Time) {
	turn.Status = models.StatusCalling
	turn.CubicleID = &cubicle.CubicleID
	turn.CalledAt = &occurredAt
	turn.HeldAt = nil
	turn.CallAttempts = append(turn.CallAttempts, occurredAt)
	turnID := turn.TurnID
	cubicle.OccupyingTurnID = &turnID
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("call_next", input.RequestID); ok {
		if turn.TurnID == "" {
			return models.Turn{}, false, store.ErrNoTurn
		}
		return turn, false, nil
	}

	cubicle, ok := s.cubicles[input.CubicleID]
	if !ok {
		return models.Turn{}, false, store.ErrCubicleNotFound
	}
	if !cubicle.Active {
		return models.Turn{}, false, store.ErrCubicleInactive
	}
	if cubicle.OccupyingTurnID != nil {
		return models.Turn{}, false, store.ErrCubicleOccupied
	}

	occurredAt := occurredOrNow(input.OccurredAt)
	turn := s.nextEligibleLocked(cubicle.Type, occurredAt)
	if turn == nil {
		s.record("call_next", input.RequestID, "")
		return models.Turn{}, false, store.ErrNoTurn
	}

	turn.Status = models.StatusHolding
	turn.HolderID = &input.PhlebotomistID
	s.applyCallLocked(turn, cubicle, occurredAt)
	s.record("call_next", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnCalling, *turn)
	return cloneTurn(turn), true, nil
}

// nextEligibleLocked returns the ordering head among pending, unheld turns
// whose class the cubicle may attend and whose last call attempt is older
// than the retry interval. For a special cubicle the general bucket is only
// reachable when the fallback policy is on and no special turn qualifies.
func (s *Store) nextEligibleLocked(cubicleType string, now time.Time) *models.Turn {
	var candidates []models.Turn
	for _, turn := range s.turns {
		if turn.Status != models.StatusPending || turn.HolderID != nil {
			continue
		}
		if s.callGuards(turn, now) != nil {
			continue
		}
		if !models.ClassAllowed(cubicleType, turn.AttentionClass, s.policy.SpecialPullsGeneral) {
			continue
		}
		candidates = append(candidates, *turn)
	}
	if len(candidates) == 0 {
		return nil
	}
	ordered := store.OrderPending(candidates)
	return s.turns[ordered[0].TurnID]
}

func (s *Store) MarkPresent(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("present", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "present")
	if err != nil {
		return models.Turn{}, false, err
	}

	occurredAt := occurredOrNow(input.OccurredAt)
	turn.Status = models.StatusInProgress
	turn.StartedAt = &occurredAt
	s.record("present", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnInProgress, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) MarkNoShow(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("no_show", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "no_show")
	if err != nil {
		return models.Turn{}, false, err
	}

	s.applyNoShowLocked(turn, occurredOrNow(input.OccurredAt))
	s.record("no_show", input.RequestID, turn.TurnID)
	return cloneTurn(turn), true, nil
}

// applyNoShowLocked applies the no-show policy to a calling turn: below the
// attempt limit the turn requeues at the tail of its bucket, at the limit it
// becomes a no-show. Either way the cubicle is freed.
func (s *Store) applyNoShowLocked(turn *models.Turn, occurredAt time.Time) bool {
	s.freeOccupationLocked(turn)
	turn.HolderID = nil
	turn.HeldAt = nil
	if len(turn.CallAttempts) < s.policy.CallMaxAttempts {
		turn.Status = models.StatusPending
		turn.CubicleID = nil
		turn.CalledAt = nil
		turn.DeferredAt = &occurredAt
		s.emit(store.EventTurnRequeued, *turn)
		return true
	}
	turn.Status = models.StatusNoShow
	s.emit(store.EventTurnNoShow, *turn)
	return false
}

func (s *Store) freeOccupationLocked(turn *models.Turn) {
	if turn.CubicleID == nil {
		return
	}
	if cubicle, ok := s.cubicles[*turn.CubicleID]; ok {
		if cubicle.OccupyingTurnID != nil && *cubicle.OccupyingTurnID == turn.TurnID {
			cubicle.OccupyingTurnID = nil
		}
	}
}

func (s *Store) CompleteTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("complete", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "complete")
	if err != nil {
		return models.Turn{}, false, err
	}

	s.applyCompleteLocked(turn, occurredOrNow(input.OccurredAt), input.Observations, "")
	s.record("complete", input.RequestID, turn.TurnID)
	return cloneTurn(turn), true, nil
}

func (s *Store) applyCompleteLocked(turn *models.Turn, occurredAt time.Time, observations, overrideReason string) {
	s.freeOccupationLocked(turn)
	turn.Status = models.StatusAttended
	turn.CompletedAt = &occurredAt
	turn.Observations = observations
	turn.OverrideReason = overrideReason
	if turn.StartedAt != nil {
		secs := int(occurredAt.Sub(*turn.StartedAt) / time.Second)
		turn.AttentionSecs = &secs
	}
	turn.AttendedBy = turn.HolderID
	turn.HolderID = nil
	turn.HeldAt = nil
	s.emit(store.EventTurnAttended, *turn)
}

func (s *Store) ForceComplete(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("force_complete", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "force_complete")
	if err != nil {
		return models.Turn{}, false, err
	}

	s.applyCompleteLocked(turn, occurredOrNow(input.OccurredAt), input.Observations, input.Reason)
	s.record("force_complete", input.RequestID, turn.TurnID)
	return cloneTurn(turn), true, nil
}

func (s *Store) CancelTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("cancel", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "cancel")
	if err != nil {
		return models.Turn{}, false, err
	}

	s.freeOccupationLocked(turn)
	turn.Status = models.StatusCancelled
	turn.CancelReason = input.Reason
	turn.HolderID = nil
	turn.HeldAt = nil
	s.record("cancel", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnCancelled, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) ReturnToQueue(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("return_to_queue", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "return_to_queue")
	if err != nil {
		return models.Turn{}, false, err
	}

	occurredAt := occurredOrNow(input.OccurredAt)
	s.freeOccupationLocked(turn)
	turn.Status = models.StatusPending
	turn.HolderID = nil
	turn.HeldAt = nil
	turn.CubicleID = nil
	turn.CalledAt = nil
	turn.StartedAt = nil
	turn.CallAttempts = nil
	turn.DeferredAt = &occurredAt
	turn.OverrideReason = input.Reason
	s.record("return_to_queue", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnRequeued, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) ChangePriority(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("change_priority", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "change_priority")
	if err != nil {
		return models.Turn{}, false, err
	}

	turn.AttentionClass = models.FlipClass(turn.AttentionClass)
	s.record("change_priority", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnPriorityChanged, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) DeferTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("defer", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "defer")
	if err != nil {
		return models.Turn{}, false, err
	}
	if turn.HolderID != nil {
		return models.Turn{}, false, store.ErrAlreadyHeld
	}

	occurredAt := occurredOrNow(input.OccurredAt)
	turn.DeferredAt = &occurredAt
	s.record("defer", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnDeferred, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) ReassignCubicle(ctx context.Context, input store.ReassignInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("reassign_cubicle", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "reassign_cubicle")
	if err != nil {
		return models.Turn{}, false, err
	}

	if turn.CubicleID != nil && *turn.CubicleID == input.CubicleID {
		s.record("reassign_cubicle", input.RequestID, turn.TurnID)
		return cloneTurn(turn), true, nil
	}

	target, err := s.freeCubicleLocked(input.CubicleID, turn.AttentionClass)
	if err != nil {
		return models.Turn{}, false, err
	}

	s.freeOccupationLocked(turn)
	turn.CubicleID = &target.CubicleID
	turnID := turn.TurnID
	target.OccupyingTurnID = &turnID
	s.record("reassign_cubicle", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnReassigned, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) ReassignPhlebotomist(ctx context.Context, input store.ReassignInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn, ok := s.replay("reassign_phlebotomist", input.RequestID); ok {
		return turn, false, nil
	}
	turn, err := s.guardedTurn(input.TurnID, "reassign_phlebotomist")
	if err != nil {
		return models.Turn{}, false, err
	}

	target, ok := s.phlebs[input.PhlebotomistID]
	if !ok || !target.Active {
		return models.Turn{}, false, store.ErrPhlebotomistNotFound
	}
	if turn.HolderID != nil && *turn.HolderID == input.PhlebotomistID {
		s.record("reassign_phlebotomist", input.RequestID, turn.TurnID)
		return cloneTurn(turn), true, nil
	}
	for _, other := range s.turns {
		if other.TurnID == turn.TurnID || other.HolderID == nil {
			continue
		}
		if *other.HolderID != input.PhlebotomistID {
			continue
		}
		switch other.Status {
		case models.StatusHolding, models.StatusCalling, models.StatusInProgress:
			return models.Turn{}, false, store.ErrPhlebotomistBusy
		}
	}

	turn.HolderID = &target.PhlebotomistID
	s.record("reassign_phlebotomist", input.RequestID, turn.TurnID)
	s.emit(store.EventTurnReassigned, *turn)
	return cloneTurn(turn), true, nil
}

func (s *Store) ExpireHolds(ctx context.Context, maxAge time.Duration, batchSize int) ([]models.Turn, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var expired []models.Turn
	for _, turn := range s.turns {
		if len(expired) >= batchSize {
			break
		}
		if turn.Status != models.StatusHolding || turn.HeldAt == nil {
			continue
		}
		if turn.HeldAt.After(cutoff) {
			continue
		}
		s.releaseHoldLocked(turn)
		s.emit(store.EventTurnReleased, *turn)
		expired = append(expired, cloneTurn(turn))
	}
	return expired, nil
}

func (s *Store) SweepCalling(ctx context.Context, maxAwait time.Duration, batchSize int) ([]store.SweepResult, error) {
	if maxAwait <= 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-maxAwait)
	var results []store.SweepResult
	for _, turn := range s.turns {
		if len(results) >= batchSize {
			break
		}
		if turn.Status != models.StatusCalling || turn.CalledAt == nil {
			continue
		}
		if turn.CalledAt.After(cutoff) {
			continue
		}
		requeued := s.applyNoShowLocked(turn, now)
		results = append(results, store.SweepResult{Turn: cloneTurn(turn), Requeued: requeued})
	}
	return results, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, after time.Time, limit int) ([]store.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []store.AuditEntry
	for _, entry := range s.audit {
		if !after.IsZero() && !entry.CreatedAt.After(after) {
			continue
		}
		entries = append(entries, entry)
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) ListEvents(ctx context.Context, after store.EventCursor, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := make([]store.Event, len(s.events))
	copy(ordered, s.events)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].EventID < ordered[j].EventID
	})
	var events []store.Event
	for _, event := range ordered {
		if !after.Precedes(event) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListCubicles(ctx context.Context) ([]models.Cubicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cubicles []models.Cubicle
	for _, cubicle := range s.cubicles {
		cubicles = append(cubicles, *cubicle)
	}
	sort.Slice(cubicles, func(i, j int) bool { return cubicles[i].Name < cubicles[j].Name })
	return cubicles, nil
}

func (s *Store) SelectCubicle(ctx context.Context, cubicleID, phlebotomistID string) (models.Cubicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cubicle, ok := s.cubicles[cubicleID]
	if !ok {
		return models.Cubicle{}, store.ErrCubicleNotFound
	}
	if !cubicle.Active {
		return models.Cubicle{}, store.ErrCubicleInactive
	}
	phleb, ok := s.phlebs[phlebotomistID]
	if !ok || !phleb.Active {
		return models.Cubicle{}, store.ErrPhlebotomistNotFound
	}
	if cubicle.PhlebotomistID != nil && *cubicle.PhlebotomistID != phlebotomistID {
		return models.Cubicle{}, store.ErrCubicleClaimed
	}
	for _, other := range s.cubicles {
		if other.CubicleID != cubicleID && other.PhlebotomistID != nil && *other.PhlebotomistID == phlebotomistID {
			other.PhlebotomistID = nil
		}
	}
	cubicle.PhlebotomistID = &phleb.PhlebotomistID
	return *cubicle, nil
}

func (s *Store) ListPhlebotomists(ctx context.Context) ([]models.Phlebotomist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var phlebs []models.Phlebotomist
	for _, phleb := range s.phlebs {
		projected := *phleb
		for _, cubicle := range s.cubicles {
			if cubicle.PhlebotomistID != nil && *cubicle.PhlebotomistID == phleb.PhlebotomistID {
				id := cubicle.CubicleID
				projected.AssignedCubicleID = &id
				break
			}
		}
		phlebs = append(phlebs, projected)
	}
	sort.Slice(phlebs, func(i, j int) bool { return phlebs[i].Name < phlebs[j].Name })
	return phlebs, nil
}

func (s *Store) QueueSummary(ctx context.Context) (store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	summary := store.Summary{
		CountsByStatus:    make(map[string]int),
		CubicleOccupation: make(map[string]*string),
	}
	var waitTotal, attentionTotal float64
	var waitCount, attentionCount int
	for _, turn := range s.turns {
		if turn.CreatedAt.UTC().Format("2006-01-02") != day {
			continue
		}
		summary.CountsByStatus[turn.Status]++
		if turn.CalledAt != nil {
			waitTotal += turn.CalledAt.Sub(turn.CreatedAt).Minutes()
			waitCount++
		}
		if turn.AttentionSecs != nil {
			attentionTotal += float64(*turn.AttentionSecs) / 60.0
			attentionCount++
		}
	}
	if waitCount > 0 {
		summary.AvgWaitMinutes = waitTotal / float64(waitCount)
	}
	if attentionCount > 0 {
		summary.AvgAttentionMinutes = attentionTotal / float64(attentionCount)
	}
	for _, cubicle := range s.cubicles {
		var display *string
		if cubicle.OccupyingTurnID != nil {
			if turn, ok := s.turns[*cubicle.OccupyingTurnID]; ok {
				number := turn.DisplayNumber
				display = &number
			}
		}
		summary.CubicleOccupation[cubicle.Name] = display
	}
	return summary, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(time.Now().UTC()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

// guardedTurn resolves the turn and checks the transition table. Terminal
// turns report ErrTerminalState so the boundary can distinguish "final" from
// a plain state conflict.
func (s *Store) guardedTurn(turnID, action string) (*models.Turn, error) {
	turn, ok := s.turns[turnID]
	if !ok {
		return nil, store.ErrTurnNotFound
	}
	if models.IsTerminal(turn.Status) {
		return nil, store.ErrTerminalState
	}
	if !store.ValidTransition(action, turn.Status) {
		return nil, store.ErrInvalidState
	}
	return turn, nil
}

func (s *Store) replay(action, requestID string) (models.Turn, bool) {
	if requestID == "" {
		return models.Turn{}, false
	}
	record, ok := s.actions[action+"|"+requestID]
	if !ok {
		return models.Turn{}, false
	}
	if record.turnID == "" {
		return models.Turn{}, true
	}
	if turn, exists := s.turns[record.turnID]; exists {
		return cloneTurn(turn), true
	}
	return models.Turn{}, true
}

func (s *Store) record(action, requestID, turnID string) {
	if requestID == "" {
		return
	}
	s.actions[action+"|"+requestID] = actionRecord{turnID: turnID}
}

func (s *Store) emit(eventType string, turn models.Turn) {
	s.events = append(s.events, store.NewEvent(eventType, turn))
}

func occurredOrNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}

func cloneTurn(turn *models.Turn) models.Turn {
	copied := *turn
	if len(turn.CallAttempts) > 0 {
		copied.CallAttempts = append([]time.Time(nil), turn.CallAttempts...)
	}
	return copied
}
