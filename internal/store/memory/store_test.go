package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

func testPolicy() store.Policy {
	return store.Policy{
		CallRetryInterval:   0,
		CallMaxAttempts:     3,
		SpecialPullsGeneral: true,
	}
}

var reqSeq atomic.Int64

func nextReqID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, reqSeq.Add(1))
}

func newSeededStore(t *testing.T, policy store.Policy) *Store {
	t.Helper()
	s := NewStore(policy)
	s.AddCubicle(models.Cubicle{CubicleID: "cub-1", Name: "Cubicle 1", Type: models.ClassGeneral, Active: true})
	s.AddCubicle(models.Cubicle{CubicleID: "cub-2", Name: "Cubicle 2", Type: models.ClassSpecial, Active: true})
	s.AddPhlebotomist(models.Phlebotomist{PhlebotomistID: "phleb-1", Name: "Ana", Active: true})
	s.AddPhlebotomist(models.Phlebotomist{PhlebotomistID: "phleb-2", Name: "Luis", Active: true})
	return s
}

func mustCreate(t *testing.T, s *Store, requestID, class string) models.Turn {
	t.Helper()
	turn, _, err := s.CreateTurn(context.Background(), store.CreateTurnInput{
		RequestID:      requestID,
		PatientName:    "Patient " + requestID,
		AttentionClass: class,
	})
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	return turn
}

func mustHold(t *testing.T, s *Store, turnID, phlebID string) models.Turn {
	t.Helper()
	turn, _, err := s.HoldTurn(context.Background(), store.HoldInput{
		RequestID:      nextReqID("hold"),
		TurnID:         turnID,
		PhlebotomistID: phlebID,
	})
	if err != nil {
		t.Fatalf("hold turn: %v", err)
	}
	return turn
}

func mustCall(t *testing.T, s *Store, turnID, phlebID, cubicleID string) models.Turn {
	t.Helper()
	turn, _, err := s.CallTurn(context.Background(), store.CallInput{
		RequestID:      nextReqID("call"),
		TurnID:         turnID,
		PhlebotomistID: phlebID,
		CubicleID:      cubicleID,
	})
	if err != nil {
		t.Fatalf("call turn: %v", err)
	}
	return turn
}

func TestHoldMutualExclusion(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)

	mustHold(t, s, turn.TurnID, "phleb-1")

	_, _, err := s.HoldTurn(context.Background(), store.HoldInput{
		RequestID:      "hold-loser",
		TurnID:         turn.TurnID,
		PhlebotomistID: "phleb-2",
	})
	if !errors.Is(err, store.ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
}

func TestConcurrentHoldSingleWinner(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)

	const contenders = 16
	var wg sync.WaitGroup
	var won sync.Map
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, applied, err := s.HoldTurn(context.Background(), store.HoldInput{
				RequestID:      "hold-" + string(rune('a'+n)),
				TurnID:         turn.TurnID,
				PhlebotomistID: "phleb-1",
			})
			if err == nil && applied {
				won.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	won.Range(func(_, _ any) bool { winners++; return true })
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestCallRequiresHolder(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustHold(t, s, turn.TurnID, "phleb-1")

	_, _, err := s.CallTurn(context.Background(), store.CallInput{
		RequestID:      "call-wrong",
		TurnID:         turn.TurnID,
		PhlebotomistID: "phleb-2",
		CubicleID:      "cub-1",
	})
	if !errors.Is(err, store.ErrHolderMismatch) {
		t.Fatalf("expected ErrHolderMismatch, got %v", err)
	}
}

func TestCubicleSingleOccupant(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	first := mustCreate(t, s, "req-1", models.ClassGeneral)
	second := mustCreate(t, s, "req-2", models.ClassGeneral)
	mustHold(t, s, first.TurnID, "phleb-1")
	mustHold(t, s, second.TurnID, "phleb-2")
	mustCall(t, s, first.TurnID, "phleb-1", "cub-1")

	_, _, err := s.CallTurn(context.Background(), store.CallInput{
		RequestID:      "call-occupied",
		TurnID:         second.TurnID,
		PhlebotomistID: "phleb-2",
		CubicleID:      "cub-1",
	})
	if !errors.Is(err, store.ErrCubicleOccupied) {
		t.Fatalf("expected ErrCubicleOccupied, got %v", err)
	}
}

func TestCubicleTypeGuards(t *testing.T) {
	policy := testPolicy()
	policy.SpecialPullsGeneral = false
	s := newSeededStore(t, policy)

	general := mustCreate(t, s, "req-gen", models.ClassGeneral)
	special := mustCreate(t, s, "req-spec", models.ClassSpecial)
	mustHold(t, s, general.TurnID, "phleb-1")
	mustHold(t, s, special.TurnID, "phleb-2")

	// Special turn at a general cubicle always mismatches.
	_, _, err := s.CallTurn(context.Background(), store.CallInput{
		RequestID:      "call-mismatch-1",
		TurnID:         special.TurnID,
		PhlebotomistID: "phleb-2",
		CubicleID:      "cub-1",
	})
	if !errors.Is(err, store.ErrCubicleTypeMismatch) {
		t.Fatalf("expected ErrCubicleTypeMismatch, got %v", err)
	}

	// With fallback off, a general turn cannot use the special cubicle.
	_, _, err = s.CallTurn(context.Background(), store.CallInput{
		RequestID:      "call-mismatch-2",
		TurnID:         general.TurnID,
		PhlebotomistID: "phleb-1",
		CubicleID:      "cub-2",
	})
	if !errors.Is(err, store.ErrCubicleTypeMismatch) {
		t.Fatalf("expected ErrCubicleTypeMismatch, got %v", err)
	}
}

func TestNoShowRequeuesUntilAttemptLimit(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)

	for attempt := 1; attempt <= 3; attempt++ {
		mustHold(t, s, turn.TurnID, "phleb-1")
		called := mustCall(t, s, turn.TurnID, "phleb-1", "cub-1")
		if len(called.CallAttempts) != attempt {
			t.Fatalf("attempt %d: got %d recorded attempts", attempt, len(called.CallAttempts))
		}
		after, _, err := s.MarkNoShow(context.Background(), store.TurnActionInput{
			RequestID: nextReqID("noshow"),
			TurnID:    turn.TurnID,
			ActorID:   "phleb-1",
		})
		if err != nil {
			t.Fatalf("no-show %d: %v", attempt, err)
		}
		if attempt < 3 {
			if after.Status != models.StatusPending {
				t.Fatalf("attempt %d: expected requeue to pending, got %s", attempt, after.Status)
			}
			if after.DeferredAt == nil {
				t.Fatalf("attempt %d: requeued turn missing deferredAt", attempt)
			}
		} else if after.Status != models.StatusNoShow {
			t.Fatalf("attempt 3: expected no_show, got %s", after.Status)
		}
	}

	// Attempt limit reached: no further holds are possible.
	_, _, err := s.HoldTurn(context.Background(), store.HoldInput{
		RequestID:      "hold-after-terminal-ish",
		TurnID:         turn.TurnID,
		PhlebotomistID: "phleb-1",
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after no_show, got %v", err)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustHold(t, s, turn.TurnID, "phleb-1")
	mustCall(t, s, turn.TurnID, "phleb-1", "cub-1")
	if _, _, err := s.MarkPresent(context.Background(), store.TurnActionInput{RequestID: "present-1", TurnID: turn.TurnID}); err != nil {
		t.Fatalf("present: %v", err)
	}
	if _, _, err := s.CompleteTurn(context.Background(), store.TurnActionInput{RequestID: "complete-1", TurnID: turn.TurnID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	actions := []func() error{
		func() error {
			_, _, err := s.HoldTurn(context.Background(), store.HoldInput{RequestID: "t-1", TurnID: turn.TurnID, PhlebotomistID: "phleb-1"})
			return err
		},
		func() error {
			_, _, err := s.CancelTurn(context.Background(), store.TurnActionInput{RequestID: "t-2", TurnID: turn.TurnID, Reason: "late cancel"})
			return err
		},
		func() error {
			_, _, err := s.ChangePriority(context.Background(), store.TurnActionInput{RequestID: "t-3", TurnID: turn.TurnID, Reason: "late flip"})
			return err
		},
		func() error {
			_, _, err := s.ReturnToQueue(context.Background(), store.TurnActionInput{RequestID: "t-4", TurnID: turn.TurnID, Reason: "late requeue"})
			return err
		},
	}
	for i, action := range actions {
		if err := action(); !errors.Is(err, store.ErrTerminalState) {
			t.Fatalf("action %d: expected ErrTerminalState, got %v", i, err)
		}
	}
}

func TestChangePriorityPromotesAcrossBuckets(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	first := mustCreate(t, s, "req-1", models.ClassGeneral)
	second := mustCreate(t, s, "req-2", models.ClassGeneral)
	third := mustCreate(t, s, "req-3", models.ClassGeneral)

	flipped, applied, err := s.ChangePriority(context.Background(), store.TurnActionInput{
		RequestID: nextReqID("flip"), TurnID: second.TurnID, Reason: "wheelchair patient",
	})
	if err != nil {
		t.Fatalf("change priority: %v", err)
	}
	if !applied {
		t.Fatalf("expected the flip to apply")
	}
	if flipped.AttentionClass != models.ClassSpecial {
		t.Fatalf("expected special class, got %s", flipped.AttentionClass)
	}
	if flipped.SequenceNumber != second.SequenceNumber {
		t.Fatalf("sequence number changed: %d -> %d", second.SequenceNumber, flipped.SequenceNumber)
	}
	if flipped.DisplayNumber != second.DisplayNumber {
		t.Fatalf("display number changed: %s -> %s", second.DisplayNumber, flipped.DisplayNumber)
	}

	pending, err := s.ListPending(context.Background(), store.PendingFilters{})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	want := []string{second.TurnID, first.TurnID, third.TurnID}
	if len(pending) != len(want) {
		t.Fatalf("expected %d pending turns, got %d", len(want), len(pending))
	}
	for i, id := range want {
		if pending[i].TurnID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, pending[i].TurnID)
		}
	}

	// Flipping back demotes it to the general bucket in creation order.
	if _, _, err := s.ChangePriority(context.Background(), store.TurnActionInput{
		RequestID: nextReqID("flip"), TurnID: second.TurnID, Reason: "flagged by mistake",
	}); err != nil {
		t.Fatalf("flip back: %v", err)
	}
	pending, err = s.ListPending(context.Background(), store.PendingFilters{})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	want = []string{first.TurnID, second.TurnID, third.TurnID}
	for i, id := range want {
		if pending[i].TurnID != id {
			t.Fatalf("after flip back, position %d: expected %s, got %s", i, id, pending[i].TurnID)
		}
	}
}

func TestCompleteReleasesHolderAndCubicle(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustHold(t, s, turn.TurnID, "phleb-1")
	mustCall(t, s, turn.TurnID, "phleb-1", "cub-1")
	if _, _, err := s.MarkPresent(context.Background(), store.TurnActionInput{RequestID: "present-1", TurnID: turn.TurnID}); err != nil {
		t.Fatalf("present: %v", err)
	}

	done, _, err := s.CompleteTurn(context.Background(), store.TurnActionInput{
		RequestID:    "complete-1",
		TurnID:       turn.TurnID,
		Observations: "two tubes drawn",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.HolderID != nil {
		t.Fatalf("completed turn still has holder %q", *done.HolderID)
	}
	if done.AttendedBy == nil || *done.AttendedBy != "phleb-1" {
		t.Fatalf("expected attendedBy phleb-1, got %v", done.AttendedBy)
	}
	if done.AttentionSecs == nil {
		t.Fatal("completed turn missing attention duration")
	}

	cubicles, err := s.ListCubicles(context.Background())
	if err != nil {
		t.Fatalf("list cubicles: %v", err)
	}
	for _, cubicle := range cubicles {
		if cubicle.OccupyingTurnID != nil {
			t.Fatalf("cubicle %s still occupied after completion", cubicle.CubicleID)
		}
	}
}

func TestOrderingSpecialFirstThenDeferredTail(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	first := mustCreate(t, s, "req-1", models.ClassGeneral)
	second := mustCreate(t, s, "req-2", models.ClassGeneral)
	special := mustCreate(t, s, "req-3", models.ClassSpecial)

	// Defer the oldest general turn: it moves behind the newer one.
	if _, _, err := s.DeferTurn(context.Background(), store.TurnActionInput{RequestID: "defer-1", TurnID: first.TurnID}); err != nil {
		t.Fatalf("defer: %v", err)
	}

	pending, err := s.ListPending(context.Background(), store.PendingFilters{})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	got := []string{pending[0].TurnID, pending[1].TurnID, pending[2].TurnID}
	want := []string{special.TurnID, second.TurnID, first.TurnID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s (order %v)", i, got[i], want[i], got)
		}
	}
}

func TestCallNextPrefersSpecialWithFallback(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	general := mustCreate(t, s, "req-gen", models.ClassGeneral)
	special := mustCreate(t, s, "req-spec", models.ClassSpecial)

	// Special cubicle drains the special bucket first.
	turn, _, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:      "next-1",
		PhlebotomistID: "phleb-1",
		CubicleID:      "cub-2",
	})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if turn.TurnID != special.TurnID {
		t.Fatalf("expected special turn first, got %s", turn.DisplayNumber)
	}
	if turn.Status != models.StatusCalling {
		t.Fatalf("expected calling, got %s", turn.Status)
	}

	// Then falls back to the general bucket.
	if _, _, err := s.MarkNoShow(context.Background(), store.TurnActionInput{RequestID: "ns-1", TurnID: special.TurnID}); err != nil {
		t.Fatalf("no-show: %v", err)
	}
	turn, _, err = s.CallNext(context.Background(), store.CallNextInput{
		RequestID:      "next-2",
		PhlebotomistID: "phleb-1",
		CubicleID:      "cub-2",
	})
	if err != nil {
		t.Fatalf("call next fallback: %v", err)
	}
	if turn.TurnID != general.TurnID {
		t.Fatalf("expected fallback to general turn, got %s", turn.DisplayNumber)
	}
}

func TestCallNextNoFallbackWhenDisabled(t *testing.T) {
	policy := testPolicy()
	policy.SpecialPullsGeneral = false
	s := newSeededStore(t, policy)
	mustCreate(t, s, "req-gen", models.ClassGeneral)

	_, _, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:      "next-1",
		PhlebotomistID: "phleb-1",
		CubicleID:      "cub-2",
	})
	if !errors.Is(err, store.ErrNoTurn) {
		t.Fatalf("expected ErrNoTurn, got %v", err)
	}
}

func TestCallRetryIntervalSkipsRecentAttempts(t *testing.T) {
	policy := testPolicy()
	policy.CallRetryInterval = time.Hour
	s := newSeededStore(t, policy)
	recent := mustCreate(t, s, "req-1", models.ClassGeneral)
	fresh := mustCreate(t, s, "req-2", models.ClassGeneral)

	mustHold(t, s, recent.TurnID, "phleb-1")
	mustCall(t, s, recent.TurnID, "phleb-1", "cub-1")
	if _, _, err := s.MarkNoShow(context.Background(), store.TurnActionInput{RequestID: "ns-1", TurnID: recent.TurnID}); err != nil {
		t.Fatalf("no-show: %v", err)
	}

	// The requeued turn was called minutes ago; call_next must skip it even
	// though its deferred position would otherwise come up again later.
	turn, _, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:      "next-1",
		PhlebotomistID: "phleb-1",
		CubicleID:      "cub-1",
	})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if turn.TurnID != fresh.TurnID {
		t.Fatalf("expected fresh turn, got %s", turn.DisplayNumber)
	}

	// Direct call on the recent turn is rejected too.
	mustHold(t, s, recent.TurnID, "phleb-2")
	_, _, err = s.CallTurn(context.Background(), store.CallInput{
		RequestID:      "call-too-soon",
		TurnID:         recent.TurnID,
		PhlebotomistID: "phleb-2",
		CubicleID:      "cub-2",
	})
	if !errors.Is(err, store.ErrCallTooSoon) {
		t.Fatalf("expected ErrCallTooSoon, got %v", err)
	}
}

func TestIdempotentReplayReturnsOriginalOutcome(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)

	again, applied, err := s.CreateTurn(context.Background(), store.CreateTurnInput{
		RequestID:      "req-1",
		PatientName:    "someone else entirely",
		AttentionClass: models.ClassSpecial,
	})
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	if applied {
		t.Fatal("replayed create reported applied")
	}
	if again.TurnID != turn.TurnID || again.AttentionClass != models.ClassGeneral {
		t.Fatalf("replay returned a different turn: %+v", again)
	}

	held, applied, err := s.HoldTurn(context.Background(), store.HoldInput{
		RequestID:      "hold-once",
		TurnID:         turn.TurnID,
		PhlebotomistID: "phleb-1",
	})
	if err != nil || !applied {
		t.Fatalf("first hold: applied=%v err=%v", applied, err)
	}
	replayed, applied, err := s.HoldTurn(context.Background(), store.HoldInput{
		RequestID:      "hold-once",
		TurnID:         turn.TurnID,
		PhlebotomistID: "phleb-1",
	})
	if err != nil {
		t.Fatalf("replayed hold: %v", err)
	}
	if applied {
		t.Fatal("replayed hold reported applied")
	}
	if replayed.Status != held.Status {
		t.Fatalf("replay status %s, want %s", replayed.Status, held.Status)
	}
}

func TestReturnToQueueResetsAttempts(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustHold(t, s, turn.TurnID, "phleb-1")
	mustCall(t, s, turn.TurnID, "phleb-1", "cub-1")
	if _, _, err := s.MarkPresent(context.Background(), store.TurnActionInput{RequestID: "present-1", TurnID: turn.TurnID}); err != nil {
		t.Fatalf("present: %v", err)
	}

	back, _, err := s.ReturnToQueue(context.Background(), store.TurnActionInput{
		RequestID: "return-1",
		TurnID:    turn.TurnID,
		Reason:    "missing work order paperwork",
	})
	if err != nil {
		t.Fatalf("return to queue: %v", err)
	}
	if back.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", back.Status)
	}
	if len(back.CallAttempts) != 0 {
		t.Fatalf("expected attempts reset, got %d", len(back.CallAttempts))
	}
	if back.DeferredAt == nil {
		t.Fatal("returned turn missing deferredAt")
	}
	if back.HolderID != nil || back.CubicleID != nil {
		t.Fatal("returned turn still bound to holder or cubicle")
	}
}

func TestExpireHoldsKeepsQueuePosition(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	first := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustCreate(t, s, "req-2", models.ClassGeneral)
	mustHold(t, s, first.TurnID, "phleb-1")

	// Backdate the hold past the cutoff.
	s.mu.Lock()
	heldAt := time.Now().UTC().Add(-10 * time.Minute)
	s.turns[first.TurnID].HeldAt = &heldAt
	s.mu.Unlock()

	expired, err := s.ExpireHolds(context.Background(), 5*time.Minute, 50)
	if err != nil {
		t.Fatalf("expire holds: %v", err)
	}
	if len(expired) != 1 || expired[0].TurnID != first.TurnID {
		t.Fatalf("expected one expiry for %s, got %+v", first.TurnID, expired)
	}

	pending, err := s.ListPending(context.Background(), store.PendingFilters{})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if pending[0].TurnID != first.TurnID {
		t.Fatalf("released turn lost its position, head is %s", pending[0].DisplayNumber)
	}
}

func TestSweepCallingAppliesNoShowPolicy(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustHold(t, s, turn.TurnID, "phleb-1")
	mustCall(t, s, turn.TurnID, "phleb-1", "cub-1")

	s.mu.Lock()
	calledAt := time.Now().UTC().Add(-3 * time.Minute)
	s.turns[turn.TurnID].CalledAt = &calledAt
	s.mu.Unlock()

	results, err := s.SweepCalling(context.Background(), time.Minute, 50)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 swept turn, got %d", len(results))
	}
	if !results[0].Requeued {
		t.Fatal("first sweep should requeue, not terminalize")
	}
	if results[0].Turn.Status != models.StatusPending {
		t.Fatalf("swept turn status %s, want pending", results[0].Turn.Status)
	}
}

func TestSweepAndClientPresentRace(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustHold(t, s, turn.TurnID, "phleb-1")
	mustCall(t, s, turn.TurnID, "phleb-1", "cub-1")

	s.mu.Lock()
	calledAt := time.Now().UTC().Add(-3 * time.Minute)
	s.turns[turn.TurnID].CalledAt = &calledAt
	s.mu.Unlock()

	var wg sync.WaitGroup
	var presentErr error
	var swept []store.SweepResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, presentErr = s.MarkPresent(context.Background(), store.TurnActionInput{RequestID: "present-race", TurnID: turn.TurnID})
	}()
	go func() {
		defer wg.Done()
		swept, _ = s.SweepCalling(context.Background(), time.Minute, 50)
	}()
	wg.Wait()

	got, err := s.GetTurn(context.Background(), turn.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	// Exactly one side wins: either the sweep requeued it before the client
	// arrived, or the client made it in_progress and the sweep saw nothing.
	if presentErr == nil && len(swept) == 0 {
		if got.Status != models.StatusInProgress {
			t.Fatalf("client won but status is %s", got.Status)
		}
		return
	}
	if presentErr != nil && len(swept) == 1 {
		if !errors.Is(presentErr, store.ErrInvalidState) {
			t.Fatalf("losing client got %v, want ErrInvalidState", presentErr)
		}
		if got.Status != models.StatusPending {
			t.Fatalf("sweep won but status is %s", got.Status)
		}
		return
	}
	t.Fatalf("both sides claimed the turn: presentErr=%v swept=%d status=%s", presentErr, len(swept), got.Status)
}

func TestCancelRequiresNothingButReleasesResources(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustHold(t, s, turn.TurnID, "phleb-1")
	mustCall(t, s, turn.TurnID, "phleb-1", "cub-1")

	cancelled, _, err := s.CancelTurn(context.Background(), store.TurnActionInput{
		RequestID: "cancel-1",
		TurnID:    turn.TurnID,
		Reason:    "patient left the building",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status %s, want cancelled", cancelled.Status)
	}
	if cancelled.HolderID != nil {
		t.Fatal("cancelled turn still has a holder")
	}
	cubicles, _ := s.ListCubicles(context.Background())
	for _, cubicle := range cubicles {
		if cubicle.OccupyingTurnID != nil {
			t.Fatalf("cubicle %s still occupied after cancel", cubicle.CubicleID)
		}
	}
}

func TestReassignCubicleMovesOccupation(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	turn := mustCreate(t, s, "req-1", models.ClassGeneral)
	mustHold(t, s, turn.TurnID, "phleb-1")
	mustCall(t, s, turn.TurnID, "phleb-1", "cub-1")
	if _, _, err := s.MarkPresent(context.Background(), store.TurnActionInput{RequestID: "present-1", TurnID: turn.TurnID}); err != nil {
		t.Fatalf("present: %v", err)
	}

	moved, _, err := s.ReassignCubicle(context.Background(), store.ReassignInput{
		RequestID: "move-1",
		TurnID:    turn.TurnID,
		CubicleID: "cub-2",
	})
	if err != nil {
		t.Fatalf("reassign cubicle: %v", err)
	}
	if moved.CubicleID == nil || *moved.CubicleID != "cub-2" {
		t.Fatalf("turn cubicle %v, want cub-2", moved.CubicleID)
	}

	cubicles, _ := s.ListCubicles(context.Background())
	for _, cubicle := range cubicles {
		switch cubicle.CubicleID {
		case "cub-1":
			if cubicle.OccupyingTurnID != nil {
				t.Fatal("old cubicle still occupied")
			}
		case "cub-2":
			if cubicle.OccupyingTurnID == nil || *cubicle.OccupyingTurnID != turn.TurnID {
				t.Fatal("new cubicle not occupied by the turn")
			}
		}
	}

	// Reassigning to the current cubicle is a no-op success.
	same, applied, err := s.ReassignCubicle(context.Background(), store.ReassignInput{
		RequestID: "move-2",
		TurnID:    turn.TurnID,
		CubicleID: "cub-2",
	})
	if err != nil || !applied {
		t.Fatalf("no-op reassign: applied=%v err=%v", applied, err)
	}
	if *same.CubicleID != "cub-2" {
		t.Fatalf("no-op reassign moved the turn to %s", *same.CubicleID)
	}
}

func TestReassignPhlebotomistRejectsBusyTarget(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	first := mustCreate(t, s, "req-1", models.ClassGeneral)
	second := mustCreate(t, s, "req-2", models.ClassGeneral)
	mustHold(t, s, first.TurnID, "phleb-1")
	mustCall(t, s, first.TurnID, "phleb-1", "cub-1")
	if _, _, err := s.MarkPresent(context.Background(), store.TurnActionInput{RequestID: "present-1", TurnID: first.TurnID}); err != nil {
		t.Fatalf("present: %v", err)
	}
	mustHold(t, s, second.TurnID, "phleb-2")

	_, _, err := s.ReassignPhlebotomist(context.Background(), store.ReassignInput{
		RequestID:      "swap-1",
		TurnID:         first.TurnID,
		PhlebotomistID: "phleb-2",
	})
	if !errors.Is(err, store.ErrPhlebotomistBusy) {
		t.Fatalf("expected ErrPhlebotomistBusy, got %v", err)
	}
}

func TestSelectCubicleClaims(t *testing.T) {
	s := newSeededStore(t, testPolicy())

	claimed, err := s.SelectCubicle(context.Background(), "cub-1", "phleb-1")
	if err != nil {
		t.Fatalf("select cubicle: %v", err)
	}
	if claimed.PhlebotomistID == nil || *claimed.PhlebotomistID != "phleb-1" {
		t.Fatalf("claim not recorded: %+v", claimed)
	}

	if _, err := s.SelectCubicle(context.Background(), "cub-1", "phleb-2"); !errors.Is(err, store.ErrCubicleClaimed) {
		t.Fatalf("expected ErrCubicleClaimed, got %v", err)
	}

	// Moving to another cubicle releases the previous claim.
	if _, err := s.SelectCubicle(context.Background(), "cub-2", "phleb-1"); err != nil {
		t.Fatalf("move claim: %v", err)
	}
	if _, err := s.SelectCubicle(context.Background(), "cub-1", "phleb-2"); err != nil {
		t.Fatalf("freed cubicle should be claimable: %v", err)
	}
}

func TestQueueSummaryCountsToday(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	mustCreate(t, s, "req-1", models.ClassGeneral)
	turn := mustCreate(t, s, "req-2", models.ClassSpecial)
	mustHold(t, s, turn.TurnID, "phleb-1")
	mustCall(t, s, turn.TurnID, "phleb-1", "cub-2")

	summary, err := s.QueueSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.CountsByStatus[models.StatusPending] != 1 {
		t.Fatalf("pending count %d, want 1", summary.CountsByStatus[models.StatusPending])
	}
	if summary.CountsByStatus[models.StatusCalling] != 1 {
		t.Fatalf("calling count %d, want 1", summary.CountsByStatus[models.StatusCalling])
	}
	occupant := summary.CubicleOccupation["Cubicle 2"]
	if occupant == nil || *occupant != turn.DisplayNumber {
		t.Fatalf("expected Cubicle 2 occupied by %s, got %v", turn.DisplayNumber, occupant)
	}
	if summary.CubicleOccupation["Cubicle 1"] != nil {
		t.Fatal("Cubicle 1 should be free")
	}
}

func TestGetSessionExpiry(t *testing.T) {
	s := newSeededStore(t, testPolicy())
	s.AddSession(store.Session{SessionID: "live", ActorID: "u1", Role: models.RoleAdmin, ExpiresAt: time.Now().Add(time.Hour)})
	s.AddSession(store.Session{SessionID: "dead", ActorID: "u2", Role: models.RoleUser, ExpiresAt: time.Now().Add(-time.Hour)})

	if _, err := s.GetSession(context.Background(), "live"); err != nil {
		t.Fatalf("live session: %v", err)
	}
	if _, err := s.GetSession(context.Background(), "dead"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
