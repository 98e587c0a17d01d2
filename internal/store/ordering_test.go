package store

import (
	"testing"
	"time"

	"tomaturno/dispatch-service/internal/models"
)

func turnAt(seq int64, class string, createdAt time.Time, deferredAt *time.Time) models.Turn {
	return models.Turn{
		TurnID:         string(rune('a' + seq)),
		SequenceNumber: seq,
		AttentionClass: class,
		Status:         models.StatusPending,
		CreatedAt:      createdAt,
		DeferredAt:     deferredAt,
	}
}

func TestOrderPending(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	later := base.Add(30 * time.Minute)

	oldGeneral := turnAt(1, models.ClassGeneral, base, nil)
	newGeneral := turnAt(2, models.ClassGeneral, base.Add(5*time.Minute), nil)
	newSpecial := turnAt(3, models.ClassSpecial, base.Add(10*time.Minute), nil)
	deferredSpecial := turnAt(4, models.ClassSpecial, base.Add(time.Minute), &later)

	got := OrderPending([]models.Turn{deferredSpecial, newGeneral, oldGeneral, newSpecial})
	want := []int64{3, 4, 1, 2}
	for i, seq := range want {
		if got[i].SequenceNumber != seq {
			t.Fatalf("position %d: got seq %d, want %d", i, got[i].SequenceNumber, seq)
		}
	}
}

func TestOrderPendingTieBreaksOnSequence(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	second := turnAt(2, models.ClassGeneral, at, nil)
	first := turnAt(1, models.ClassGeneral, at, nil)

	got := OrderPending([]models.Turn{second, first})
	if got[0].SequenceNumber != 1 || got[1].SequenceNumber != 2 {
		t.Fatalf("tie broke wrong: %d before %d", got[0].SequenceNumber, got[1].SequenceNumber)
	}
}

func TestOrderPendingIsDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	var turns []models.Turn
	for i := int64(0); i < 20; i++ {
		class := models.ClassGeneral
		if i%3 == 0 {
			class = models.ClassSpecial
		}
		turns = append(turns, turnAt(i, class, base.Add(time.Duration(i%7)*time.Minute), nil))
	}

	first := OrderPending(turns)
	// Reversed input, same ranking.
	reversed := make([]models.Turn, len(turns))
	for i, turn := range turns {
		reversed[len(turns)-1-i] = turn
	}
	second := OrderPending(reversed)
	for i := range first {
		if first[i].SequenceNumber != second[i].SequenceNumber {
			t.Fatalf("position %d differs between runs: %d vs %d",
				i, first[i].SequenceNumber, second[i].SequenceNumber)
		}
	}
}

func TestEffectiveTimestampUsesDeferral(t *testing.T) {
	created := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	deferred := created.Add(time.Hour)

	turn := models.Turn{CreatedAt: created}
	if got := EffectiveTimestamp(turn); !got.Equal(created) {
		t.Fatalf("got %v, want createdAt", got)
	}
	turn.DeferredAt = &deferred
	if got := EffectiveTimestamp(turn); !got.Equal(deferred) {
		t.Fatalf("got %v, want deferredAt", got)
	}
}

func TestOrderPendingDoesNotMutateInput(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	input := []models.Turn{
		turnAt(2, models.ClassGeneral, base.Add(time.Minute), nil),
		turnAt(1, models.ClassSpecial, base, nil),
	}
	OrderPending(input)
	if input[0].SequenceNumber != 2 {
		t.Fatal("input slice was reordered")
	}
}
