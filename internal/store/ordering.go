package store

import (
	"sort"
	"time"

	"tomaturno/dispatch-service/internal/models"
)

// EffectiveTimestamp is the position of a pending turn inside its bucket.
// A defer or a no-show requeue stamps DeferredAt, which sends the turn to
// the tail without touching its sequence number.
func EffectiveTimestamp(turn models.Turn) time.Time {
	if turn.DeferredAt != nil {
		return *turn.DeferredAt
	}
	return turn.CreatedAt
}

// Before reports whether a dispatches ahead of b: special turns strictly
// ahead of general ones, then ascending effective timestamp, then ascending
// sequence number.
func Before(a, b models.Turn) bool {
	if a.AttentionClass != b.AttentionClass {
		return a.AttentionClass == models.ClassSpecial
	}
	ta, tb := EffectiveTimestamp(a), EffectiveTimestamp(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.SequenceNumber < b.SequenceNumber
}

// OrderPending sorts a snapshot of pending turns into dispatch order.
// The postgres store expresses the same order in SQL (see pendingOrderSQL);
// the two must rank identically.
func OrderPending(turns []models.Turn) []models.Turn {
	ordered := make([]models.Turn, len(turns))
	copy(ordered, turns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return Before(ordered[i], ordered[j])
	})
	return ordered
}
