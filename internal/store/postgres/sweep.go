package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

// ExpireHolds releases holds older than maxAge. The released turns keep
// their effective timestamp, so they come back at the position they held
// before the hold.
func (s *Store) ExpireHolds(ctx context.Context, maxAge time.Duration, batchSize int) ([]models.Turn, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := tx.Query(ctx, `
		UPDATE turns SET status = 'pending', holder_id = NULL, held_at = NULL
		WHERE turn_id IN (
			SELECT turn_id FROM turns
			WHERE status = 'holding' AND held_at <= $1
			ORDER BY held_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+turnColumns, cutoff, batchSize)
	if err != nil {
		return nil, err
	}

	var expired []models.Turn
	for rows.Next() {
		var turn models.Turn
		if turn, err = scanTurn(rows); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, turn)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for _, turn := range expired {
		if err = insertOutboxEvent(ctx, tx, store.EventTurnReleased, turn); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return expired, nil
}

// SweepCalling applies the no-show policy to calling turns whose patient
// never showed within maxAwait. SKIP LOCKED means a concurrent markPresent
// that already holds the row simply keeps it out of this batch.
func (s *Store) SweepCalling(ctx context.Context, maxAwait time.Duration, batchSize int) ([]store.SweepResult, error) {
	if maxAwait <= 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cutoff := time.Now().UTC().Add(-maxAwait)
	rows, err := tx.Query(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE status = 'calling' AND called_at <= $1
		ORDER BY called_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, cutoff, batchSize)
	if err != nil {
		return nil, err
	}

	var stale []models.Turn
	for rows.Next() {
		var turn models.Turn
		if turn, err = scanTurn(rows); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, turn)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var results []store.SweepResult
	for _, turn := range stale {
		var updated models.Turn
		var eventType string
		updated, eventType, err = s.applyNoShow(ctx, tx, turn, now)
		if err != nil {
			return nil, err
		}
		if err = insertOutboxEvent(ctx, tx, eventType, updated); err != nil {
			return nil, err
		}
		results = append(results, store.SweepResult{
			Turn:     updated,
			Requeued: eventType == store.EventTurnRequeued,
		})
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}
