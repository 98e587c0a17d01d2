package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

// Admin overrides. These share runAction with the staff operations, so they
// get the same locking, idempotency and outbox behavior; the reason-length
// requirement is enforced at the HTTP boundary and recorded here verbatim.

func (s *Store) ForceComplete(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	occurredAt := occurredOrNow(input.OccurredAt)
	return s.runAction(ctx, "force_complete", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			return completeTurn(ctx, tx, turn, occurredAt, input.Observations, input.Reason, turn.Status)
		})
}

func (s *Store) CancelTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	return s.runAction(ctx, "cancel", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			if err := freeCubicleOccupant(ctx, tx, turn); err != nil {
				return models.Turn{}, "", err
			}
			row := tx.QueryRow(ctx, `
				UPDATE turns SET status = 'cancelled', cancel_reason = $2,
					holder_id = NULL, held_at = NULL
				WHERE turn_id = $1 AND status = $3
				RETURNING `+turnColumns, turn.TurnID, input.Reason, turn.Status)
			updated, err := scanTurn(row)
			return updated, store.EventTurnCancelled, err
		})
}

func (s *Store) ReturnToQueue(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	occurredAt := occurredOrNow(input.OccurredAt)
	return s.runAction(ctx, "return_to_queue", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			if err := freeCubicleOccupant(ctx, tx, turn); err != nil {
				return models.Turn{}, "", err
			}
			row := tx.QueryRow(ctx, `
				UPDATE turns SET status = 'pending', holder_id = NULL, held_at = NULL,
					cubicle_id = NULL, called_at = NULL, started_at = NULL,
					call_attempts = '{}', deferred_at = $2, override_reason = $3
				WHERE turn_id = $1 AND status = 'in_progress'
				RETURNING `+turnColumns, turn.TurnID, occurredAt, input.Reason)
			updated, err := scanTurn(row)
			return updated, store.EventTurnRequeued, err
		})
}

func (s *Store) ChangePriority(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	return s.runAction(ctx, "change_priority", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			row := tx.QueryRow(ctx, `
				UPDATE turns SET attention_class = $2
				WHERE turn_id = $1 AND status = $3
				RETURNING `+turnColumns, turn.TurnID, models.FlipClass(turn.AttentionClass), turn.Status)
			updated, err := scanTurn(row)
			return updated, store.EventTurnPriorityChanged, err
		})
}

func (s *Store) DeferTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	occurredAt := occurredOrNow(input.OccurredAt)
	return s.runAction(ctx, "defer", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			if turn.HolderID != nil {
				return models.Turn{}, "", store.ErrAlreadyHeld
			}
			row := tx.QueryRow(ctx, `
				UPDATE turns SET deferred_at = $2
				WHERE turn_id = $1 AND status = 'pending'
				RETURNING `+turnColumns, turn.TurnID, occurredAt)
			updated, err := scanTurn(row)
			return updated, store.EventTurnDeferred, err
		})
}

func (s *Store) ReassignCubicle(ctx context.Context, input store.ReassignInput) (models.Turn, bool, error) {
	return s.runAction(ctx, "reassign_cubicle", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			if turn.CubicleID != nil && *turn.CubicleID == input.CubicleID {
				return turn, "", nil
			}
			target, err := lockCubicle(ctx, tx, input.CubicleID)
			if err != nil {
				return models.Turn{}, "", err
			}
			if err := s.cubicleAccepts(target, turn.AttentionClass); err != nil {
				return models.Turn{}, "", err
			}
			if err := freeCubicleOccupant(ctx, tx, turn); err != nil {
				return models.Turn{}, "", err
			}
			row := tx.QueryRow(ctx, `
				UPDATE turns SET cubicle_id = $2
				WHERE turn_id = $1 AND status = 'in_progress'
				RETURNING `+turnColumns, turn.TurnID, target.CubicleID)
			updated, err := scanTurn(row)
			if err != nil {
				return models.Turn{}, "", err
			}
			if err := setCubicleOccupant(ctx, tx, target.CubicleID, &updated.TurnID); err != nil {
				return models.Turn{}, "", err
			}
			return updated, store.EventTurnReassigned, nil
		})
}

func (s *Store) ReassignPhlebotomist(ctx context.Context, input store.ReassignInput) (models.Turn, bool, error) {
	return s.runAction(ctx, "reassign_phlebotomist", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			if turn.HolderID != nil && *turn.HolderID == input.PhlebotomistID {
				return turn, "", nil
			}
			var active bool
			err := tx.QueryRow(ctx, `
				SELECT active FROM phlebotomists WHERE phlebotomist_id = $1
			`, input.PhlebotomistID).Scan(&active)
			if errors.Is(err, pgx.ErrNoRows) {
				return models.Turn{}, "", store.ErrPhlebotomistNotFound
			}
			if err != nil {
				return models.Turn{}, "", err
			}
			if !active {
				return models.Turn{}, "", store.ErrPhlebotomistNotFound
			}

			var busy int
			err = tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM turns
				WHERE holder_id = $1 AND turn_id <> $2
					AND status IN ('holding', 'calling', 'in_progress')
			`, input.PhlebotomistID, turn.TurnID).Scan(&busy)
			if err != nil {
				return models.Turn{}, "", err
			}
			if busy > 0 {
				return models.Turn{}, "", store.ErrPhlebotomistBusy
			}

			row := tx.QueryRow(ctx, `
				UPDATE turns SET holder_id = $2
				WHERE turn_id = $1 AND status = 'in_progress'
				RETURNING `+turnColumns, turn.TurnID, input.PhlebotomistID)
			updated, err := scanTurn(row)
			return updated, store.EventTurnReassigned, err
		})
}
