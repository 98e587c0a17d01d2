package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const displayNumberPad = 3

// turnColumns is the canonical column list; every query that produces a
// models.Turn selects exactly these, in this order, so scanTurn stays the
// single scan site.
const turnColumns = `turn_id, display_number, sequence_number, patient_name, work_order,
	tubes_required, attention_class, status, holder_id, cubicle_id, attended_by,
	call_attempts, created_at, held_at, called_at, started_at, completed_at,
	deferred_at, attention_secs, observations, cancel_reason, override_reason, request_id`

// pendingOrderSQL ranks pending turns in dispatch order. It must rank
// identically to store.OrderPending.
const pendingOrderSQL = `ORDER BY (attention_class = 'special') DESC,
	COALESCE(deferred_at, created_at) ASC, sequence_number ASC`

type Store struct {
	pool   *pgxpool.Pool
	policy store.Policy
}

func NewStore(pool *pgxpool.Pool, policy store.Policy) *Store {
	if policy.CallMaxAttempts <= 0 {
		policy.CallMaxAttempts = 3
	}
	return &Store{pool: pool, policy: policy}
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent, so
// running it on every boot is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) CreateTurn(ctx context.Context, input store.CreateTurnInput) (models.Turn, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Turn{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, _, err := findActionRequest(ctx, tx, "create", input.RequestID)
	if err != nil {
		return models.Turn{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Turn{}, false, err
		}
		return existing, false, nil
	}

	if !models.ValidClass(input.AttentionClass) {
		err = store.ErrInvalidClass
		return models.Turn{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	operatingDay := createdAt.UTC().Format("2006-01-02")

	seq, err := nextSequenceNumber(ctx, tx, operatingDay)
	if err != nil {
		return models.Turn{}, false, err
	}

	turnID := uuid.NewString()
	row := tx.QueryRow(ctx, `
		INSERT INTO turns (
			turn_id, display_number, sequence_number, operating_day, patient_name,
			work_order, tubes_required, attention_class, status, created_at, request_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+turnColumns+`
	`, turnID, fmt.Sprintf("T-%0*d", displayNumberPad, seq), seq, operatingDay,
		input.PatientName, input.WorkOrder, input.TubesRequired, input.AttentionClass,
		models.StatusPending, createdAt, input.RequestID)

	turn, err := scanTurn(row)
	if err != nil {
		return models.Turn{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "create", input.RequestID, turn.TurnID); err != nil {
		return models.Turn{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventTurnCreated, turn); err != nil {
		return models.Turn{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Turn{}, false, err
	}
	return turn, true, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID string) (models.Turn, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE turn_id = $1`, turnID)
	turn, err := scanTurn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, store.ErrTurnNotFound
	}
	return turn, err
}

func (s *Store) ListPending(ctx context.Context, filters store.PendingFilters) ([]models.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE status = 'pending'`
	args := []interface{}{}
	if filters.AttentionClass != "" {
		query += ` AND attention_class = $1`
		args = append(args, filters.AttentionClass)
	}
	query += " " + pendingOrderSQL
	return s.queryTurns(ctx, query, args...)
}

func (s *Store) ListCalling(ctx context.Context) ([]models.Turn, error) {
	return s.queryTurns(ctx, `SELECT `+turnColumns+` FROM turns WHERE status = 'calling' ORDER BY sequence_number ASC`)
}

func (s *Store) ListInProgress(ctx context.Context) ([]models.Turn, error) {
	return s.queryTurns(ctx, `SELECT `+turnColumns+` FROM turns WHERE status = 'in_progress' ORDER BY sequence_number ASC`)
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...interface{}) ([]models.Turn, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *Store) HoldTurn(ctx context.Context, input store.HoldInput) (models.Turn, bool, error) {
	occurredAt := occurredOrNow(input.OccurredAt)
	return s.runAction(ctx, "hold", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			row := tx.QueryRow(ctx, `
				UPDATE turns SET status = 'holding', holder_id = $2, held_at = $3
				WHERE turn_id = $1 AND status = 'pending'
				RETURNING `+turnColumns, turn.TurnID, input.PhlebotomistID, occurredAt)
			updated, err := scanTurn(row)
			return updated, store.EventTurnHolding, err
		})
}

func (s *Store) ReleaseHold(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	return s.runAction(ctx, "release_hold", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			row := tx.QueryRow(ctx, `
				UPDATE turns SET status = 'pending', holder_id = NULL, held_at = NULL
				WHERE turn_id = $1 AND status = 'holding'
				RETURNING `+turnColumns, turn.TurnID)
			updated, err := scanTurn(row)
			return updated, store.EventTurnReleased, err
		})
}

func (s *Store) CallTurn(ctx context.Context, input store.CallInput) (models.Turn, bool, error) {
	occurredAt := occurredOrNow(input.OccurredAt)
	return s.runAction(ctx, "call", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			if turn.HolderID == nil || *turn.HolderID != input.PhlebotomistID {
				return models.Turn{}, "", store.ErrHolderMismatch
			}
			if err := s.callGuards(turn, occurredAt); err != nil {
				return models.Turn{}, "", err
			}
			cubicle, err := lockCubicle(ctx, tx, input.CubicleID)
			if err != nil {
				return models.Turn{}, "", err
			}
			if err := s.cubicleAccepts(cubicle, turn.AttentionClass); err != nil {
				return models.Turn{}, "", err
			}

			row := tx.QueryRow(ctx, `
				UPDATE turns SET status = 'calling', cubicle_id = $2, called_at = $3,
					held_at = NULL, call_attempts = array_append(call_attempts, $3)
				WHERE turn_id = $1 AND status = 'holding'
				RETURNING `+turnColumns, turn.TurnID, cubicle.CubicleID, occurredAt)
			updated, err := scanTurn(row)
			if err != nil {
				return models.Turn{}, "", err
			}
			if err := setCubicleOccupant(ctx, tx, cubicle.CubicleID, &updated.TurnID); err != nil {
				return models.Turn{}, "", err
			}
			return updated, store.EventTurnCalling, nil
		})
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Turn, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Turn{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, hasTurn, err := findActionRequest(ctx, tx, "call_next", input.RequestID)
	if err != nil {
		return models.Turn{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Turn{}, false, err
		}
		if !hasTurn {
			return models.Turn{}, false, store.ErrNoTurn
		}
		return existing, false, nil
	}

	cubicle, err := lockCubicle(ctx, tx, input.CubicleID)
	if err != nil {
		return models.Turn{}, false, err
	}
	if !cubicle.Active {
		err = store.ErrCubicleInactive
		return models.Turn{}, false, err
	}
	if cubicle.OccupyingTurnID != nil {
		err = store.ErrCubicleOccupied
		return models.Turn{}, false, err
	}

	occurredAt := occurredOrNow(input.OccurredAt)
	turn, err := s.lockNextEligible(ctx, tx, cubicle.Type, occurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, ""); err != nil {
			return models.Turn{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Turn{}, false, err
		}
		return models.Turn{}, false, store.ErrNoTurn
	}
	if err != nil {
		return models.Turn{}, false, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE turns SET status = 'calling', holder_id = $2, cubicle_id = $3,
			called_at = $4, call_attempts = array_append(call_attempts, $4)
		WHERE turn_id = $1 AND status = 'pending'
		RETURNING `+turnColumns, turn.TurnID, input.PhlebotomistID, cubicle.CubicleID, occurredAt)
	updated, err := scanTurn(row)
	if err != nil {
		return models.Turn{}, false, err
	}
	if err = setCubicleOccupant(ctx, tx, cubicle.CubicleID, &updated.TurnID); err != nil {
		return models.Turn{}, false, err
	}
	if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, updated.TurnID); err != nil {
		return models.Turn{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventTurnCalling, updated); err != nil {
		return models.Turn{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Turn{}, false, err
	}
	return updated, true, nil
}

// lockNextEligible locks the head of the queue a cubicle of the given type
// may serve: pending, unheld, below the attempt cap, past the retry
// interval. SKIP LOCKED lets two cubicles drain the queue concurrently
// without ever picking the same turn.
func (s *Store) lockNextEligible(ctx context.Context, tx pgx.Tx, cubicleType string, now time.Time) (models.Turn, error) {
	classFilter := `attention_class = 'general'`
	if cubicleType == models.ClassSpecial {
		classFilter = `attention_class = 'special'`
		if s.policy.SpecialPullsGeneral {
			classFilter = `attention_class IN ('special', 'general')`
		}
	}
	retryCutoff := now.Add(-s.policy.CallRetryInterval)
	row := tx.QueryRow(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE status = 'pending' AND holder_id IS NULL
			AND `+classFilter+`
			AND cardinality(call_attempts) < $1
			AND (cardinality(call_attempts) = 0 OR call_attempts[cardinality(call_attempts)] <= $2)
		`+pendingOrderSQL+`
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, s.policy.CallMaxAttempts, retryCutoff)
	return scanTurn(row)
}

func (s *Store) MarkPresent(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	occurredAt := occurredOrNow(input.OccurredAt)
	return s.runAction(ctx, "present", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			row := tx.QueryRow(ctx, `
				UPDATE turns SET status = 'in_progress', started_at = $2
				WHERE turn_id = $1 AND status = 'calling'
				RETURNING `+turnColumns, turn.TurnID, occurredAt)
			updated, err := scanTurn(row)
			return updated, store.EventTurnInProgress, err
		})
}

func (s *Store) MarkNoShow(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	occurredAt := occurredOrNow(input.OccurredAt)
	return s.runAction(ctx, "no_show", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			return s.applyNoShow(ctx, tx, turn, occurredAt)
		})
}

// applyNoShow requeues the turn at the tail of its bucket while attempts
// remain, and parks it as no_show at the cap. The cubicle is freed either
// way.
func (s *Store) applyNoShow(ctx context.Context, tx pgx.Tx, turn models.Turn, occurredAt time.Time) (models.Turn, string, error) {
	if err := freeCubicleOccupant(ctx, tx, turn); err != nil {
		return models.Turn{}, "", err
	}
	if len(turn.CallAttempts) < s.policy.CallMaxAttempts {
		row := tx.QueryRow(ctx, `
			UPDATE turns SET status = 'pending', holder_id = NULL, held_at = NULL,
				cubicle_id = NULL, called_at = NULL, deferred_at = $2
			WHERE turn_id = $1 AND status = 'calling'
			RETURNING `+turnColumns, turn.TurnID, occurredAt)
		updated, err := scanTurn(row)
		return updated, store.EventTurnRequeued, err
	}
	row := tx.QueryRow(ctx, `
		UPDATE turns SET status = 'no_show', holder_id = NULL, held_at = NULL
		WHERE turn_id = $1 AND status = 'calling'
		RETURNING `+turnColumns, turn.TurnID)
	updated, err := scanTurn(row)
	return updated, store.EventTurnNoShow, err
}

func (s *Store) CompleteTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, bool, error) {
	occurredAt := occurredOrNow(input.OccurredAt)
	return s.runAction(ctx, "complete", input.RequestID, input.TurnID,
		func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error) {
			return completeTurn(ctx, tx, turn, occurredAt, input.Observations, "", "in_progress")
		})
}

func completeTurn(ctx context.Context, tx pgx.Tx, turn models.Turn, occurredAt time.Time, observations, overrideReason, fromStatus string) (models.Turn, string, error) {
	if err := freeCubicleOccupant(ctx, tx, turn); err != nil {
		return models.Turn{}, "", err
	}
	row := tx.QueryRow(ctx, `
		UPDATE turns SET status = 'attended', completed_at = $2,
			attention_secs = CASE WHEN started_at IS NULL THEN NULL
				ELSE EXTRACT(EPOCH FROM ($2::timestamptz - started_at))::int END,
			observations = $3, override_reason = $4,
			attended_by = holder_id, holder_id = NULL, held_at = NULL
		WHERE turn_id = $1 AND status = $5
		RETURNING `+turnColumns, turn.TurnID, occurredAt, observations, overrideReason, fromStatus)
	updated, err := scanTurn(row)
	return updated, store.EventTurnAttended, err
}

// runAction is the shared transaction shape for single-turn transitions:
// replay the request if seen, lock the turn, check the transition table,
// apply, record the request, write the outbox event, commit.
func (s *Store) runAction(ctx context.Context, action, requestID, turnID string,
	apply func(ctx context.Context, tx pgx.Tx, turn models.Turn) (models.Turn, string, error)) (models.Turn, bool, error) {

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Turn{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, _, err := findActionRequest(ctx, tx, action, requestID)
	if err != nil {
		return models.Turn{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Turn{}, false, err
		}
		return existing, false, nil
	}

	turn, err := lockTurn(ctx, tx, turnID)
	if err != nil {
		return models.Turn{}, false, err
	}
	if err = guardAction(action, turn); err != nil {
		return models.Turn{}, false, err
	}

	updated, eventType, err := apply(ctx, tx, turn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The guarded UPDATE matched nothing even though the row was
			// locked and passed the transition table.
			err = store.ErrInvalidState
		}
		return models.Turn{}, false, err
	}

	if err = insertActionRequest(ctx, tx, action, requestID, updated.TurnID); err != nil {
		return models.Turn{}, false, err
	}
	if eventType != "" {
		if err = insertOutboxEvent(ctx, tx, eventType, updated); err != nil {
			return models.Turn{}, false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Turn{}, false, err
	}
	return updated, true, nil
}

func guardAction(action string, turn models.Turn) error {
	if models.IsTerminal(turn.Status) {
		return store.ErrTerminalState
	}
	if !store.ValidTransition(action, turn.Status) {
		if action == "hold" && turn.HolderID != nil {
			return store.ErrAlreadyHeld
		}
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) callGuards(turn models.Turn, occurredAt time.Time) error {
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

func (s *Store) cubicleAccepts(cubicle models.Cubicle, attentionClass string) error {
	if !cubicle.Active {
		return store.ErrCubicleInactive
	}
	if cubicle.OccupyingTurnID != nil {
		return store.ErrCubicleOccupied
	}
	if !models.ClassAllowed(cubicle.Type, attentionClass, s.policy.SpecialPullsGeneral) {
		return store.ErrCubicleTypeMismatch
	}
	return nil
}

func lockTurn(ctx context.Context, tx pgx.Tx, turnID string) (models.Turn, error) {
	row := tx.QueryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE turn_id = $1 FOR UPDATE`, turnID)
	turn, err := scanTurn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, store.ErrTurnNotFound
	}
	return turn, err
}

func lockCubicle(ctx context.Context, tx pgx.Tx, cubicleID string) (models.Cubicle, error) {
	var cubicle models.Cubicle
	err := tx.QueryRow(ctx, `
		SELECT cubicle_id, name, type, active, occupying_turn_id, phlebotomist_id
		FROM cubicles WHERE cubicle_id = $1 FOR UPDATE
	`, cubicleID).Scan(&cubicle.CubicleID, &cubicle.Name, &cubicle.Type, &cubicle.Active,
		&cubicle.OccupyingTurnID, &cubicle.PhlebotomistID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Cubicle{}, store.ErrCubicleNotFound
	}
	return cubicle, err
}

func setCubicleOccupant(ctx context.Context, tx pgx.Tx, cubicleID string, turnID *string) error {
	_, err := tx.Exec(ctx, `UPDATE cubicles SET occupying_turn_id = $2 WHERE cubicle_id = $1`, cubicleID, turnID)
	return err
}

func freeCubicleOccupant(ctx context.Context, tx pgx.Tx, turn models.Turn) error {
	if turn.CubicleID == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE cubicles SET occupying_turn_id = NULL
		WHERE cubicle_id = $1 AND occupying_turn_id = $2
	`, *turn.CubicleID, turn.TurnID)
	return err
}

func nextSequenceNumber(ctx context.Context, tx pgx.Tx, operatingDay string) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO turn_sequences (operating_day, last_value) VALUES ($1, 1)
		ON CONFLICT (operating_day) DO UPDATE SET last_value = turn_sequences.last_value + 1
		RETURNING last_value
	`, operatingDay).Scan(&seq)
	return seq, err
}

// findActionRequest replays an idempotent request: found reports whether the
// (request_id, action) pair was seen before, hasTurn whether it produced a
// turn (call_next records a row even when the queue was empty).
func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Turn, bool, bool, error) {
	if requestID == "" {
		return models.Turn{}, false, false, nil
	}
	var turnID *string
	err := tx.QueryRow(ctx, `
		SELECT turn_id FROM turn_action_requests WHERE request_id = $1 AND action = $2
	`, requestID, action).Scan(&turnID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, false, false, nil
	}
	if err != nil {
		return models.Turn{}, false, false, err
	}
	if turnID == nil || *turnID == "" {
		return models.Turn{}, true, false, nil
	}
	row := tx.QueryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE turn_id = $1`, *turnID)
	turn, err := scanTurn(row)
	if err != nil {
		return models.Turn{}, false, false, err
	}
	return turn, true, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, turnID string) error {
	if requestID == "" {
		return nil
	}
	var stored *string
	if turnID != "" {
		stored = &turnID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO turn_action_requests (request_id, action, turn_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id, action) DO NOTHING
	`, requestID, action, stored)
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, turn models.Turn) error {
	event := store.NewEvent(eventType, turn)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, event.EventID, event.Type, event.Payload, event.CreatedAt)
	return err
}

func scanTurn(row pgx.Row) (models.Turn, error) {
	var turn models.Turn
	err := row.Scan(&turn.TurnID, &turn.DisplayNumber, &turn.SequenceNumber, &turn.PatientName,
		&turn.WorkOrder, &turn.TubesRequired, &turn.AttentionClass, &turn.Status,
		&turn.HolderID, &turn.CubicleID, &turn.AttendedBy, &turn.CallAttempts,
		&turn.CreatedAt, &turn.HeldAt, &turn.CalledAt, &turn.StartedAt, &turn.CompletedAt,
		&turn.DeferredAt, &turn.AttentionSecs, &turn.Observations, &turn.CancelReason,
		&turn.OverrideReason, &turn.RequestID)
	return turn, err
}

func occurredOrNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}
