package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

func (s *Store) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (entry_id, actor_id, action, turn_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.EntryID, entry.ActorID, entry.Action, entry.TurnID, entry.Reason, entry.CreatedAt)
	return err
}

func (s *Store) ListAudit(ctx context.Context, after time.Time, limit int) ([]store.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT entry_id, actor_id, action, turn_id, reason, created_at FROM audit_log`
	args := []interface{}{}
	if !after.IsZero() {
		query += ` WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2`
		args = append(args, after, limit)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.AuditEntry
	for rows.Next() {
		var entry store.AuditEntry
		if err := rows.Scan(&entry.EntryID, &entry.ActorID, &entry.Action, &entry.TurnID,
			&entry.Reason, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, after store.EventCursor, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT event_id, event_type, payload, created_at FROM outbox_events`
	args := []interface{}{}
	switch {
	case after.Time.IsZero():
		query += ` ORDER BY created_at ASC, event_id ASC LIMIT $1`
		args = append(args, limit)
	case after.EventID == "":
		query += ` WHERE created_at > $1 ORDER BY created_at ASC, event_id ASC LIMIT $2`
		args = append(args, after.Time, limit)
	default:
		query += ` WHERE (created_at, event_id) > ($1, $2) ORDER BY created_at ASC, event_id ASC LIMIT $3`
		args = append(args, after.Time, after.EventID, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var event store.Event
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListCubicles(ctx context.Context) ([]models.Cubicle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cubicle_id, name, type, active, occupying_turn_id, phlebotomist_id
		FROM cubicles
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cubicles []models.Cubicle
	for rows.Next() {
		var cubicle models.Cubicle
		if err := rows.Scan(&cubicle.CubicleID, &cubicle.Name, &cubicle.Type, &cubicle.Active,
			&cubicle.OccupyingTurnID, &cubicle.PhlebotomistID); err != nil {
			return nil, err
		}
		cubicles = append(cubicles, cubicle)
	}
	return cubicles, rows.Err()
}

// SelectCubicle claims a cubicle for a phlebotomist's shift. A phlebotomist
// holds at most one claim; moving to a new cubicle releases the previous
// one.
func (s *Store) SelectCubicle(ctx context.Context, cubicleID, phlebotomistID string) (models.Cubicle, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Cubicle{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cubicle, err := lockCubicle(ctx, tx, cubicleID)
	if err != nil {
		return models.Cubicle{}, err
	}
	if !cubicle.Active {
		err = store.ErrCubicleInactive
		return models.Cubicle{}, err
	}

	var active bool
	err = tx.QueryRow(ctx, `
		SELECT active FROM phlebotomists WHERE phlebotomist_id = $1
	`, phlebotomistID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
		err = store.ErrPhlebotomistNotFound
		return models.Cubicle{}, err
	}
	if err != nil {
		return models.Cubicle{}, err
	}

	if cubicle.PhlebotomistID != nil && *cubicle.PhlebotomistID != phlebotomistID {
		err = store.ErrCubicleClaimed
		return models.Cubicle{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE cubicles SET phlebotomist_id = NULL
		WHERE phlebotomist_id = $1 AND cubicle_id <> $2
	`, phlebotomistID, cubicleID); err != nil {
		return models.Cubicle{}, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE cubicles SET phlebotomist_id = $2 WHERE cubicle_id = $1
	`, cubicleID, phlebotomistID); err != nil {
		return models.Cubicle{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Cubicle{}, err
	}

	cubicle.PhlebotomistID = &phlebotomistID
	return cubicle, nil
}

func (s *Store) ListPhlebotomists(ctx context.Context) ([]models.Phlebotomist, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.phlebotomist_id, p.name, p.active, c.cubicle_id
		FROM phlebotomists p
		LEFT JOIN cubicles c ON c.phlebotomist_id = p.phlebotomist_id
		ORDER BY p.name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phlebs []models.Phlebotomist
	for rows.Next() {
		var phleb models.Phlebotomist
		if err := rows.Scan(&phleb.PhlebotomistID, &phleb.Name, &phleb.Active,
			&phleb.AssignedCubicleID); err != nil {
			return nil, err
		}
		phlebs = append(phlebs, phleb)
	}
	return phlebs, rows.Err()
}

func (s *Store) QueueSummary(ctx context.Context) (store.Summary, error) {
	summary := store.Summary{
		CountsByStatus:    make(map[string]int),
		CubicleOccupation: make(map[string]*string),
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM turns
		WHERE operating_day = CURRENT_DATE
		GROUP BY status
	`)
	if err != nil {
		return store.Summary{}, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return store.Summary{}, err
		}
		summary.CountsByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.Summary{}, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(EXTRACT(EPOCH FROM (called_at - created_at))) / 60, 0),
			COALESCE(AVG(attention_secs) / 60.0, 0)
		FROM turns
		WHERE operating_day = CURRENT_DATE
	`).Scan(&summary.AvgWaitMinutes, &summary.AvgAttentionMinutes)
	if err != nil {
		return store.Summary{}, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT c.name, t.display_number
		FROM cubicles c
		LEFT JOIN turns t ON t.turn_id = c.occupying_turn_id
	`)
	if err != nil {
		return store.Summary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var occupant *string
		if err := rows.Scan(&name, &occupant); err != nil {
			return store.Summary{}, err
		}
		summary.CubicleOccupation[name] = occupant
	}
	return summary, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, actor_id, actor_name, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > now()
	`, sessionID).Scan(&session.SessionID, &session.ActorID, &session.ActorName,
		&session.Role, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, err
}

// UpsertCubicle and UpsertPhlebotomist provision the roster. They live on
// the concrete type: roster management is an operator concern, not part of
// the dispatch surface.
func (s *Store) UpsertCubicle(ctx context.Context, cubicle models.Cubicle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cubicles (cubicle_id, name, type, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cubicle_id) DO UPDATE SET name = $2, type = $3, active = $4
	`, cubicle.CubicleID, cubicle.Name, cubicle.Type, cubicle.Active)
	return err
}

func (s *Store) UpsertPhlebotomist(ctx context.Context, phleb models.Phlebotomist) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO phlebotomists (phlebotomist_id, name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (phlebotomist_id) DO UPDATE SET name = $2, active = $3
	`, phleb.PhlebotomistID, phleb.Name, phleb.Active)
	return err
}

func (s *Store) PutSession(ctx context.Context, session store.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, actor_id, actor_name, role, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET actor_id = $2, actor_name = $3, role = $4, expires_at = $5
	`, session.SessionID, session.ActorID, session.ActorName, session.Role, session.ExpiresAt)
	return err
}
