package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const sessionColumns = `id, user_a, user_b, type, active, archived,
	COALESCE(last_message_id::text, ''), unread_count, created_at, updated_at`

// pgSessions implements SessionRepository on PostgreSQL.
type pgSessions struct {
	db *sql.DB
}

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserA, &s.UserB, &s.Type, &s.Active, &s.Archived,
		&s.LastMessageID, &s.UnreadCount, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	return &s, nil
}

func (r *pgSessions) Create(ctx context.Context, userA, userB, sessionType string) (*Session, error) {
	// The partial unique index on the normalized pair enforces the
	// one-active-session-per-pair invariant; racing creates fall back to
	// the survivor.
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (id, user_a, user_b, type)
		VALUES ($1, $2, $3, $4)
		RETURNING `+sessionColumns,
		uuid.New().String(), userA, userB, sessionType)
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if existing, ferr := r.FindActiveBetween(ctx, userA, userB); ferr == nil {
		return existing, nil
	}
	return nil, err
}

func (r *pgSessions) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *pgSessions) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET active = $2, updated_at = now() WHERE id = $1`,
		id, active)
	if err != nil {
		return fmt.Errorf("store: set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgSessions) SetArchived(ctx context.Context, id string, archived bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET archived = $2, updated_at = now() WHERE id = $1`,
		id, archived)
	if err != nil {
		return fmt.Errorf("store: set archived: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgSessions) FindActiveBetween(ctx context.Context, userA, userB string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE active
		  AND ((user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1))`,
		userA, userB)
	return scanSession(row)
}

func (r *pgSessions) ListForUser(ctx context.Context, userID string, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions
		WHERE (user_a = $1 OR user_b = $1)`
	switch filter {
	case FilterActive:
		query += ` AND active AND NOT archived`
	case FilterArchived:
		query += ` AND archived`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
