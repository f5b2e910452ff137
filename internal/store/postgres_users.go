package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const userColumns = `id, username, display_name, password_hash, interests,
	chat_preference, online, status, last_active, created_at, updated_at`

// pgUsers implements UserRepository on PostgreSQL.
type pgUsers struct {
	db *sql.DB
}

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	var interests pq.StringArray
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash,
		&interests, &u.ChatPreference, &u.Online, &u.Status,
		&u.LastActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	u.Interests = []string(interests)
	return &u, nil
}

func (r *pgUsers) Create(ctx context.Context, nu NewUser) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, display_name, password_hash, interests, chat_preference)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		uuid.New().String(), nu.Username, nu.DisplayName, nu.PasswordHash,
		pq.Array(nu.Interests), nu.ChatPreference)
	return scanUser(row)
}

func (r *pgUsers) GetByID(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *pgUsers) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (r *pgUsers) UpdateProfile(ctx context.Context, id, displayName string, interests []string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET display_name = $2, interests = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+userColumns,
		id, displayName, pq.Array(interests))
	return scanUser(row)
}

func (r *pgUsers) UpdateChatPreference(ctx context.Context, id, preference string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET chat_preference = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+userColumns,
		id, preference)
	return scanUser(row)
}

func (r *pgUsers) UpdatePresence(ctx context.Context, id string, online bool, status string, lastActive time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET online = $2, status = $3, last_active = $4, updated_at = now()
		WHERE id = $1`,
		id, online, status, lastActive)
	if err != nil {
		return fmt.Errorf("store: update presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
