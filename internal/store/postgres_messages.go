package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const messageColumns = `id, session_id, sender_id, content, created_at,
	read_by, edited, edited_at, reactions`

// pgMessages implements MessageRepository on PostgreSQL.
type pgMessages struct {
	db *sql.DB
}

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	var m Message
	var readBy pq.StringArray
	var reactions []byte
	err := row.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Content, &m.CreatedAt,
		&readBy, &m.Edited, &m.EditedAt, &reactions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	m.ReadBy = []string(readBy)
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("store: decode reactions: %w", err)
		}
	}
	return &m, nil
}

// Insert persists a message and updates the parent session's last-message
// pointer and unread counter in one transaction, so the two records never
// diverge.
func (r *pgMessages) Insert(ctx context.Context, sessionID, senderID, content string) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin insert message: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, session_id, sender_id, content, read_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+messageColumns,
		uuid.New().String(), sessionID, senderID, content, pq.Array([]string{senderID}))
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET last_message_id = $2, unread_count = unread_count + 1, updated_at = now()
		WHERE id = $1`,
		sessionID, m.ID); err != nil {
		return nil, fmt.Errorf("store: update session last message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit insert message: %w", err)
	}
	return m, nil
}

func (r *pgMessages) Get(ctx context.Context, id string) (*Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// MarkRead adds the reader to every unread message and resets the session's
// unread counter in one transaction.
func (r *pgMessages) MarkRead(ctx context.Context, sessionID, readerID string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin mark read: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET read_by = array_append(read_by, $2)
		WHERE session_id = $1 AND sender_id <> $2 AND NOT ($2 = ANY(read_by))`,
		sessionID, readerID); err != nil {
		return "", fmt.Errorf("store: mark read: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions SET unread_count = 0 WHERE id = $1`,
		sessionID); err != nil {
		return "", fmt.Errorf("store: reset unread: %w", err)
	}

	var lastID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, sessionID).Scan(&lastID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: last message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit mark read: %w", err)
	}
	return lastID, nil
}

func (r *pgMessages) Edit(ctx context.Context, id, senderID, content string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET content = $3, edited = true, edited_at = now()
		WHERE id = $1 AND sender_id = $2
		RETURNING `+messageColumns,
		id, senderID, content)
	m, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing message from someone else's message.
		if _, gerr := r.Get(ctx, id); gerr == nil {
			return nil, ErrForbidden
		}
	}
	return m, err
}

func (r *pgMessages) Delete(ctx context.Context, id, senderID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = $1 AND sender_id = $2`, id, senderID)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := r.Get(ctx, id); gerr == nil {
			return ErrForbidden
		}
		return ErrNotFound
	}
	return nil
}

func (r *pgMessages) Search(ctx context.Context, sessionID, substring string, limit int) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1 AND content ILIKE '%' || $2 || '%'
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		sessionID, substring, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *pgMessages) Paginate(ctx context.Context, sessionID string, page, limit int) ([]*Message, error) {
	if page < 1 {
		page = 1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		sessionID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("store: paginate messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *pgMessages) AddReaction(ctx context.Context, messageID, reactorID, emoji string) (*Message, error) {
	reaction, err := json.Marshal([]Reaction{{Emoji: emoji, ReactorID: reactorID}})
	if err != nil {
		return nil, fmt.Errorf("store: encode reaction: %w", err)
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET reactions = COALESCE(reactions, '[]'::jsonb) || $2::jsonb
		WHERE id = $1
		RETURNING `+messageColumns,
		messageID, string(reaction))
	return scanMessage(row)
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
