// Package store defines the narrow repository contract the coordinator and
// HTTP surface consume, together with a PostgreSQL implementation and an
// in-memory implementation used by tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrForbidden is returned when the actor may not touch the record (e.g.
// editing someone else's message).
var ErrForbidden = errors.New("store: forbidden")

// User is the durable user record.
type User struct {
	ID             string
	Username       string
	DisplayName    string
	PasswordHash   string
	Interests      []string
	ChatPreference string
	Online         bool
	Status         string
	LastActive     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is the durable chat session record.
type Session struct {
	ID            string
	UserA         string
	UserB         string
	Type          string
	Active        bool
	Archived      bool
	LastMessageID string // empty when no message yet
	UnreadCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Participant reports whether userID belongs to the session.
func (s *Session) Participant(userID string) bool {
	return userID == s.UserA || userID == s.UserB
}

// Other returns the opposite participant's id.
func (s *Session) Other(userID string) string {
	if userID == s.UserA {
		return s.UserB
	}
	return s.UserA
}

// Reaction is one emoji reaction on a message.
type Reaction struct {
	Emoji     string `json:"emoji"`
	ReactorID string `json:"reactor_id"`
}

// Message is the durable message record. ReadBy always contains the sender.
type Message struct {
	ID        string
	SessionID string
	SenderID  string
	Content   string
	CreatedAt time.Time
	ReadBy    []string
	Edited    bool
	EditedAt  *time.Time
	Reactions []Reaction
}

// SessionFilter selects which sessions ListForUser returns.
type SessionFilter string

const (
	FilterAll      SessionFilter = "all"
	FilterActive   SessionFilter = "active"
	FilterArchived SessionFilter = "archived"
)

// NewUser holds the fields required to create a user.
type NewUser struct {
	Username       string
	DisplayName    string
	PasswordHash   string
	Interests      []string
	ChatPreference string
}

// UserRepository is the durable user store.
type UserRepository interface {
	Create(ctx context.Context, u NewUser) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	UpdateProfile(ctx context.Context, id, displayName string, interests []string) (*User, error)
	UpdateChatPreference(ctx context.Context, id, preference string) (*User, error)
	UpdatePresence(ctx context.Context, id string, online bool, status string, lastActive time.Time) error
}

// SessionRepository is the durable session store.
type SessionRepository interface {
	Create(ctx context.Context, userA, userB, sessionType string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	SetActive(ctx context.Context, id string, active bool) error
	SetArchived(ctx context.Context, id string, archived bool) error
	FindActiveBetween(ctx context.Context, userA, userB string) (*Session, error)
	ListForUser(ctx context.Context, userID string, filter SessionFilter) ([]*Session, error)
}

// MessageRepository is the durable message store. Insert updates the parent
// session's last-message pointer in the same unit of work.
type MessageRepository interface {
	Insert(ctx context.Context, sessionID, senderID, content string) (*Message, error)
	Get(ctx context.Context, id string) (*Message, error)
	// MarkRead adds readerID to the read set of every message in the
	// session not sent by the reader. It returns the id of the newest
	// message in the session ("" when the session is empty).
	MarkRead(ctx context.Context, sessionID, readerID string) (string, error)
	Edit(ctx context.Context, id, senderID, content string) (*Message, error)
	Delete(ctx context.Context, id, senderID string) error
	Search(ctx context.Context, sessionID, substring string, limit int) ([]*Message, error)
	// Paginate returns messages newest-first; page starts at 1.
	Paginate(ctx context.Context, sessionID string, page, limit int) ([]*Message, error)
	AddReaction(ctx context.Context, messageID, reactorID, emoji string) (*Message, error)
}

// Repository bundles the three stores behind one injection point.
type Repository struct {
	Users    UserRepository
	Sessions SessionRepository
	Messages MessageRepository
}
