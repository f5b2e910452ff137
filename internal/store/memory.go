package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemory returns a Repository backed by process memory. It exists for
// tests and local development; now supplies timestamps (nil means
// time.Now), so tests driving a manual clock get deterministic created-at
// ordering.
func NewMemory(now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	m := &memory{now: now}
	return &Repository{
		Users:    &memUsers{m: m},
		Sessions: &memSessions{m: m},
		Messages: &memMessages{m: m},
	}
}

type memory struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64 // insertion order tie-break for equal timestamps
	users    map[string]*User
	sessions map[string]*Session
	messages map[string]*memMessage

	// FailWrites makes every mutating call return an error, for exercising
	// storage-failure paths.
	FailWrites bool
}

type memMessage struct {
	Message
	seq int64
}

type memUsers struct{ m *memory }
type memSessions struct{ m *memory }
type memMessages struct{ m *memory }

// FailWrites toggles simulated write failures on a memory repository.
func FailWrites(r *Repository, fail bool) {
	if mu, ok := r.Users.(*memUsers); ok {
		mu.m.mu.Lock()
		mu.m.FailWrites = fail
		mu.m.mu.Unlock()
	}
}

type writeError struct{}

func (writeError) Error() string { return "store: simulated write failure" }

func (m *memory) init() {
	if m.users == nil {
		m.users = make(map[string]*User)
		m.sessions = make(map[string]*Session)
		m.messages = make(map[string]*memMessage)
	}
}

// --- users ---

func (r *memUsers) Create(_ context.Context, nu NewUser) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return nil, writeError{}
	}
	now := r.m.now()
	u := &User{
		ID:             uuid.New().String(),
		Username:       nu.Username,
		DisplayName:    nu.DisplayName,
		PasswordHash:   nu.PasswordHash,
		Interests:      append([]string(nil), nu.Interests...),
		ChatPreference: nu.ChatPreference,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (r *memUsers) GetByID(_ context.Context, id string) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	u, ok := r.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memUsers) GetByUsername(_ context.Context, username string) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	for _, u := range r.m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memUsers) UpdateProfile(_ context.Context, id, displayName string, interests []string) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return nil, writeError{}
	}
	u, ok := r.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.DisplayName = displayName
	u.Interests = append([]string(nil), interests...)
	u.UpdatedAt = r.m.now()
	cp := *u
	return &cp, nil
}

func (r *memUsers) UpdateChatPreference(_ context.Context, id, preference string) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return nil, writeError{}
	}
	u, ok := r.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.ChatPreference = preference
	u.UpdatedAt = r.m.now()
	cp := *u
	return &cp, nil
}

func (r *memUsers) UpdatePresence(_ context.Context, id string, online bool, status string, lastActive time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return writeError{}
	}
	u, ok := r.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Online = online
	u.Status = status
	u.LastActive = lastActive
	return nil
}

// --- sessions ---

func (r *memSessions) Create(_ context.Context, userA, userB, sessionType string) (*Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return nil, writeError{}
	}
	if s := r.m.findActiveBetween(userA, userB); s != nil {
		cp := *s
		return &cp, nil
	}
	now := r.m.now()
	s := &Session{
		ID:        uuid.New().String(),
		UserA:     userA,
		UserB:     userB,
		Type:      sessionType,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *memory) findActiveBetween(userA, userB string) *Session {
	for _, s := range m.sessions {
		if !s.Active {
			continue
		}
		if (s.UserA == userA && s.UserB == userB) || (s.UserA == userB && s.UserB == userA) {
			return s
		}
	}
	return nil
}

func (r *memSessions) Get(_ context.Context, id string) (*Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	s, ok := r.m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessions) SetActive(_ context.Context, id string, active bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return writeError{}
	}
	s, ok := r.m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = active
	s.UpdatedAt = r.m.now()
	return nil
}

func (r *memSessions) SetArchived(_ context.Context, id string, archived bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return writeError{}
	}
	s, ok := r.m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Archived = archived
	s.UpdatedAt = r.m.now()
	return nil
}

func (r *memSessions) FindActiveBetween(_ context.Context, userA, userB string) (*Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	s := r.m.findActiveBetween(userA, userB)
	if s == nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessions) ListForUser(_ context.Context, userID string, filter SessionFilter) ([]*Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	var out []*Session
	for _, s := range r.m.sessions {
		if s.UserA != userID && s.UserB != userID {
			continue
		}
		switch filter {
		case FilterActive:
			if !s.Active || s.Archived {
				continue
			}
		case FilterArchived:
			if !s.Archived {
				continue
			}
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// --- messages ---

func (r *memMessages) Insert(_ context.Context, sessionID, senderID, content string) (*Message, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return nil, writeError{}
	}
	s, ok := r.m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	r.m.seq++
	m := &memMessage{
		Message: Message{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			SenderID:  senderID,
			Content:   content,
			CreatedAt: r.m.now(),
			ReadBy:    []string{senderID},
		},
		seq: r.m.seq,
	}
	r.m.messages[m.ID] = m
	s.LastMessageID = m.ID
	s.UnreadCount++
	s.UpdatedAt = m.CreatedAt
	cp := m.Message
	return &cp, nil
}

func (r *memMessages) Get(_ context.Context, id string) (*Message, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	m, ok := r.m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.Message
	return &cp, nil
}

func (r *memMessages) MarkRead(_ context.Context, sessionID, readerID string) (string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return "", writeError{}
	}
	var last *memMessage
	for _, m := range r.m.messages {
		if m.SessionID != sessionID {
			continue
		}
		if last == nil || m.seq > last.seq {
			last = m
		}
		if m.SenderID == readerID || contains(m.ReadBy, readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
	}
	if s, ok := r.m.sessions[sessionID]; ok {
		s.UnreadCount = 0
	}
	if last == nil {
		return "", nil
	}
	return last.ID, nil
}

func (r *memMessages) Edit(_ context.Context, id, senderID, content string) (*Message, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return nil, writeError{}
	}
	m, ok := r.m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.SenderID != senderID {
		return nil, ErrForbidden
	}
	now := r.m.now()
	m.Content = content
	m.Edited = true
	m.EditedAt = &now
	cp := m.Message
	return &cp, nil
}

func (r *memMessages) Delete(_ context.Context, id, senderID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return writeError{}
	}
	m, ok := r.m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.SenderID != senderID {
		return ErrForbidden
	}
	delete(r.m.messages, id)
	return nil
}

func (r *memMessages) Search(_ context.Context, sessionID, substring string, limit int) ([]*Message, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	needle := strings.ToLower(substring)
	msgs := r.m.sessionMessages(sessionID)
	var out []*Message
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if strings.Contains(strings.ToLower(msgs[i].Content), needle) {
			cp := msgs[i].Message
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memMessages) Paginate(_ context.Context, sessionID string, page, limit int) ([]*Message, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if page < 1 {
		page = 1
	}
	msgs := r.m.sessionMessages(sessionID)
	// newest first
	var out []*Message
	start := (page - 1) * limit
	for i := len(msgs) - 1 - start; i >= 0 && len(out) < limit; i-- {
		cp := msgs[i].Message
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memMessages) AddReaction(_ context.Context, messageID, reactorID, emoji string) (*Message, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.init()
	if r.m.FailWrites {
		return nil, writeError{}
	}
	m, ok := r.m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, ReactorID: reactorID})
	cp := m.Message
	return &cp, nil
}

// sessionMessages returns the session's messages in insertion order.
func (m *memory) sessionMessages(sessionID string) []*memMessage {
	var msgs []*memMessage
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].seq < msgs[j].seq })
	return msgs
}

func contains(list []string, v string) bool {
	for _, cur := range list {
		if cur == v {
			return true
		}
	}
	return false
}
