package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/clock"
	"github.com/orincore/circleback/internal/metrics"
	"github.com/orincore/circleback/internal/protocol"
	"github.com/orincore/circleback/internal/store"
)

// Session is the live view of an active chat. The durable record lives
// in the repository; this object adds the subscriber set and the per-session
// critical section that serialises the message path.
type Session struct {
	ID    string
	UserA string
	UserB string
	Type  Preference

	mu          sync.Mutex
	active      bool
	subscribers map[string]bool // user ids receiving fan-out
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

// Subscribers returns a snapshot of the subscriber set.
func (s *Session) Subscribers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		out = append(out, id)
	}
	return out
}

// SessionManager owns the live sessions and the one-active-session-per-pair
// index.
type SessionManager struct {
	repo     *store.Repository
	state    *StateIndex
	notifier Notifier
	sink     EventSink
	clock    clock.Clock

	mu     sync.Mutex
	live   map[string]*Session
	byPair map[string]string // normalized pair -> session id
}

// NewSessionManager creates an empty manager.
func NewSessionManager(repo *store.Repository, state *StateIndex, notifier Notifier, sink EventSink, clk clock.Clock) *SessionManager {
	if sink == nil {
		sink = NopSink{}
	}
	return &SessionManager{
		repo:     repo,
		state:    state,
		notifier: notifier,
		sink:     sink,
		clock:    clk,
		live:     make(map[string]*Session),
		byPair:   make(map[string]string),
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Create opens a session between the pair, persisting the record and
// registering the live object with both participants subscribed. A second
// create for the same pair returns the existing active session.
func (m *SessionManager) Create(ctx context.Context, userA, userB string, typ Preference) (*Session, error) {
	m.mu.Lock()
	if id, ok := m.byPair[pairKey(userA, userB)]; ok {
		s := m.live[id]
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	rec, err := m.repo.Sessions.Create(ctx, userA, userB, string(typ))
	if err != nil {
		return nil, fmt.Errorf("coord: create session: %w", err)
	}
	s := m.register(rec)

	m.sink.Publish(Event{
		Kind: EventSessionCreated, SessionID: s.ID,
		UserID: userA, PeerID: userB, At: m.clock.Now(),
	})
	metrics.ActiveSessions.Set(float64(m.liveCount()))
	return s, nil
}

// register wires a durable record into the live index. Racing registrations
// of the same session collapse onto one object.
func (m *SessionManager) register(rec *store.Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[rec.ID]; ok {
		return s
	}
	s := &Session{
		ID:     rec.ID,
		UserA:  rec.UserA,
		UserB:  rec.UserB,
		Type:   Preference(rec.Type),
		active: rec.Active,
		subscribers: map[string]bool{
			rec.UserA: true,
			rec.UserB: true,
		},
	}
	m.live[s.ID] = s
	if rec.Active {
		m.byPair[pairKey(s.UserA, s.UserB)] = s.ID
	}
	return s
}

func (m *SessionManager) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPair)
}

// Live returns the in-memory session, loading the durable record on a miss
// so that sessions survive coordinator restarts.
func (m *SessionManager) Live(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.live[sessionID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	rec, err := m.repo.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.CodeSessionNotFound, "session not found")
		}
		return nil, fmt.Errorf("coord: load session: %w", err)
	}
	return m.register(rec), nil
}

// ActiveBetween returns the live active session between the pair, if any.
func (m *SessionManager) ActiveBetween(userA, userB string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPair[pairKey(userA, userB)]
	if !ok {
		return nil, false
	}
	return m.live[id], true
}

// Subscribe adds a participant to the session's fan-out set.
func (m *SessionManager) Subscribe(sessionID, userID string) error {
	m.mu.Lock()
	s, ok := m.live[sessionID]
	m.mu.Unlock()
	if !ok {
		return apperr.New(apperr.CodeSessionNotFound, "session not found")
	}
	if !s.Participant(userID) {
		return apperr.NotAParticipant()
	}
	s.mu.Lock()
	s.subscribers[userID] = true
	s.mu.Unlock()
	return nil
}

// End marks the session inactive, moves both participants out of InChat and
// notifies the other participant. actorID must be a participant and the
// session must still be active.
func (m *SessionManager) End(ctx context.Context, sessionID, actorID string) error {
	s, err := m.Live(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.Participant(actorID) {
		return apperr.NotAParticipant()
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return apperr.New(apperr.CodeSessionNotActive, "session already ended")
	}
	s.active = false
	s.mu.Unlock()

	if err := m.repo.Sessions.SetActive(ctx, sessionID, false); err != nil {
		log.Printf("[session] persist end of %s failed: %v", sessionID, err)
		// The in-memory end proceeds; the durable record stays active and
		// the write is not retried.
	}

	m.mu.Lock()
	delete(m.byPair, pairKey(s.UserA, s.UserB))
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(m.liveCount()))

	m.state.LeaveChat(s.UserA, sessionID)
	m.state.LeaveChat(s.UserB, sessionID)

	m.sink.Publish(Event{
		Kind: EventSessionEnded, SessionID: sessionID,
		UserID: actorID, PeerID: s.Other(actorID), At: m.clock.Now(),
	})

	other := s.Other(actorID)
	if err := m.notifier.Send(other, protocol.TypeSessionEnded, protocol.SessionEndedMsg{
		SessionID: sessionID,
		By:        actorID,
	}); err != nil {
		log.Printf("[session] session-ended delivery to %s failed: %v", other, err)
	}
	return nil
}

// Archive flags the session archived for listing purposes. It is idempotent
// and participant-only.
func (m *SessionManager) Archive(ctx context.Context, sessionID, actorID string, archived bool) error {
	rec, err := m.repo.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodeSessionNotFound, "session not found")
		}
		return fmt.Errorf("coord: load session: %w", err)
	}
	if !rec.Participant(actorID) {
		return apperr.NotAParticipant()
	}
	if rec.Archived == archived {
		return nil
	}
	if err := m.repo.Sessions.SetArchived(ctx, sessionID, archived); err != nil {
		return fmt.Errorf("coord: archive session: %w", err)
	}
	return nil
}

// Get is a participant-only read of the durable record.
func (m *SessionManager) Get(ctx context.Context, sessionID, actorID string) (*store.Session, error) {
	rec, err := m.repo.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.CodeSessionNotFound, "session not found")
		}
		return nil, fmt.Errorf("coord: load session: %w", err)
	}
	if !rec.Participant(actorID) {
		return nil, apperr.NotAParticipant()
	}
	return rec, nil
}
