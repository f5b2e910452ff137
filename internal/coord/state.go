package coord

import (
	"sort"
	"strings"
	"sync"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/clock"
)

// Profile is the search-relevant view of a user.
type Profile struct {
	UserID      string
	DisplayName string
	Interests   []string // normalized: lowercased, trimmed, de-duplicated
	Preference  Preference
}

// Public returns the profile fields shared with a matched partner.
func (p Profile) Public() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      p.UserID,
		"display_name": p.DisplayName,
		"interests":    p.Interests,
	}
}

// NormalizeInterests lowercases, trims and de-duplicates interest tags,
// dropping empties. The result is sorted so equal sets compare equal.
func NormalizeInterests(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SharedInterests returns the intersection of two normalized interest sets.
func SharedInterests(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	var shared []string
	for _, t := range b {
		if set[t] {
			shared = append(shared, t)
		}
	}
	sort.Strings(shared)
	return shared
}

// UserSnapshot is a copy of a user's coordinator state at one instant.
type UserSnapshot struct {
	Profile   Profile
	Status    Status
	SessionID string
	BallotID  string
	Connected bool
}

// userEntry is the per-user record. All reads and writes go through the
// entry mutex, giving single-writer semantics per user id.
type userEntry struct {
	mu        sync.Mutex
	profile   Profile
	status    Status
	sessionID string // set iff status == StatusInChat
	ballotID  string // set iff status == StatusPending
	connected bool
}

// StateIndex is the authoritative in-memory user state store. It is one
// of the two cross-component synchronisation points; every status move goes
// through it and is emitted on the sink.
type StateIndex struct {
	mu    sync.RWMutex
	users map[string]*userEntry
	sink  EventSink
	clock clock.Clock
}

// NewStateIndex creates an empty index.
func NewStateIndex(clk clock.Clock, sink EventSink) *StateIndex {
	if sink == nil {
		sink = NopSink{}
	}
	return &StateIndex{
		users: make(map[string]*userEntry),
		sink:  sink,
		clock: clk,
	}
}

// entry returns the record for a user, creating an Offline one on first use.
func (s *StateIndex) entry(userID string) *userEntry {
	s.mu.RLock()
	e, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.users[userID]; ok {
		return e
	}
	e = &userEntry{status: StatusOffline, profile: Profile{UserID: userID}}
	s.users[userID] = e
	return e
}

// Snapshot returns a copy of the user's current state.
func (s *StateIndex) Snapshot(userID string) UserSnapshot {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return UserSnapshot{
		Profile:   e.profile,
		Status:    e.status,
		SessionID: e.sessionID,
		BallotID:  e.ballotID,
		Connected: e.connected,
	}
}

// Status returns the user's current status.
func (s *StateIndex) Status(userID string) Status {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetProfile replaces the user's search profile. Interests are normalized.
func (s *StateIndex) SetProfile(p Profile) {
	p.Interests = NormalizeInterests(p.Interests)
	e := s.entry(p.UserID)
	e.mu.Lock()
	e.profile = p
	e.mu.Unlock()
}

// SetConnected records whether the user has at least one live connection.
func (s *StateIndex) SetConnected(userID string, connected bool) {
	e := s.entry(userID)
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
}

// transitionLocked moves an entry between statuses. Caller holds e.mu.
func (s *StateIndex) transitionLocked(e *userEntry, from, to Status) error {
	if e.status != from {
		return apperr.Newf(apperr.CodeInvalidState,
			"state is %s, expected %s", e.status, from)
	}
	if !CanTransition(from, to) {
		return apperr.Newf(apperr.CodeInvalidState,
			"illegal transition %s -> %s", from, to)
	}
	e.status = to
	if to != StatusInChat {
		e.sessionID = ""
	}
	if to != StatusPending {
		e.ballotID = ""
	}
	s.sink.Publish(Event{
		Kind:   EventStatusChanged,
		UserID: e.profile.UserID,
		From:   from,
		To:     to,
		At:     s.clock.Now(),
	})
	return nil
}

// Transition moves the user from one status to another. It fails with
// InvalidState when the current status differs from `from` (a stale caller)
// or when the move itself is illegal.
func (s *StateIndex) Transition(userID string, from, to Status) error {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.transitionLocked(e, from, to)
}

// StartSearch atomically moves the user Online -> Searching and runs
// enterPool while the entry lock is held, so the pool-membership invariant
// (Searching iff pooled) cannot be observed half-done. Lock order:
// StateIndex(user) before SearchPool.
func (s *StateIndex) StartSearch(userID string, enterPool func(Profile) error) error {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusSearching {
		return nil // already searching, idempotent
	}
	if err := s.transitionLocked(e, StatusOnline, StatusSearching); err != nil {
		return err
	}
	if err := enterPool(e.profile); err != nil {
		// roll back so the invariant holds
		_ = s.transitionLocked(e, StatusSearching, StatusOnline)
		return err
	}
	return nil
}

// EndSearch atomically moves the user Searching -> Online and removes the
// pool entry.
func (s *StateIndex) EndSearch(userID string, leavePool func(string)) error {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.transitionLocked(e, StatusSearching, StatusOnline); err != nil {
		return err
	}
	leavePool(userID)
	return nil
}

// BindBallot atomically moves two searching users into Pending, binds them
// to the ballot and removes both pool entries. If either user's status
// changed concurrently the whole operation rolls back and the error is
// returned so the matcher can retry on the next tick. Entry locks are taken
// in lexicographic user-id order to rule out deadlock.
func (s *StateIndex) BindBallot(ballotID, userA, userB string, leavePool func(string)) error {
	first, second := userA, userB
	if second < first {
		first, second = second, first
	}
	e1, e2 := s.entry(first), s.entry(second)
	e1.mu.Lock()
	defer e1.mu.Unlock()
	e2.mu.Lock()
	defer e2.mu.Unlock()

	if err := s.transitionLocked(e1, StatusSearching, StatusPending); err != nil {
		return err
	}
	if err := s.transitionLocked(e2, StatusSearching, StatusPending); err != nil {
		_ = s.transitionLocked(e1, StatusPending, StatusOnline)
		_ = s.transitionLocked(e1, StatusOnline, StatusSearching)
		return err
	}
	e1.ballotID = ballotID
	e2.ballotID = ballotID
	leavePool(userA)
	leavePool(userB)
	return nil
}

// ReleaseFromBallot moves a user out of Pending after a ballot resolves
// without a session. The user lands Online, or Offline when all their
// connections are gone, via the legal Pending -> Online -> Offline path.
func (s *StateIndex) ReleaseFromBallot(userID, ballotID string) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusPending || e.ballotID != ballotID {
		return // already moved on
	}
	_ = s.transitionLocked(e, StatusPending, StatusOnline)
	if !e.connected {
		_ = s.transitionLocked(e, StatusOnline, StatusOffline)
	}
}

// RequeueFromBallot rolls a user back into the search pool after a failed
// matchmaking handoff (storage failure on session creation). The user
// re-enters matching on the next tick.
func (s *StateIndex) RequeueFromBallot(userID, ballotID string, enterPool func(Profile) error) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusPending || e.ballotID != ballotID {
		return
	}
	_ = s.transitionLocked(e, StatusPending, StatusOnline)
	if !e.connected {
		_ = s.transitionLocked(e, StatusOnline, StatusOffline)
		return
	}
	if err := s.transitionLocked(e, StatusOnline, StatusSearching); err == nil {
		if err := enterPool(e.profile); err != nil {
			_ = s.transitionLocked(e, StatusSearching, StatusOnline)
		}
	}
}

// EnterChat atomically moves two pending users into the session. Both must
// still be bound to the ballot.
func (s *StateIndex) EnterChat(ballotID, sessionID, userA, userB string) error {
	first, second := userA, userB
	if second < first {
		first, second = second, first
	}
	e1, e2 := s.entry(first), s.entry(second)
	e1.mu.Lock()
	defer e1.mu.Unlock()
	e2.mu.Lock()
	defer e2.mu.Unlock()

	if e1.ballotID != ballotID || e2.ballotID != ballotID {
		return apperr.New(apperr.CodeInvalidState, "ballot no longer bound")
	}
	if err := s.transitionLocked(e1, StatusPending, StatusInChat); err != nil {
		return err
	}
	if err := s.transitionLocked(e2, StatusPending, StatusInChat); err != nil {
		_ = s.transitionLocked(e1, StatusInChat, StatusOnline)
		return err
	}
	e1.sessionID = sessionID
	e2.sessionID = sessionID
	return nil
}

// AttachSession binds an existing session to a user who is already InChat.
// It does nothing for a user in any other status and never changes status.
func (s *StateIndex) AttachSession(userID, sessionID string) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusInChat {
		e.sessionID = sessionID
	}
}

// LeaveChat moves a user out of InChat for the given session. It is a no-op
// when the user already left. The user lands Online, or Offline when their
// connections are gone.
func (s *StateIndex) LeaveChat(userID, sessionID string) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusInChat || e.sessionID != sessionID {
		return
	}
	_ = s.transitionLocked(e, StatusInChat, StatusOnline)
	if !e.connected {
		_ = s.transitionLocked(e, StatusOnline, StatusOffline)
	}
}
