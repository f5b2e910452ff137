// Package coord implements the matchmaking and session coordinator: user
// state tracking, the search pool, the matcher, pending-match ballots,
// session lifecycle and event fan-out. One Coordinator owns all indices;
// tests construct one per scenario with a manual clock and an in-memory
// repository.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/clock"
	"github.com/orincore/circleback/internal/metrics"
	"github.com/orincore/circleback/internal/protocol"
	"github.com/orincore/circleback/internal/store"
)

// Config holds the coordinator's tunables.
type Config struct {
	TickInterval    time.Duration
	BallotTTL       time.Duration
	MaxContentBytes int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:    3 * time.Second,
		BallotTTL:       120 * time.Second,
		MaxContentBytes: 4096,
	}
}

// Coordinator is the single owner of the matchmaking and session indices.
type Coordinator struct {
	cfg      Config
	clock    clock.Clock
	repo     *store.Repository
	notifier Notifier
	sink     EventSink

	state    *StateIndex
	pool     *SearchPool
	pending  *PendingTable
	sessions *SessionManager
	matcher  *Matcher
}

// New assembles a Coordinator. blocked may be nil; sink may be nil.
func New(cfg Config, clk clock.Clock, repo *store.Repository, notifier Notifier, sink EventSink, blocked BlockChecker) *Coordinator {
	if sink == nil {
		sink = NopSink{}
	}
	c := &Coordinator{
		cfg:      cfg,
		clock:    clk,
		repo:     repo,
		notifier: notifier,
		sink:     sink,
	}
	c.state = NewStateIndex(clk, sink)
	c.pool = NewSearchPool()
	c.pending = NewPendingTable(clk, c.state, notifier, sink, cfg.BallotTTL)
	c.sessions = NewSessionManager(repo, c.state, notifier, sink, clk)
	c.matcher = NewMatcher(clk, c.pool, c.state, c.pending, blocked, cfg.TickInterval)

	c.pending.leavePool = c.pool.Remove
	c.pending.openSession = c.openSession
	c.pending.requeue = c.requeueAfterHandoff
	return c
}

// Start launches the matcher loop.
func (c *Coordinator) Start() {
	c.matcher.Start()
	log.Printf("[coord] started (tick=%s ballot_ttl=%s)", c.cfg.TickInterval, c.cfg.BallotTTL)
}

// Stop terminates the matcher loop.
func (c *Coordinator) Stop() {
	c.matcher.Stop()
	log.Printf("[coord] stopped")
}

// State exposes the user state index for read-side consumers.
func (c *Coordinator) State() *StateIndex { return c.state }

// Sessions exposes the session manager for the HTTP surface.
func (c *Coordinator) Sessions() *SessionManager { return c.sessions }

// Pending exposes the ballot table.
func (c *Coordinator) Pending() *PendingTable { return c.pending }

// TickNow forces an immediate matcher pass. Tests call it directly instead
// of starting the matcher's tick loop.
func (c *Coordinator) TickNow() { c.matcher.Tick() }

// --- connection lifecycle -------------------------------------------------

// UserOnline is invoked when a connection authenticates as userID. It loads
// the search profile from the repository and drives Offline -> Online on the
// user's first connection.
func (c *Coordinator) UserOnline(ctx context.Context, userID string) error {
	u, err := c.repo.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodeAuthRequired, "unknown user")
		}
		return apperr.Storage()
	}

	c.state.SetProfile(Profile{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Interests:   u.Interests,
		Preference:  Preference(u.ChatPreference),
	})
	c.state.SetConnected(userID, true)

	if c.state.Status(userID) == StatusOffline {
		if err := c.state.Transition(userID, StatusOffline, StatusOnline); err != nil {
			return err
		}
	}
	c.updatePresence(ctx, userID)
	return nil
}

// UserOffline is invoked when the user's last connection is gone. It unwinds
// whatever the user was doing: cancels a search, votes reject on an open
// ballot, or ends an active chat for the partner.
func (c *Coordinator) UserOffline(ctx context.Context, userID string) {
	c.state.SetConnected(userID, false)
	snap := c.state.Snapshot(userID)

	switch snap.Status {
	case StatusSearching:
		if err := c.state.EndSearch(userID, c.pool.Remove); err == nil {
			_ = c.state.Transition(userID, StatusOnline, StatusOffline)
		}
	case StatusPending:
		// Disconnect mid-ballot counts as a reject; resolution lands the
		// user Offline because the connection flag is already down.
		c.pending.RejectByDisconnect(userID, snap.BallotID)
		// The ballot may have resolved as accepted while this reject was in
		// flight, in which case the user just entered a chat they can no
		// longer attend; end it for the partner's sake.
		if after := c.state.Snapshot(userID); after.Status == StatusInChat {
			if err := c.sessions.End(ctx, after.SessionID, userID); err != nil {
				log.Printf("[coord] end session after late accept of %s: %v", userID, err)
				c.state.LeaveChat(userID, after.SessionID)
			}
		}
	case StatusInChat:
		if err := c.sessions.End(ctx, snap.SessionID, userID); err != nil {
			log.Printf("[coord] end session on disconnect of %s: %v", userID, err)
			c.state.LeaveChat(userID, snap.SessionID)
		}
		// LeaveChat saw connected=false and parked the user Offline.
	case StatusOnline:
		_ = c.state.Transition(userID, StatusOnline, StatusOffline)
	}
	c.updatePresence(ctx, userID)
}

func (c *Coordinator) updatePresence(ctx context.Context, userID string) {
	snap := c.state.Snapshot(userID)
	online := snap.Status != StatusOffline
	err := c.repo.Users.UpdatePresence(ctx, userID, online, string(snap.Status), c.clock.Now())
	if err != nil {
		log.Printf("[coord] presence update for %s: %v", userID, err)
	}
}

// --- searching ------------------------------------------------------------

// StartSearch places the user in the search pool and kicks an immediate
// matcher tick. Repeated calls while already searching are no-ops.
func (c *Coordinator) StartSearch(_ context.Context, userID string) error {
	snap := c.state.Snapshot(userID)
	if snap.Status == StatusOffline {
		return apperr.AuthRequired()
	}
	if snap.Status == StatusInChat {
		return apperr.New(apperr.CodeAlreadyInSession, "end the current chat before searching")
	}
	if len(snap.Profile.Interests) == 0 {
		return apperr.New(apperr.CodeInvalidContent, "set at least one interest before searching")
	}
	if !ValidPreference(snap.Profile.Preference) {
		return apperr.New(apperr.CodeInvalidContent, "set a chat preference before searching")
	}

	now := c.clock.Now()
	err := c.state.StartSearch(userID, func(p Profile) error {
		c.pool.Add(SearchEntry{
			UserID:     p.UserID,
			Interests:  p.Interests,
			Preference: p.Preference,
			EnqueuedAt: now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	c.matcher.Kick()
	return nil
}

// EndSearch removes the user from the pool.
func (c *Coordinator) EndSearch(_ context.Context, userID string) error {
	return c.state.EndSearch(userID, c.pool.Remove)
}

// --- ballots --------------------------------------------------------------

// AcceptMatch records an accept vote.
func (c *Coordinator) AcceptMatch(userID, matchID string) (Outcome, error) {
	return c.pending.Vote(userID, matchID, true)
}

// RejectMatch records a reject vote.
func (c *Coordinator) RejectMatch(userID, matchID string) (Outcome, error) {
	return c.pending.Vote(userID, matchID, false)
}

// openSession is the accepted-ballot handoff wired into the pending table.
func (c *Coordinator) openSession(b *Ballot) (string, error) {
	s, err := c.sessions.Create(context.Background(), b.UserA, b.UserB, b.Preference)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// requeueAfterHandoff rolls a user back into the pool after a storage
// failure on the accept path.
func (c *Coordinator) requeueAfterHandoff(userID, ballotID string) {
	now := c.clock.Now()
	c.state.RequeueFromBallot(userID, ballotID, func(p Profile) error {
		c.pool.Add(SearchEntry{
			UserID:     p.UserID,
			Interests:  p.Interests,
			Preference: p.Preference,
			EnqueuedAt: now,
		})
		return nil
	})
}

// --- sessions and fan-out -------------------------------------------------

// CreateSession opens an explicit session between two users (the HTTP
// create-session path). It does not touch either user's status; presence in
// the chat is driven by the WS layer.
func (c *Coordinator) CreateSession(ctx context.Context, userA, userB string, typ Preference) (*Session, error) {
	if userA == userB {
		return nil, apperr.New(apperr.CodeInvalidContent, "cannot open a session with yourself")
	}
	if !ValidPreference(typ) {
		return nil, apperr.New(apperr.CodeInvalidContent, "unknown session type")
	}
	return c.sessions.Create(ctx, userA, userB, typ)
}

// SendMessage validates, persists and fans out one chat message. The
// session's critical section spans persistence and fan-out, so delivery
// order to every subscriber matches persisted order.
func (c *Coordinator) SendMessage(ctx context.Context, userID, sessionID, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.New(apperr.CodeInvalidContent, "message is empty")
	}
	if len(content) > c.cfg.MaxContentBytes {
		return nil, apperr.Newf(apperr.CodeInvalidContent,
			"message exceeds %d byte limit", c.cfg.MaxContentBytes)
	}

	s, err := c.sessions.Live(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Participant(userID) {
		return nil, apperr.NotAParticipant()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, apperr.New(apperr.CodeSessionNotActive, "session has ended")
	}

	msg, err := c.repo.Messages.Insert(ctx, sessionID, userID, content)
	if err != nil {
		return nil, apperr.Storage()
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	wire := wireMessage(msg)
	for subscriber := range s.subscribers {
		err := c.notifier.SendAll(subscriber, protocol.TypeNewMessage, protocol.NewMessageMsg{
			SessionID: sessionID,
			Message:   wire,
		})
		if err != nil {
			// Fan-out failure never aborts the message; the subscriber's
			// connection cleans itself up.
			log.Printf("[coord] fan-out to %s failed: %v", subscriber, err)
			metrics.DroppedEvents.Inc()
			continue
		}
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	}
	return msg, nil
}

func wireMessage(m *store.Message) protocol.WireMessage {
	return protocol.WireMessage{
		ID:        m.ID,
		SessionID: m.SessionID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixMilli(),
		ReadBy:    m.ReadBy,
		Edited:    m.Edited,
	}
}

// Typing relays a best-effort typing indicator to the other participant.
func (c *Coordinator) Typing(ctx context.Context, userID, sessionID string, typing bool) error {
	s, err := c.sessions.Live(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.Participant(userID) {
		return apperr.NotAParticipant()
	}

	msgType := protocol.TypeTyping
	if !typing {
		msgType = protocol.TypeStopTyping
	}
	err = c.notifier.Send(s.Other(userID), msgType, protocol.ServerTypingMsg{
		SessionID: sessionID,
		UserID:    userID,
	})
	if err != nil {
		// Droppable by contract.
		metrics.DroppedEvents.Inc()
	}
	return nil
}

// ReadAll marks every message in the session as read by userID and relays
// the receipt to the other participant after persistence.
func (c *Coordinator) ReadAll(ctx context.Context, userID, sessionID string) error {
	s, err := c.sessions.Live(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.Participant(userID) {
		return apperr.NotAParticipant()
	}

	lastID, err := c.repo.Messages.MarkRead(ctx, sessionID, userID)
	if err != nil {
		return apperr.Storage()
	}

	if err := c.notifier.Send(s.Other(userID), protocol.TypeReadAll, protocol.ServerReadAllMsg{
		SessionID:     sessionID,
		ReaderID:      userID,
		UpToMessageID: lastID,
	}); err != nil {
		log.Printf("[coord] read-all relay to %s failed: %v", s.Other(userID), err)
	}
	return nil
}

// JoinSession subscribes the user to the session's fan-out.
func (c *Coordinator) JoinSession(ctx context.Context, userID, sessionID string) error {
	if _, err := c.sessions.Live(ctx, sessionID); err != nil {
		return err
	}
	return c.sessions.Subscribe(sessionID, userID)
}

// EndSession ends an active session on behalf of a participant.
func (c *Coordinator) EndSession(ctx context.Context, userID, sessionID string) error {
	return c.sessions.End(ctx, sessionID, userID)
}

// Snapshot returns the user's coordinator state, for diagnostics and the
// HTTP surface.
func (c *Coordinator) Snapshot(userID string) UserSnapshot {
	return c.state.Snapshot(userID)
}

// RefreshProfile reloads the user's search profile from the repository after
// a profile or preference update, unless the user is mid-search (the active
// search keeps the profile it started with).
func (c *Coordinator) RefreshProfile(ctx context.Context, userID string) error {
	if c.state.Status(userID) == StatusSearching {
		return fmt.Errorf("coord: profile locked while searching")
	}
	u, err := c.repo.Users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("coord: refresh profile: %w", err)
	}
	c.state.SetProfile(Profile{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Interests:   u.Interests,
		Preference:  Preference(u.ChatPreference),
	})
	return nil
}
