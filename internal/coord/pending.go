package coord

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/clock"
	"github.com/orincore/circleback/internal/metrics"
	"github.com/orincore/circleback/internal/protocol"
)

// Outcome is the terminal result of a ballot, or OutcomePending while votes
// are still open.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeExpired  Outcome = "expired"
)

// Ballot is the two-party accept/reject record for one proposed match.
type Ballot struct {
	ID         string
	UserA      string
	UserB      string
	ProfileA   Profile
	ProfileB   Profile
	Preference Preference
	Shared     []string
	CreatedAt  time.Time
	Deadline   time.Time

	mu       sync.Mutex
	accepts  map[string]bool
	rejects  map[string]bool
	resolved bool
	timer    clock.Timer
}

// Participant reports whether userID is one of the ballot's two users.
func (b *Ballot) Participant(userID string) bool {
	return userID == b.UserA || userID == b.UserB
}

// Other returns the opposite participant's profile.
func (b *Ballot) Other(userID string) Profile {
	if userID == b.UserA {
		return b.ProfileB
	}
	return b.ProfileA
}

// PendingTable owns all open ballots. Votes on the same ballot are
// serialised by the ballot mutex; different ballots are independent. Ballot
// creation establishes both users' Pending status and the ballot binding in
// one atomic step with the state index, which guarantees a user is never in
// two open ballots.
type PendingTable struct {
	clock    clock.Clock
	state    *StateIndex
	notifier Notifier
	sink     EventSink
	ttl      time.Duration

	// openSession turns an accepted ballot into a durable session. Wired by
	// the coordinator. Returns the new session id.
	openSession func(b *Ballot) (string, error)
	// requeue rolls a user back into the pool after a failed handoff.
	requeue func(userID, ballotID string)
	// leavePool removes a user's search entry while their state entry is
	// locked (BindBallot).
	leavePool func(userID string)

	mu      sync.Mutex
	ballots map[string]*Ballot
}

// NewPendingTable creates an empty table.
func NewPendingTable(clk clock.Clock, state *StateIndex, notifier Notifier, sink EventSink, ttl time.Duration) *PendingTable {
	if sink == nil {
		sink = NopSink{}
	}
	return &PendingTable{
		clock:    clk,
		state:    state,
		notifier: notifier,
		sink:     sink,
		ttl:      ttl,
		ballots:  make(map[string]*Ballot),
	}
}

// Propose creates a ballot for the pair, transitions both users to Pending
// and sends match-found to each with the other's public profile. On any
// failure both users stay (or are rolled back to) Searching and the error is
// returned so the matcher re-pairs on a later tick.
func (t *PendingTable) Propose(a, b Profile, pref Preference, shared []string) (*Ballot, error) {
	now := t.clock.Now()
	ballot := &Ballot{
		ID:         uuid.New().String(),
		UserA:      a.UserID,
		UserB:      b.UserID,
		ProfileA:   a,
		ProfileB:   b,
		Preference: pref,
		Shared:     shared,
		CreatedAt:  now,
		Deadline:   now.Add(t.ttl),
		accepts:    make(map[string]bool, 2),
		rejects:    make(map[string]bool, 2),
	}

	if err := t.state.BindBallot(ballot.ID, a.UserID, b.UserID, t.leavePool); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.ballots[ballot.ID] = ballot
	open := len(t.ballots)
	t.mu.Unlock()
	metrics.OpenBallots.Set(float64(open))

	ballot.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(ballot.ID) })

	t.sink.Publish(Event{
		Kind: EventMatchProposed, MatchID: ballot.ID,
		UserID: a.UserID, PeerID: b.UserID, At: now,
	})

	expiresIn := int(t.ttl / time.Second)
	t.sendMatchFound(a.UserID, ballot, b, expiresIn)
	t.sendMatchFound(b.UserID, ballot, a, expiresIn)
	return ballot, nil
}

func (t *PendingTable) sendMatchFound(userID string, b *Ballot, partner Profile, expiresIn int) {
	err := t.notifier.Send(userID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		MatchID: b.ID,
		Partner: protocol.PartnerProfile{
			UserID:      partner.UserID,
			DisplayName: partner.DisplayName,
			Interests:   partner.Interests,
		},
		PromptUser: true,
		ExpiresIn:  expiresIn,
	})
	if err != nil {
		log.Printf("[pending] match-found delivery to %s failed: %v", userID, err)
	}
}

// Get returns the open ballot with the given id.
func (t *PendingTable) Get(ballotID string) (*Ballot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.ballots[ballotID]
	return b, ok
}

// Open returns the number of undecided ballots.
func (t *PendingTable) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ballots)
}

// Vote records an accept or reject from userID on the ballot. Repeated votes
// from the same user are idempotent. Any reject is immediately terminal;
// accept requires unanimity. Votes on an unknown or already-resolved ballot
// fail with MatchExpired.
func (t *PendingTable) Vote(userID, ballotID string, accept bool) (Outcome, error) {
	b, ok := t.Get(ballotID)
	if !ok {
		return "", apperr.New(apperr.CodeMatchExpired, "match no longer pending")
	}

	b.mu.Lock()
	if b.resolved {
		b.mu.Unlock()
		return "", apperr.New(apperr.CodeMatchExpired, "match no longer pending")
	}
	if !b.Participant(userID) {
		b.mu.Unlock()
		return "", apperr.NotAParticipant()
	}
	if t.clock.Now().After(b.Deadline) {
		// The expiry timer has not run yet; resolve now.
		b.resolved = true
		b.mu.Unlock()
		t.finish(b, OutcomeExpired, "")
		return "", apperr.New(apperr.CodeMatchExpired, "match expired")
	}

	if b.accepts[userID] || b.rejects[userID] {
		// Idempotent: the vote is already recorded.
		outcome := b.outcomeLocked()
		b.mu.Unlock()
		return outcome, nil
	}

	if accept {
		b.accepts[userID] = true
	} else {
		b.rejects[userID] = true
	}

	outcome := b.outcomeLocked()
	if outcome == OutcomePending {
		b.mu.Unlock()
		return OutcomePending, nil
	}
	b.resolved = true
	b.mu.Unlock()

	t.finish(b, outcome, userID)
	return outcome, nil
}

// outcomeLocked applies the decision rule: reject dominates, accept needs
// both. Caller holds b.mu.
func (b *Ballot) outcomeLocked() Outcome {
	if len(b.rejects) > 0 {
		return OutcomeRejected
	}
	if b.accepts[b.UserA] && b.accepts[b.UserB] {
		return OutcomeAccepted
	}
	return OutcomePending
}

// RejectByDisconnect records an implicit reject for a user whose last
// connection dropped while they were in a ballot.
func (t *PendingTable) RejectByDisconnect(userID, ballotID string) {
	if _, err := t.Vote(userID, ballotID, false); err != nil && !apperr.Is(err, apperr.CodeMatchExpired) {
		log.Printf("[pending] disconnect reject for %s on %s: %v", userID, ballotID, err)
	}
}

// expire resolves an undecided ballot at its deadline.
func (t *PendingTable) expire(ballotID string) {
	b, ok := t.Get(ballotID)
	if !ok {
		return
	}
	b.mu.Lock()
	if b.resolved {
		b.mu.Unlock()
		return
	}
	b.resolved = true
	b.mu.Unlock()

	t.finish(b, OutcomeExpired, "")
}

// finish removes the ballot and applies the outcome's transitions and
// notifications. It runs exactly once per ballot.
func (t *PendingTable) finish(b *Ballot, outcome Outcome, decidedBy string) {
	if b.timer != nil {
		b.timer.Stop()
	}
	t.mu.Lock()
	delete(t.ballots, b.ID)
	open := len(t.ballots)
	t.mu.Unlock()
	metrics.OpenBallots.Set(float64(open))
	metrics.MatchOutcomes.WithLabelValues(string(outcome)).Inc()

	now := t.clock.Now()

	switch outcome {
	case OutcomeAccepted:
		sessionID, err := t.openSession(b)
		if err != nil {
			// Storage failure during handoff: both users go back to
			// Searching and re-enter the next tick.
			log.Printf("[pending] session open failed for ballot %s: %v", b.ID, err)
			t.requeue(b.UserA, b.ID)
			t.requeue(b.UserB, b.ID)
			return
		}
		if err := t.state.EnterChat(b.ID, sessionID, b.UserA, b.UserB); err != nil {
			log.Printf("[pending] enter chat failed for ballot %s: %v", b.ID, err)
			t.requeue(b.UserA, b.ID)
			t.requeue(b.UserB, b.ID)
			return
		}
		t.sink.Publish(Event{
			Kind: EventMatchAccepted, MatchID: b.ID, SessionID: sessionID,
			UserID: b.UserA, PeerID: b.UserB, At: now,
		})
		t.sendConfirmed(b.UserA, sessionID, b.ProfileB)
		t.sendConfirmed(b.UserB, sessionID, b.ProfileA)

	case OutcomeRejected:
		t.state.ReleaseFromBallot(b.UserA, b.ID)
		t.state.ReleaseFromBallot(b.UserB, b.ID)
		t.sink.Publish(Event{
			Kind: EventMatchRejected, MatchID: b.ID,
			UserID: decidedBy, PeerID: b.Other(decidedBy).UserID, At: now,
		})
		t.notifyResolved(b, protocol.TypeMatchRejected)

	case OutcomeExpired:
		t.state.ReleaseFromBallot(b.UserA, b.ID)
		t.state.ReleaseFromBallot(b.UserB, b.ID)
		t.sink.Publish(Event{
			Kind: EventMatchExpired, MatchID: b.ID,
			UserID: b.UserA, PeerID: b.UserB, At: now,
		})
		t.notifyResolved(b, protocol.TypeMatchExpired)
	}
}

func (t *PendingTable) sendConfirmed(userID, sessionID string, partner Profile) {
	err := t.notifier.Send(userID, protocol.TypeMatchConfirmed, protocol.MatchConfirmedMsg{
		SessionID: sessionID,
		Partner: protocol.PartnerProfile{
			UserID:      partner.UserID,
			DisplayName: partner.DisplayName,
			Interests:   partner.Interests,
		},
	})
	if err != nil {
		log.Printf("[pending] match-confirmed delivery to %s failed: %v", userID, err)
	}
}

// notifyResolved sends a rejected/expired frame to each still-connected
// participant. Delivery failures are logged, never surfaced.
func (t *PendingTable) notifyResolved(b *Ballot, msgType string) {
	for _, userID := range []string{b.UserA, b.UserB} {
		var payload interface{}
		if msgType == protocol.TypeMatchRejected {
			payload = protocol.MatchRejectedMsg{MatchID: b.ID}
		} else {
			payload = protocol.MatchExpiredMsg{MatchID: b.ID}
		}
		if err := t.notifier.Send(userID, msgType, payload); err != nil {
			log.Printf("[pending] %s delivery to %s failed: %v", msgType, userID, err)
		}
	}
}
