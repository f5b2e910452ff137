package coord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/clock"
	"github.com/orincore/circleback/internal/protocol"
	"github.com/orincore/circleback/internal/store"
)

// frame is one recorded outbound notification.
type frame struct {
	userID  string
	msgType string
	payload interface{}
}

// recorder captures notifications instead of delivering them.
type recorder struct {
	mu     sync.Mutex
	frames []frame
}

func (r *recorder) Send(userID, msgType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{userID, msgType, payload})
	return nil
}

func (r *recorder) SendAll(userID, msgType string, payload interface{}) error {
	return r.Send(userID, msgType, payload)
}

// framesFor returns the frames delivered to one user, in order.
func (r *recorder) framesFor(userID string, msgType string) []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []frame
	for _, f := range r.frames {
		if f.userID == userID && (msgType == "" || f.msgType == msgType) {
			out = append(out, f)
		}
	}
	return out
}

type testEnv struct {
	c     *Coordinator
	clk   *clock.Manual
	repo  *store.Repository
	notes *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	repo := store.NewMemory(clk.Now)
	notes := &recorder{}
	cfg := Config{
		TickInterval:    3 * time.Second,
		BallotTTL:       120 * time.Second,
		MaxContentBytes: 4096,
	}
	c := New(cfg, clk, repo, notes, nil, nil)
	return &testEnv{c: c, clk: clk, repo: repo, notes: notes}
}

// addUser creates a durable user and brings them online.
func (e *testEnv) addUser(t *testing.T, username string, interests []string, pref Preference) string {
	t.Helper()
	u, err := e.repo.Users.Create(context.Background(), store.NewUser{
		Username:       username,
		DisplayName:    username,
		PasswordHash:   "x",
		Interests:      interests,
		ChatPreference: string(pref),
	})
	if err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	if err := e.c.UserOnline(context.Background(), u.ID); err != nil {
		t.Fatalf("failed to bring %s online: %v", username, err)
	}
	return u.ID
}

func (e *testEnv) search(t *testing.T, userID string) {
	t.Helper()
	if err := e.c.StartSearch(context.Background(), userID); err != nil {
		t.Fatalf("start-search for %s: %v", userID, err)
	}
}

// matchID extracts the ballot id from the match-found frame sent to userID.
func (e *testEnv) matchID(t *testing.T, userID string) string {
	t.Helper()
	frames := e.notes.framesFor(userID, protocol.TypeMatchFound)
	if len(frames) == 0 {
		t.Fatalf("no match-found frame for %s", userID)
	}
	msg := frames[len(frames)-1].payload.(protocol.MatchFoundMsg)
	return msg.MatchID
}

func (e *testEnv) wantStatus(t *testing.T, userID string, want Status) {
	t.Helper()
	if got := e.c.state.Status(userID); got != want {
		t.Fatalf("user %s: expected status %s, got %s", userID, want, got)
	}
}

// ---------- happy path ----------

func TestHappyPath_MatchAcceptOpensSession(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"music", "art"}, PrefFriendship)
	u2 := e.addUser(t, "u2", []string{"art", "sports"}, PrefFriendship)

	e.search(t, u1)
	e.clk.Advance(time.Second)
	e.search(t, u2)
	e.clk.Advance(2 * time.Second)
	e.c.TickNow()

	e.wantStatus(t, u1, StatusPending)
	e.wantStatus(t, u2, StatusPending)

	m1 := e.matchID(t, u1)
	m2 := e.matchID(t, u2)
	if m1 != m2 {
		t.Fatalf("users got different ballots: %s vs %s", m1, m2)
	}

	if out, err := e.c.AcceptMatch(u1, m1); err != nil || out != OutcomePending {
		t.Fatalf("first accept: expected pending, got %v (%v)", out, err)
	}
	if out, err := e.c.AcceptMatch(u2, m1); err != nil || out != OutcomeAccepted {
		t.Fatalf("second accept: expected accepted, got %v (%v)", out, err)
	}

	e.wantStatus(t, u1, StatusInChat)
	e.wantStatus(t, u2, StatusInChat)

	conf1 := e.notes.framesFor(u1, protocol.TypeMatchConfirmed)
	conf2 := e.notes.framesFor(u2, protocol.TypeMatchConfirmed)
	if len(conf1) != 1 || len(conf2) != 1 {
		t.Fatalf("expected one match-confirmed each, got %d/%d", len(conf1), len(conf2))
	}
	msg1 := conf1[0].payload.(protocol.MatchConfirmedMsg)
	msg2 := conf2[0].payload.(protocol.MatchConfirmedMsg)
	if msg1.SessionID == "" || msg1.SessionID != msg2.SessionID {
		t.Fatalf("session ids disagree: %q vs %q", msg1.SessionID, msg2.SessionID)
	}
	if msg1.Partner.UserID != u2 || msg2.Partner.UserID != u1 {
		t.Fatalf("partner ids wrong: %s / %s", msg1.Partner.UserID, msg2.Partner.UserID)
	}

	s, err := e.repo.Sessions.Get(context.Background(), msg1.SessionID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if s.Type != string(PrefFriendship) || !s.Active {
		t.Fatalf("unexpected session record: type=%s active=%v", s.Type, s.Active)
	}

	snap := e.c.Snapshot(u1)
	if snap.SessionID != msg1.SessionID {
		t.Fatalf("u1 current session %q, want %q", snap.SessionID, msg1.SessionID)
	}
}

// ---------- no-match scenarios ----------

func TestPreferenceMismatchNeverMatches(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"music"}, PrefFriendship)
	u3 := e.addUser(t, "u3", []string{"music"}, PrefDating)

	e.search(t, u1)
	e.search(t, u3)

	for i := 0; i < 4; i++ {
		e.clk.Advance(3 * time.Second)
		e.c.TickNow()
	}

	e.wantStatus(t, u1, StatusSearching)
	e.wantStatus(t, u3, StatusSearching)
	if e.c.pending.Open() != 0 {
		t.Fatalf("expected no ballots, got %d", e.c.pending.Open())
	}
}

func TestNoInterestOverlapNeverMatches(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"music"}, PrefFriendship)
	u4 := e.addUser(t, "u4", []string{"cooking"}, PrefFriendship)

	e.search(t, u1)
	e.search(t, u4)
	e.clk.Advance(3 * time.Second)
	e.c.TickNow()

	e.wantStatus(t, u1, StatusSearching)
	e.wantStatus(t, u4, StatusSearching)
	if e.c.pending.Open() != 0 {
		t.Fatalf("expected no ballots, got %d", e.c.pending.Open())
	}
}

// ---------- rejection ----------

func TestRejectReturnsBothToOnline(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"art"}, PrefFriendship)
	u2 := e.addUser(t, "u2", []string{"art"}, PrefFriendship)

	e.search(t, u1)
	e.search(t, u2)
	e.c.TickNow()

	m := e.matchID(t, u1)
	if out, err := e.c.RejectMatch(u1, m); err != nil || out != OutcomeRejected {
		t.Fatalf("reject: expected rejected, got %v (%v)", out, err)
	}

	e.wantStatus(t, u1, StatusOnline)
	e.wantStatus(t, u2, StatusOnline)
	if e.c.pending.Open() != 0 {
		t.Fatalf("ballot not removed")
	}
	if len(e.notes.framesFor(u2, protocol.TypeMatchRejected)) != 1 {
		t.Fatalf("u2 did not receive match-rejected")
	}

	// A vote on the removed ballot reports expiry.
	if _, err := e.c.AcceptMatch(u2, m); !apperr.Is(err, apperr.CodeMatchExpired) {
		t.Fatalf("vote after resolution: expected MatchExpired, got %v", err)
	}
}

// ---------- TTL ----------

func TestBallotExpiresAtDeadline(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"art"}, PrefFriendship)
	u2 := e.addUser(t, "u2", []string{"art"}, PrefFriendship)

	e.search(t, u1)
	e.search(t, u2)
	e.c.TickNow()
	m := e.matchID(t, u1)

	// One second before the deadline nothing happens.
	e.clk.Advance(119 * time.Second)
	e.wantStatus(t, u1, StatusPending)

	// At exactly 120s the ballot expires.
	e.clk.Advance(time.Second)
	e.wantStatus(t, u1, StatusOnline)
	e.wantStatus(t, u2, StatusOnline)

	for _, uid := range []string{u1, u2} {
		if len(e.notes.framesFor(uid, protocol.TypeMatchExpired)) != 1 {
			t.Fatalf("%s did not receive match-expired", uid)
		}
	}
	if _, err := e.c.AcceptMatch(u1, m); !apperr.Is(err, apperr.CodeMatchExpired) {
		t.Fatalf("late vote: expected MatchExpired, got %v", err)
	}
}

func TestRejectBeforeDeadlineBeatsExpiry(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"art"}, PrefFriendship)
	u2 := e.addUser(t, "u2", []string{"art"}, PrefFriendship)

	e.search(t, u1)
	e.search(t, u2)
	e.c.TickNow()
	m := e.matchID(t, u1)

	e.clk.Advance(119 * time.Second)
	if out, err := e.c.RejectMatch(u2, m); err != nil || out != OutcomeRejected {
		t.Fatalf("reject just before deadline: got %v (%v)", out, err)
	}

	// The deadline timer fires into an already-resolved ballot.
	e.clk.Advance(2 * time.Second)
	if n := len(e.notes.framesFor(u1, protocol.TypeMatchExpired)); n != 0 {
		t.Fatalf("expiry fired after rejection (%d frames)", n)
	}
	if n := len(e.notes.framesFor(u1, protocol.TypeMatchRejected)); n != 1 {
		t.Fatalf("expected one match-rejected for u1, got %d", n)
	}
}

// ---------- disconnect semantics ----------

func TestDisconnectDuringPendingActsAsReject(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"art"}, PrefFriendship)
	u2 := e.addUser(t, "u2", []string{"art"}, PrefFriendship)

	e.search(t, u1)
	e.search(t, u2)
	e.c.TickNow()

	e.c.UserOffline(context.Background(), u1)

	e.wantStatus(t, u1, StatusOffline)
	e.wantStatus(t, u2, StatusOnline)
	if e.c.pending.Open() != 0 {
		t.Fatalf("ballot survived the disconnect")
	}
	if len(e.notes.framesFor(u2, protocol.TypeMatchRejected)) != 1 {
		t.Fatalf("u2 did not receive match-rejected")
	}
}

func TestDisconnectWhileSearchingDrainsPool(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"art"}, PrefFriendship)

	e.search(t, u1)
	if !e.c.pool.Contains(u1) {
		t.Fatalf("u1 missing from pool")
	}

	e.c.UserOffline(context.Background(), u1)
	e.wantStatus(t, u1, StatusOffline)
	if e.c.pool.Contains(u1) {
		t.Fatalf("u1 still pooled after disconnect")
	}
}

func TestDisconnectInChatEndsSessionForPartner(t *testing.T) {
	e := newTestEnv(t)
	u1, u2, sessionID := e.openSession(t)

	e.c.UserOffline(context.Background(), u1)

	e.wantStatus(t, u1, StatusOffline)
	e.wantStatus(t, u2, StatusOnline)

	frames := e.notes.framesFor(u2, protocol.TypeSessionEnded)
	if len(frames) != 1 {
		t.Fatalf("u2 did not receive session-ended")
	}
	msg := frames[0].payload.(protocol.SessionEndedMsg)
	if msg.SessionID != sessionID || msg.By != u1 {
		t.Fatalf("unexpected session-ended payload: %+v", msg)
	}

	s, err := e.repo.Sessions.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("session record: %v", err)
	}
	if s.Active {
		t.Fatalf("session still active after disconnect")
	}
}

// openSession pairs two fresh users and accepts the match. Returns both ids
// and the session id.
func (e *testEnv) openSession(t *testing.T) (string, string, string) {
	t.Helper()
	u1 := e.addUser(t, "alice", []string{"music", "art"}, PrefFriendship)
	u2 := e.addUser(t, "bob", []string{"art"}, PrefFriendship)

	e.search(t, u1)
	e.search(t, u2)
	e.c.TickNow()
	m := e.matchID(t, u1)
	if _, err := e.c.AcceptMatch(u1, m); err != nil {
		t.Fatalf("u1 accept: %v", err)
	}
	if _, err := e.c.AcceptMatch(u2, m); err != nil {
		t.Fatalf("u2 accept: %v", err)
	}
	conf := e.notes.framesFor(u1, protocol.TypeMatchConfirmed)
	if len(conf) == 0 {
		t.Fatalf("no confirmation frame")
	}
	return u1, u2, conf[0].payload.(protocol.MatchConfirmedMsg).SessionID
}

// ---------- message fan-out ----------

func TestMessageFanOutPreservesOrder(t *testing.T) {
	e := newTestEnv(t)
	u1, u2, sessionID := e.openSession(t)

	contents := []string{"m1", "m2", "m3"}
	for _, content := range contents {
		e.clk.Advance(time.Millisecond)
		if _, err := e.c.SendMessage(context.Background(), u1, sessionID, content); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}

	for _, uid := range []string{u1, u2} {
		frames := e.notes.framesFor(uid, protocol.TypeNewMessage)
		if len(frames) != 3 {
			t.Fatalf("%s: expected 3 new-message frames, got %d", uid, len(frames))
		}
		var prev int64
		for i, f := range frames {
			msg := f.payload.(protocol.NewMessageMsg)
			if msg.Message.Content != contents[i] {
				t.Fatalf("%s: frame %d is %q, want %q", uid, i, msg.Message.Content, contents[i])
			}
			if msg.Message.CreatedAt < prev {
				t.Fatalf("%s: created-at not monotonic", uid)
			}
			prev = msg.Message.CreatedAt
		}
	}
}

func TestSendMessageValidation(t *testing.T) {
	e := newTestEnv(t)
	u1, _, sessionID := e.openSession(t)
	outsider := e.addUser(t, "carol", []string{"art"}, PrefFriendship)

	if _, err := e.c.SendMessage(context.Background(), u1, sessionID, "   "); !apperr.Is(err, apperr.CodeInvalidContent) {
		t.Fatalf("blank content: expected InvalidContent, got %v", err)
	}
	if _, err := e.c.SendMessage(context.Background(), outsider, sessionID, "hi"); !apperr.Is(err, apperr.CodeNotAParticipant) {
		t.Fatalf("outsider: expected NotAParticipant, got %v", err)
	}
	if _, err := e.c.SendMessage(context.Background(), u1, "nope", "hi"); !apperr.Is(err, apperr.CodeSessionNotFound) {
		t.Fatalf("unknown session: expected SessionNotFound, got %v", err)
	}
}

func TestContentBoundaryAtMaxBytes(t *testing.T) {
	e := newTestEnv(t)
	u1, _, sessionID := e.openSession(t)

	exact := make([]byte, 4096)
	for i := range exact {
		exact[i] = 'a'
	}
	if _, err := e.c.SendMessage(context.Background(), u1, sessionID, string(exact)); err != nil {
		t.Fatalf("content at limit rejected: %v", err)
	}
	if _, err := e.c.SendMessage(context.Background(), u1, sessionID, string(exact)+"b"); !apperr.Is(err, apperr.CodeInvalidContent) {
		t.Fatalf("content over limit: expected InvalidContent, got %v", err)
	}
}

// ---------- read receipts ----------

func TestReadAllRelaysAfterPersistence(t *testing.T) {
	e := newTestEnv(t)
	u1, u2, sessionID := e.openSession(t)

	msg, err := e.c.SendMessage(context.Background(), u1, sessionID, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.c.ReadAll(context.Background(), u2, sessionID); err != nil {
		t.Fatalf("read-all: %v", err)
	}

	persisted, err := e.repo.Messages.Get(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("load message: %v", err)
	}
	found := false
	for _, reader := range persisted.ReadBy {
		if reader == u2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("u2 missing from read set: %v", persisted.ReadBy)
	}

	frames := e.notes.framesFor(u1, protocol.TypeReadAll)
	if len(frames) != 1 {
		t.Fatalf("u1 did not receive read-all relay")
	}
	relay := frames[0].payload.(protocol.ServerReadAllMsg)
	if relay.ReaderID != u2 || relay.UpToMessageID != msg.ID {
		t.Fatalf("unexpected read-all payload: %+v", relay)
	}
}

// ---------- ending sessions ----------

func TestEndSessionTransitionsAndNotifies(t *testing.T) {
	e := newTestEnv(t)
	u1, u2, sessionID := e.openSession(t)

	if err := e.c.EndSession(context.Background(), u1, sessionID); err != nil {
		t.Fatalf("end: %v", err)
	}
	e.wantStatus(t, u1, StatusOnline)
	e.wantStatus(t, u2, StatusOnline)

	if len(e.notes.framesFor(u2, protocol.TypeSessionEnded)) != 1 {
		t.Fatalf("u2 did not receive session-ended")
	}

	if _, err := e.c.SendMessage(context.Background(), u1, sessionID, "late"); !apperr.Is(err, apperr.CodeSessionNotActive) {
		t.Fatalf("send into ended session: expected SessionNotActive, got %v", err)
	}
	if err := e.c.EndSession(context.Background(), u2, sessionID); !apperr.Is(err, apperr.CodeSessionNotActive) {
		t.Fatalf("double end: expected SessionNotActive, got %v", err)
	}
}

func TestSearchForbiddenWhileInChat(t *testing.T) {
	e := newTestEnv(t)
	u1, _, _ := e.openSession(t)

	err := e.c.StartSearch(context.Background(), u1)
	if !apperr.Is(err, apperr.CodeAlreadyInSession) {
		t.Fatalf("expected AlreadyInSession, got %v", err)
	}
}

// ---------- storage failure on handoff ----------

func TestStorageFailureOnAcceptRequeuesBoth(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"art"}, PrefFriendship)
	u2 := e.addUser(t, "u2", []string{"art"}, PrefFriendship)

	e.search(t, u1)
	e.search(t, u2)
	e.c.TickNow()
	m := e.matchID(t, u1)

	store.FailWrites(e.repo, true)
	if _, err := e.c.AcceptMatch(u1, m); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := e.c.AcceptMatch(u2, m); err != nil {
		t.Fatalf("second accept: %v", err)
	}
	store.FailWrites(e.repo, false)

	e.wantStatus(t, u1, StatusSearching)
	e.wantStatus(t, u2, StatusSearching)
	if !e.c.pool.Contains(u1) || !e.c.pool.Contains(u2) {
		t.Fatalf("users not requeued after failed handoff")
	}

	// The next tick pairs them again and this time the handoff sticks.
	e.clk.Advance(3 * time.Second)
	e.c.TickNow()
	e.wantStatus(t, u1, StatusPending)
	e.wantStatus(t, u2, StatusPending)
}

// ---------- searching invariants ----------

func TestSearchingStatusMatchesPoolMembership(t *testing.T) {
	e := newTestEnv(t)
	u1 := e.addUser(t, "u1", []string{"art"}, PrefFriendship)

	e.search(t, u1)
	e.wantStatus(t, u1, StatusSearching)
	if !e.c.pool.Contains(u1) {
		t.Fatalf("searching user missing from pool")
	}

	// start-search is idempotent while searching
	if err := e.c.StartSearch(context.Background(), u1); err != nil {
		t.Fatalf("repeat start-search: %v", err)
	}

	if err := e.c.EndSearch(context.Background(), u1); err != nil {
		t.Fatalf("end-search: %v", err)
	}
	e.wantStatus(t, u1, StatusOnline)
	if e.c.pool.Contains(u1) {
		t.Fatalf("cancelled user still pooled")
	}
}
