package coord

import (
	"testing"

	"github.com/orincore/circleback/internal/protocol"
)

// pairUp creates two searching users and runs one tick, returning both ids
// and the ballot id.
func pairUp(t *testing.T, e *testEnv) (string, string, string) {
	t.Helper()
	u1 := e.addUser(t, "x1", []string{"chess"}, PrefDating)
	u2 := e.addUser(t, "x2", []string{"chess"}, PrefDating)
	e.search(t, u1)
	e.search(t, u2)
	e.c.TickNow()
	return u1, u2, e.matchID(t, u1)
}

func TestVoteIdempotence(t *testing.T) {
	e := newTestEnv(t)
	u1, u2, m := pairUp(t, e)

	if out, err := e.c.AcceptMatch(u1, m); err != nil || out != OutcomePending {
		t.Fatalf("first accept: %v (%v)", out, err)
	}
	// Repeating the same vote changes nothing.
	if out, err := e.c.AcceptMatch(u1, m); err != nil || out != OutcomePending {
		t.Fatalf("repeated accept: %v (%v)", out, err)
	}
	// A contradictory second vote from the same user is also a no-op.
	if out, err := e.c.RejectMatch(u1, m); err != nil || out != OutcomePending {
		t.Fatalf("contradictory vote: %v (%v)", out, err)
	}

	if out, err := e.c.AcceptMatch(u2, m); err != nil || out != OutcomeAccepted {
		t.Fatalf("deciding accept: %v (%v)", out, err)
	}
}

func TestRejectDominatesRegardlessOfOrder(t *testing.T) {
	// accept then reject
	e := newTestEnv(t)
	u1, u2, m := pairUp(t, e)
	if _, err := e.c.AcceptMatch(u1, m); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out, err := e.c.RejectMatch(u2, m); err != nil || out != OutcomeRejected {
		t.Fatalf("reject after accept: %v (%v)", out, err)
	}
	e.wantStatus(t, u1, StatusOnline)
	e.wantStatus(t, u2, StatusOnline)

	// reject then (attempted) accept
	e2 := newTestEnv(t)
	v1, v2, m2 := pairUp(t, e2)
	if out, err := e2.c.RejectMatch(v2, m2); err != nil || out != OutcomeRejected {
		t.Fatalf("reject first: %v (%v)", out, err)
	}
	if _, err := e2.c.AcceptMatch(v1, m2); err == nil {
		t.Fatalf("accept on resolved ballot should fail")
	}
	e2.wantStatus(t, v1, StatusOnline)
	e2.wantStatus(t, v2, StatusOnline)
}

func TestVoteFromStrangerRejected(t *testing.T) {
	e := newTestEnv(t)
	_, _, m := pairUp(t, e)
	stranger := e.addUser(t, "stranger", []string{"chess"}, PrefDating)

	if _, err := e.c.AcceptMatch(stranger, m); err == nil {
		t.Fatalf("stranger vote accepted")
	}
	if e.c.pending.Open() != 1 {
		t.Fatalf("stranger vote resolved the ballot")
	}
}

func TestMatchFoundCarriesPartnerProfile(t *testing.T) {
	e := newTestEnv(t)
	u1, u2, _ := pairUp(t, e)

	frames := e.notes.framesFor(u1, protocol.TypeMatchFound)
	msg := frames[0].payload.(protocol.MatchFoundMsg)
	if msg.Partner.UserID != u2 {
		t.Fatalf("u1's partner is %s, want %s", msg.Partner.UserID, u2)
	}
	if !msg.PromptUser {
		t.Fatalf("prompt flag not set")
	}
	if msg.ExpiresIn != 120 {
		t.Fatalf("expires_in = %d, want 120", msg.ExpiresIn)
	}
	if len(msg.Partner.Interests) == 0 {
		t.Fatalf("partner interests missing")
	}
}

func TestUserNeverInTwoBallots(t *testing.T) {
	e := newTestEnv(t)
	u1, u2, m := pairUp(t, e)

	// While the ballot is open, neither user can be bound again.
	if err := e.c.state.BindBallot("second", u1, u2, func(string) {}); err == nil {
		t.Fatalf("second binding succeeded while ballot open")
	}

	if _, err := e.c.AcceptMatch(u1, m); err != nil {
		t.Fatalf("accept: %v", err)
	}
	snap := e.c.Snapshot(u1)
	if snap.BallotID != m {
		t.Fatalf("u1 bound to %q, want %q", snap.BallotID, m)
	}
}
