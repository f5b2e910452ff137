package coord

import "time"

// EventKind identifies an observable coordinator event.
type EventKind string

const (
	EventStatusChanged  EventKind = "status-changed"
	EventMatchProposed  EventKind = "match-proposed"
	EventMatchAccepted  EventKind = "match-accepted"
	EventMatchRejected  EventKind = "match-rejected"
	EventMatchExpired   EventKind = "match-expired"
	EventSessionCreated EventKind = "session-created"
	EventSessionEnded   EventKind = "session-ended"
)

// Event is one observable coordinator occurrence. Every status transition
// and every match/session lifecycle change is published to the sink, which
// external consumers (the NATS mirror) can tap without being on the hot
// path.
type Event struct {
	Kind      EventKind `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	MatchID   string    `json:"match_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	PeerID    string    `json:"peer_id,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives coordinator events. Implementations must not block;
// slow consumers are expected to buffer or drop.
type EventSink interface {
	Publish(Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(Event) {}

// Notifier delivers server frames to a user's live connections. The
// websocket registry satisfies it; tests substitute a recorder.
type Notifier interface {
	// Send enqueues on the user's primary connection (directed events).
	Send(userID, msgType string, payload interface{}) error
	// SendAll enqueues on every connection of the user (session fan-out).
	SendAll(userID, msgType string, payload interface{}) error
}
