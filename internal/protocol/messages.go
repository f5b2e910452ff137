// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate = "authenticate"
	TypeStartSearch  = "start-search"
	TypeEndSearch    = "end-search"
	TypeAcceptMatch  = "accept-match"
	TypeRejectMatch  = "reject-match"
	TypeSendMessage  = "send-message"
	TypeTyping       = "typing"
	TypeStopTyping   = "stop-typing"
	TypeReadAll      = "read-all"
	TypeJoinSession  = "join-session"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeAuthOK         = "auth-ok"
	TypeAuthError      = "auth-error"
	TypeSearchStarted  = "search-started"
	TypeSearchEnded    = "search-ended"
	TypeMatchFound     = "match-found"
	TypeMatchConfirmed = "match-confirmed"
	TypeMatchRejected  = "match-rejected"
	TypeMatchExpired   = "match-expired"
	TypeNewMessage     = "new-message"
	TypeSessionEnded   = "session-ended"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg binds the connection to an authenticated user identity.
type AuthenticateMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// StartSearchMsg enters the user into the search pool.
type StartSearchMsg struct {
	Type string `json:"type"`
}

// EndSearchMsg removes the user from the search pool.
type EndSearchMsg struct {
	Type string `json:"type"`
}

// AcceptMatchMsg records an accept vote on a pending match ballot.
type AcceptMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// RejectMatchMsg records a reject vote on a pending match ballot.
type RejectMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// SendMessageMsg is a chat message sent within a session.
type SendMessageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// TypingMsg signals the user started typing in a session.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// StopTypingMsg signals the user stopped typing in a session.
type StopTypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ReadAllMsg marks every unread message in the session as read.
type ReadAllMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// JoinSessionMsg subscribes the connection to an existing session's events.
type JoinSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// PartnerProfile is the public view of the matched user sent with
// match-found and match-confirmed.
type PartnerProfile struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Interests   []string `json:"interests,omitempty"`
}

// AuthOKMsg confirms authentication of the connection.
type AuthOKMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// AuthErrorMsg reports a failed authentication attempt.
type AuthErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// SearchStartedMsg confirms the user entered the search pool.
type SearchStartedMsg struct {
	Type string `json:"type"`
}

// SearchEndedMsg confirms the user left the search pool.
type SearchEndedMsg struct {
	Type string `json:"type"`
}

// MatchFoundMsg proposes a match and asks the user to vote.
type MatchFoundMsg struct {
	Type       string         `json:"type"`
	MatchID    string         `json:"match_id"`
	Partner    PartnerProfile `json:"partner"`
	PromptUser bool           `json:"prompt_user"`
	ExpiresIn  int            `json:"expires_in"` // seconds until the ballot expires
}

// MatchConfirmedMsg reports that both users accepted and a session is open.
type MatchConfirmedMsg struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Partner   PartnerProfile `json:"partner"`
}

// MatchRejectedMsg reports that the ballot was rejected.
type MatchRejectedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// MatchExpiredMsg reports that the ballot deadline elapsed undecided.
type MatchExpiredMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// WireMessage is the message record delivered inside NewMessageMsg.
type WireMessage struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	SenderID  string   `json:"sender_id"`
	Content   string   `json:"content"`
	CreatedAt int64    `json:"created_at"` // unix millis
	ReadBy    []string `json:"read_by,omitempty"`
	Edited    bool     `json:"edited,omitempty"`
}

// NewMessageMsg delivers a chat message to a session subscriber.
type NewMessageMsg struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Message   WireMessage `json:"message"`
}

// ServerTypingMsg relays a typing indicator to the other participant. It is
// used for both typing and stop-typing events.
type ServerTypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ServerReadAllMsg relays a read receipt to the other participant.
type ServerReadAllMsg struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	ReaderID      string `json:"reader_id"`
	UpToMessageID string `json:"up_to_message_id,omitempty"`
}

// SessionEndedMsg reports that a participant ended the session.
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	By        string `json:"by"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartSearch:
		var m StartSearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSearch:
		var m EndSearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptMatch:
		var m AcceptMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRejectMatch:
		var m RejectMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReadAll:
		var m ReadAllMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinSession:
		var m JoinSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

// IsTypingType reports whether the given server message type is a
// best-effort typing indicator that may be dropped under backpressure.
func IsTypingType(msgType string) bool {
	return msgType == TypeTyping || msgType == TypeStopTyping
}
