package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_Authenticate(t *testing.T) {
	input := []byte(`{"type":"authenticate","user_id":"u-42"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAuthenticate {
		t.Fatalf("expected type %q, got %q", TypeAuthenticate, msgType)
	}

	am, ok := msg.(AuthenticateMsg)
	if !ok {
		t.Fatalf("expected AuthenticateMsg, got %T", msg)
	}
	if am.UserID != "u-42" {
		t.Fatalf("expected user_id %q, got %q", "u-42", am.UserID)
	}
}

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send-message","session_id":"s-1","content":"hello"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.SessionID != "s-1" || sm.Content != "hello" {
		t.Fatalf("unexpected payload: %+v", sm)
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"user_id":"u-1"}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestParseClientMessage_ServerOnlyTypeRejected(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"match-found"}`))
	if err == nil {
		t.Fatal("expected error for server-only type")
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeMatchFound, MatchFoundMsg{
		MatchID:    "m-1",
		Partner:    PartnerProfile{UserID: "u-2", Interests: []string{"art"}},
		PromptUser: true,
		ExpiresIn:  120,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != TypeMatchFound {
		t.Fatalf("type = %v, want %q", m["type"], TypeMatchFound)
	}
	if m["match_id"] != "m-1" {
		t.Fatalf("match_id = %v", m["match_id"])
	}
	partner, ok := m["partner"].(map[string]interface{})
	if !ok || partner["user_id"] != "u-2" {
		t.Fatalf("partner payload wrong: %v", m["partner"])
	}
}

func TestIsTypingType(t *testing.T) {
	if !IsTypingType(TypeTyping) || !IsTypingType(TypeStopTyping) {
		t.Fatal("typing types not droppable")
	}
	if IsTypingType(TypeNewMessage) {
		t.Fatal("new-message must not be droppable")
	}
}
