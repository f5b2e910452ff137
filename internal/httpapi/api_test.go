package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orincore/circleback/internal/clock"
	"github.com/orincore/circleback/internal/coord"
	"github.com/orincore/circleback/internal/store"
)

func newTestAPI(t *testing.T) (*gin.Engine, *store.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := store.NewMemory(nil)
	c := coord.New(coord.DefaultConfig(), clock.System(), repo, nopNotifier{}, nil, nil)

	h := NewHandler(Config{
		JWTSecret:   []byte("test-secret"),
		TokenTTL:    time.Hour,
		PageSizeMax: 100,
	}, repo, c, nil, nil)

	engine := gin.New()
	h.Register(engine)
	return engine, repo
}

type nopNotifier struct{}

func (nopNotifier) Send(string, string, interface{}) error    { return nil }
func (nopNotifier) SendAll(string, string, interface{}) error { return nil }

func doJSON(t *testing.T, engine *gin.Engine, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func registerUser(t *testing.T, engine *gin.Engine, username string) (token, id string) {
	t.Helper()
	rec, body := doJSON(t, engine, http.MethodPost, "/auth/register", "", map[string]interface{}{
		"username":        username,
		"password":        "hunter2hunter2",
		"interests":       []string{"music", "art"},
		"chat_preference": "friendship",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %v", username, rec.Code, body)
	}
	user := body["user"].(map[string]interface{})
	return body["token"].(string), user["id"].(string)
}

func TestRegisterLoginMe(t *testing.T) {
	engine, _ := newTestAPI(t)
	_, _ = registerUser(t, engine, "alice")

	rec, body := doJSON(t, engine, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "hunter2hunter2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d body %v", rec.Code, body)
	}
	token := body["token"].(string)

	rec, body = doJSON(t, engine, http.MethodGet, "/auth/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d", rec.Code)
	}
	user := body["user"].(map[string]interface{})
	if user["username"] != "alice" {
		t.Fatalf("me returned %v", user["username"])
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	engine, _ := newTestAPI(t)
	_, _ = registerUser(t, engine, "alice")

	rec, _ := doJSON(t, engine, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d, want 401", rec.Code)
	}
}

func TestAuthRequiredOnProtectedRoutes(t *testing.T) {
	engine, _ := newTestAPI(t)
	rec, _ := doJSON(t, engine, http.MethodGet, "/chat", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: status %d, want 401", rec.Code)
	}
	rec, _ = doJSON(t, engine, http.MethodGet, "/chat", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", rec.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	engine, _ := newTestAPI(t)
	tokenA, _ := registerUser(t, engine, "alice")
	tokenB, idB := registerUser(t, engine, "bob")

	rec, body := doJSON(t, engine, http.MethodPost, "/chat/create-session", tokenA, map[string]string{
		"user_id": idB,
		"type":    "friendship",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d body %v", rec.Code, body)
	}
	sessionID := body["session"].(map[string]interface{})["id"].(string)

	// Posting a message through the session works for a participant.
	rec, body = doJSON(t, engine, http.MethodPost, "/chat/"+sessionID+"/messages", tokenB, map[string]string{
		"content": "hello from bob",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post message: status %d body %v", rec.Code, body)
	}

	rec, body = doJSON(t, engine, http.MethodGet, "/chat/"+sessionID+"/messages?page=1&limit=10", tokenA, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list messages: status %d", rec.Code)
	}
	if msgs := body["messages"].([]interface{}); len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}

	// Outsiders cannot read the session.
	tokenC, _ := registerUser(t, engine, "carol")
	rec, _ = doJSON(t, engine, http.MethodGet, "/chat/"+sessionID, tokenC, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider read: status %d, want 403", rec.Code)
	}

	// Ending twice conflicts.
	rec, _ = doJSON(t, engine, http.MethodPut, "/chat/"+sessionID+"/end", tokenA, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("end: status %d", rec.Code)
	}
	rec, _ = doJSON(t, engine, http.MethodPut, "/chat/"+sessionID+"/end", tokenB, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double end: status %d, want 409", rec.Code)
	}
}

func TestMessageEditDeleteReactions(t *testing.T) {
	engine, _ := newTestAPI(t)
	tokenA, _ := registerUser(t, engine, "alice")
	tokenB, idB := registerUser(t, engine, "bob")

	_, body := doJSON(t, engine, http.MethodPost, "/chat/create-session", tokenA, map[string]string{
		"user_id": idB,
	})
	sessionID := body["session"].(map[string]interface{})["id"].(string)

	_, body = doJSON(t, engine, http.MethodPost, "/chat/"+sessionID+"/messages", tokenA, map[string]string{
		"content": "tpyo",
	})
	msgID := body["message"].(map[string]interface{})["id"].(string)

	// Only the sender can edit.
	rec, _ := doJSON(t, engine, http.MethodPut, "/messages/"+msgID, tokenB, map[string]string{
		"content": "hijack",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("edit by non-sender: status %d, want 403", rec.Code)
	}
	rec, body = doJSON(t, engine, http.MethodPut, "/messages/"+msgID, tokenA, map[string]string{
		"content": "typo",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: status %d", rec.Code)
	}
	if edited := body["message"].(map[string]interface{})["edited"].(bool); !edited {
		t.Fatalf("edited flag not set")
	}

	// Participants can react.
	rec, _ = doJSON(t, engine, http.MethodPost, "/messages/"+msgID+"/reactions", tokenB, map[string]string{
		"emoji": "🔥",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reaction: status %d", rec.Code)
	}

	rec, _ = doJSON(t, engine, http.MethodDelete, "/messages/"+msgID, tokenA, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rec.Code)
	}
}

func TestPageSizeClamped(t *testing.T) {
	engine, _ := newTestAPI(t)
	tokenA, _ := registerUser(t, engine, "alice")
	_, idB := registerUser(t, engine, "bob")

	_, body := doJSON(t, engine, http.MethodPost, "/chat/create-session", tokenA, map[string]string{
		"user_id": idB,
	})
	sessionID := body["session"].(map[string]interface{})["id"].(string)

	rec, body := doJSON(t, engine, http.MethodGet, "/chat/"+sessionID+"/messages?limit=5000", tokenA, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	if limit := int(body["limit"].(float64)); limit != 100 {
		t.Fatalf("limit = %d, want clamp to 100", limit)
	}
}
