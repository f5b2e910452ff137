package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seed(t *testing.T) (*Repository, string, string, string) {
	t.Helper()
	repo := NewMemory(nil)
	ctx := context.Background()

	a, err := repo.Users.Create(ctx, NewUser{Username: "a", PasswordHash: "x", ChatPreference: "friendship"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := repo.Users.Create(ctx, NewUser{Username: "b", PasswordHash: "x", ChatPreference: "friendship"})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	s, err := repo.Sessions.Create(ctx, a.ID, b.ID, "friendship")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return repo, a.ID, b.ID, s.ID
}

func TestCreateSessionIdempotentPerPair(t *testing.T) {
	repo, a, b, sid := seed(t)
	ctx := context.Background()

	// Second create, either order, returns the existing active session.
	again, err := repo.Sessions.Create(ctx, b, a, "friendship")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if again.ID != sid {
		t.Fatalf("second create returned %s, want %s", again.ID, sid)
	}

	// After ending, a new session may exist.
	if err := repo.Sessions.SetActive(ctx, sid, false); err != nil {
		t.Fatalf("set inactive: %v", err)
	}
	fresh, err := repo.Sessions.Create(ctx, a, b, "friendship")
	if err != nil {
		t.Fatalf("create after end: %v", err)
	}
	if fresh.ID == sid {
		t.Fatalf("ended session reused")
	}
}

func TestInsertUpdatesSessionPointer(t *testing.T) {
	repo, a, _, sid := seed(t)
	ctx := context.Background()

	m, err := repo.Messages.Insert(ctx, sid, a, "hello")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(m.ReadBy) != 1 || m.ReadBy[0] != a {
		t.Fatalf("read set = %v, want sender only", m.ReadBy)
	}

	s, err := repo.Sessions.Get(ctx, sid)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.LastMessageID != m.ID || s.UnreadCount != 1 {
		t.Fatalf("session pointer not updated: last=%s unread=%d", s.LastMessageID, s.UnreadCount)
	}
}

func TestPaginateIncludesEveryMessageInOrder(t *testing.T) {
	repo, a, _, sid := seed(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		m, err := repo.Messages.Insert(ctx, sid, a, fmt.Sprintf("msg-%d", i))
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	// Pages are newest-first with 3 per page; every message appears exactly
	// once across pages, in server-assigned order.
	var collected []string
	for page := 1; page <= 3; page++ {
		msgs, err := repo.Messages.Paginate(ctx, sid, page, 3)
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		for _, m := range msgs {
			collected = append(collected, m.ID)
		}
	}
	if len(collected) != len(ids) {
		t.Fatalf("collected %d messages, want %d", len(collected), len(ids))
	}
	for i := range ids {
		if collected[i] != ids[len(ids)-1-i] {
			t.Fatalf("page order mismatch at %d", i)
		}
	}
}

func TestMarkReadSkipsOwnMessages(t *testing.T) {
	repo, a, b, sid := seed(t)
	ctx := context.Background()

	ma, _ := repo.Messages.Insert(ctx, sid, a, "from a")
	mb, _ := repo.Messages.Insert(ctx, sid, b, "from b")

	lastID, err := repo.Messages.MarkRead(ctx, sid, b)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if lastID != mb.ID {
		t.Fatalf("last id = %s, want %s", lastID, mb.ID)
	}

	got, _ := repo.Messages.Get(ctx, ma.ID)
	if len(got.ReadBy) != 2 {
		t.Fatalf("a's message read set = %v", got.ReadBy)
	}
	got, _ = repo.Messages.Get(ctx, mb.ID)
	if len(got.ReadBy) != 1 {
		t.Fatalf("b's own message gained readers: %v", got.ReadBy)
	}

	// Idempotent.
	if _, err := repo.Messages.MarkRead(ctx, sid, b); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	got, _ = repo.Messages.Get(ctx, ma.ID)
	if len(got.ReadBy) != 2 {
		t.Fatalf("read set grew on repeat: %v", got.ReadBy)
	}
}

func TestEditAndDeleteAreSenderOnly(t *testing.T) {
	repo, a, b, sid := seed(t)
	ctx := context.Background()

	m, _ := repo.Messages.Insert(ctx, sid, a, "original")

	if _, err := repo.Messages.Edit(ctx, m.ID, b, "hijack"); err != ErrForbidden {
		t.Fatalf("edit by non-sender: expected ErrForbidden, got %v", err)
	}
	edited, err := repo.Messages.Edit(ctx, m.ID, a, "fixed")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.Edited || edited.EditedAt == nil || edited.Content != "fixed" {
		t.Fatalf("edit flags wrong: %+v", edited)
	}

	if err := repo.Messages.Delete(ctx, m.ID, b); err != ErrForbidden {
		t.Fatalf("delete by non-sender: expected ErrForbidden, got %v", err)
	}
	if err := repo.Messages.Delete(ctx, m.ID, a); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Messages.Get(ctx, m.ID); err != ErrNotFound {
		t.Fatalf("deleted message still present: %v", err)
	}
}

func TestSearchFindsSubstring(t *testing.T) {
	repo, a, _, sid := seed(t)
	ctx := context.Background()

	_, _ = repo.Messages.Insert(ctx, sid, a, "let's talk about jazz tonight")
	_, _ = repo.Messages.Insert(ctx, sid, a, "or maybe rock")

	msgs, err := repo.Messages.Search(ctx, sid, "JAZZ", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("search hits = %d, want 1", len(msgs))
	}
}

func TestListForUserFilters(t *testing.T) {
	repo, a, b, sid := seed(t)
	ctx := context.Background()
	_ = b

	if err := repo.Sessions.SetArchived(ctx, sid, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	archived, err := repo.Sessions.ListForUser(ctx, a, FilterArchived)
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(archived) != 1 {
		t.Fatalf("archived = %d, want 1", len(archived))
	}
	active, err := repo.Sessions.ListForUser(ctx, a, FilterActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active = %d, want 0", len(active))
	}
}

func TestPresenceUpdate(t *testing.T) {
	repo, a, _, _ := seed(t)
	ctx := context.Background()

	at := time.Unix(42, 0)
	if err := repo.Users.UpdatePresence(ctx, a, true, "searching", at); err != nil {
		t.Fatalf("update presence: %v", err)
	}
	u, _ := repo.Users.GetByID(ctx, a)
	if !u.Online || u.Status != "searching" || !u.LastActive.Equal(at) {
		t.Fatalf("presence not applied: %+v", u)
	}
}
