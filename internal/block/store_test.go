package block

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewStore(rdb), ctx
}

func TestBlockIsMutualInEffect(t *testing.T) {
	s, ctx := setupTestStore(t)

	if err := s.Block(ctx, "alice", "bob"); err != nil {
		t.Fatalf("block: %v", err)
	}

	if !s.Blocked(ctx, "alice", "bob") {
		t.Fatal("alice->bob not blocked")
	}
	// The pair is blocked in both argument orders.
	if !s.Blocked(ctx, "bob", "alice") {
		t.Fatal("bob/alice pair not blocked")
	}
	if s.Blocked(ctx, "alice", "carol") {
		t.Fatal("unrelated pair blocked")
	}
}

func TestUnblockRestoresPair(t *testing.T) {
	s, ctx := setupTestStore(t)

	_ = s.Block(ctx, "alice", "bob")
	if err := s.Unblock(ctx, "alice", "bob"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if s.Blocked(ctx, "alice", "bob") {
		t.Fatal("pair still blocked after unblock")
	}

	// Unblocking an unknown pair is a no-op.
	if err := s.Unblock(ctx, "alice", "carol"); err != nil {
		t.Fatalf("unblock unknown: %v", err)
	}
}

func TestListReturnsBlockedIDs(t *testing.T) {
	s, ctx := setupTestStore(t)

	_ = s.Block(ctx, "alice", "bob")
	_ = s.Block(ctx, "alice", "carol")

	ids, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("list = %v, want 2 entries", ids)
	}
}
