// Package block provides pairwise user block management backed by Redis.
// Each user's block set is stored as a Redis set:
//
//	Key:     block:<user_id>
//	Members: blocked user ids
//
// A block in either direction removes the pair from matching candidacy and
// rejects explicit session creation between them.
package block

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// BlockPrefix is the Redis key prefix for block sets.
const BlockPrefix = "block:"

// Store manages block sets in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new block store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Block records that blocker has blocked target.
func (s *Store) Block(ctx context.Context, blocker, target string) error {
	if err := s.client.SAdd(ctx, BlockPrefix+blocker, target).Err(); err != nil {
		return fmt.Errorf("block: add %s -> %s: %w", blocker, target, err)
	}
	return nil
}

// Unblock removes target from blocker's block set. Unblocking someone who
// was never blocked is a no-op.
func (s *Store) Unblock(ctx context.Context, blocker, target string) error {
	if err := s.client.SRem(ctx, BlockPrefix+blocker, target).Err(); err != nil {
		return fmt.Errorf("block: remove %s -> %s: %w", blocker, target, err)
	}
	return nil
}

// Blocked reports whether either user has blocked the other. Redis errors
// fail open so an outage never stops all matching.
func (s *Store) Blocked(ctx context.Context, a, b string) bool {
	pipe := s.client.Pipeline()
	ab := pipe.SIsMember(ctx, BlockPrefix+a, b)
	ba := pipe.SIsMember(ctx, BlockPrefix+b, a)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[block] check %s/%s: %v (failing open)", a, b, err)
		return false
	}
	return ab.Val() || ba.Val()
}

// List returns the ids blocked by the user.
func (s *Store) List(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, BlockPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("block: list for %s: %w", userID, err)
	}
	return ids, nil
}
