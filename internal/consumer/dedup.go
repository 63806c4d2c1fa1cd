package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore remembers acknowledged message ids so redeliveries can be skipped.
type DedupStore interface {
	// Seen reports whether id was marked before.
	Seen(ctx context.Context, id string) (bool, error)

	// Mark records id as processed.
	Mark(ctx context.Context, id string) error
}

// RedisDedupStore keeps processed ids in Redis with a TTL.
type RedisDedupStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedupStore creates a store whose keys live under
// "streamrelay:dedup:<subscription>:".
func NewRedisDedupStore(client *redis.Client, subscription string, ttl time.Duration) *RedisDedupStore {
	return &RedisDedupStore{
		redis:  client,
		prefix: fmt.Sprintf("streamrelay:dedup:%s:", subscription),
		ttl:    ttl,
	}
}

func (s *RedisDedupStore) key(id string) string {
	return s.prefix + id
}

// Seen reports whether id was marked and has not expired.
func (s *RedisDedupStore) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return n > 0, nil
}

// Mark records id. Marking an id twice keeps the first expiry.
func (s *RedisDedupStore) Mark(ctx context.Context, id string) error {
	if err := s.redis.SetNX(ctx, s.key(id), time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set dedup key: %w", err)
	}
	return nil
}
