package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers which externally-generated event ids have
// already been processed. Provider webhooks are delivered at-least-once, so
// ingestion claims each event id before acting on it.
type IdempotencyStore interface {
	// TryClaim atomically claims an event id within a scope. It returns
	// false when the id was already claimed.
	TryClaim(ctx context.Context, scope, key string) (bool, error)

	// Release frees a claim so a later redelivery of the same event is
	// processed instead of swallowed.
	Release(ctx context.Context, scope, key string) error
}

// RedisIdempotencyStore is a SetNX-based claim store with a TTL, so replays
// arriving long after the fact fall through to the ordinal check instead of
// growing the keyspace forever.
type RedisIdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIdempotencyStore(rdb *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb, ttl: ttl}
}

func (s *RedisIdempotencyStore) TryClaim(ctx context.Context, scope, key string) (bool, error) {
	return s.rdb.SetNX(ctx, "idemp:"+scope+":"+key, "1", s.ttl).Result()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, scope, key string) error {
	return s.rdb.Del(ctx, "idemp:"+scope+":"+key).Err()
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

type nopStore struct{}

func (nopStore) TryClaim(ctx context.Context, scope, key string) (bool, error) { return true, nil }

func (nopStore) Release(ctx context.Context, scope, key string) error { return nil }

// Nop returns a claim store that approves everything, for deployments
// without Redis. Replays are then caught by the ordinal check alone.
func Nop() IdempotencyStore { return nopStore{} }
