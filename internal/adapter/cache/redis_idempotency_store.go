package cache

import (
	"context"
	"errors"
	"time"

	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore backs the in-flight locks and the notification dedup
// memory. Locks expire on their own so a crashed holder cannot wedge an order.
type RedisIdempotencyStore struct {
	rdb     *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

func NewRedisIdempotencyStore(rdb *redis.Client, ttl, lockTTL time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb, ttl: ttl, lockTTL: lockTTL}
}

func lockKey(scope, key string) string { return "idemp:" + scope + ":" + key }
func mapKey(scope, key string) string  { return "idemp:map:" + scope + ":" + key }

func (s *RedisIdempotencyStore) TryLock(ctx context.Context, scope, key string) (bool, error) {
	return s.rdb.SetNX(ctx, lockKey(scope, key), "1", s.lockTTL).Result()
}

func (s *RedisIdempotencyStore) Unlock(ctx context.Context, scope, key string) error {
	return s.rdb.Del(ctx, lockKey(scope, key)).Err()
}

func (s *RedisIdempotencyStore) Remember(ctx context.Context, scope, key, value string) error {
	return s.rdb.Set(ctx, mapKey(scope, key), value, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Recall(ctx context.Context, scope, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, mapKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

var _ usecase.IdempotencyStore = (*RedisIdempotencyStore)(nil)
