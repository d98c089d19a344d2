package cache

import (
	"context"
	"errors"
	"time"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/redis/go-redis/v9"
)

// RedisCache holds the last known status per order for cheap reads.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func statusKey(orderID string) string { return "payment:status:" + orderID }

// setStatusScript writes ARGV[1] only when the key is absent or holds one of
// ARGV[3..]. ARGV[2] is the TTL in milliseconds, 0 for none.
var setStatusScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local allowed = false
  for i = 3, #ARGV do
    if ARGV[i] == cur then allowed = true break end
  end
  if not allowed then return 0 end
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// SetStatus never moves a cached status backwards, so concurrent
// transitions cannot leave an older status behind.
func (r *RedisCache) SetStatus(ctx context.Context, orderID string, status string) error {
	args := []any{status, r.ttl.Milliseconds()}
	for _, s := range domain.Predecessors(domain.Status(status)) {
		args = append(args, string(s))
	}
	return setStatusScript.Run(ctx, r.rdb, []string{statusKey(orderID)}, args...).Err()
}

func (r *RedisCache) GetStatus(ctx context.Context, orderID string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, statusKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

var _ usecase.StatusCache = (*RedisCache)(nil)
