package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1]=bucket key; ARGV[1]=capacity; ARGV[2]=window ms
// Returns {allowed, count, ttl ms}.
var luaFixedWindow = redis.NewScript(`
  local k = KEYS[1]
  local cap = tonumber(ARGV[1])
  local windowms = tonumber(ARGV[2])

  local count = redis.call('GET', k)
  if not count then
    redis.call('SET', k, 1, 'PX', windowms)
    return {1, 1, windowms}
  end
  count = tonumber(count)

  local ttl = redis.call('PTTL', k)
  if ttl < 0 then
    redis.call('PEXPIRE', k, windowms)
    ttl = windowms
  end

  if count < cap then
    count = redis.call('INCR', k)
    return {1, count, ttl}
  end
  return {0, count, ttl}
`)

// RedisStore shares buckets across instances. Keys expire with their window.
type RedisStore struct {
	rdb    redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store. prefix namespaces the bucket keys.
func NewRedisStore(rdb redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Hit(ctx context.Context, key string, capacity int, window time.Duration) (Result, error) {
	res, err := luaFixedWindow.Run(ctx, s.rdb, []string{s.prefix + key}, capacity, window.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis hit: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	count, _ := arr[1].(int64)
	ttl, _ := arr[2].(int64)

	remaining := capacity - int(count)
	if remaining < 0 || allowed == 0 {
		remaining = 0
	}
	return Result{
		OK:        allowed == 1,
		Remaining: remaining,
		ResetAt:   s.now().Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}

var _ Store = (*RedisStore)(nil)
