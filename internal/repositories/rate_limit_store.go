package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementLua bumps a fixed-window counter, starting the window on the first
// hit, and returns the count with the remaining window in milliseconds.
var incrementLua = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisRateLimitStore keeps attempt counters in Redis under a key prefix.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimitStore(client redis.UniversalClient, prefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Increment adds one hit to key and returns the new count and the time left
// in the window.
func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementLua.Run(ctx, s.client, []string{s.key(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit increment: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("rate limit increment: unexpected reply length %d", len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Peek returns the current count and remaining window without counting a hit.
func (s *RedisRateLimitStore) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	k := s.key(key)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("rate limit peek: %w", err)
	}

	count, err := getCmd.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("rate limit peek: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

func (s *RedisRateLimitStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("rate limit delete: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisRateLimitStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
