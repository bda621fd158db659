package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// windowScript counts a request in the key's fixed window. The expiry is set
// only by the request that opens the window.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisLimiter is a fixed-window counter in Redis shared by every instance
type RedisLimiter struct {
	redis  *redis.Client
	config Config
	prefix string
}

// NewRedisLimiter creates a Redis-backed rate limiter
func NewRedisLimiter(client *redis.Client, config Config, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "tiermeter"
	}
	return &RedisLimiter{
		redis:  client,
		config: config.normalized(),
		prefix: prefix + ":ratelimit",
	}
}

func (l *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Allow counts the request against the current window
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	limit := l.config.Limit()
	res, err := windowScript.Run(ctx, l.redis, []string{l.key(key)}, l.config.Window.Milliseconds()).Slice()
	if err != nil {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, fmt.Errorf("redis error: %w", err)
	}
	if len(res) != 2 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	count, _ := res[0].(int64)
	ttl, _ := res[1].(int64)

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}

// Reset clears the window of a key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, l.key(key)).Err()
}
