package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndConsume runs the whole read-reset-increment cycle server-side.
// Redis executes scripts one at a time, so concurrent callers for the same
// key are serialized and the count can never be double-consumed.
var checkAndConsume = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "count", "window_start")
local count = tonumber(state[1])
local start = tonumber(state[2])
if not count or not start or now >= start + window then
  count = 0
  start = now
end
if count >= max then
  return {0, 0, start + window - now, start + window}
end
count = count + 1
redis.call("HSET", KEYS[1], "count", count, "window_start", start)
redis.call("PEXPIRE", KEYS[1], window * 2)
return {1, max - count, 0, start + window}
`)

type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	policy Policy
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, policy Policy) *RedisLimiter {
	if prefix == "" {
		prefix = "beacon:rl"
	}
	return &RedisLimiter{client: client, prefix: prefix, policy: policy.normalize()}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	raw, err := checkAndConsume.Run(ctx, l.client,
		[]string{l.prefix + ":" + key},
		now.UnixMilli(),
		l.policy.Window.Milliseconds(),
		l.policy.MaxRequests,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %T", raw)
	}
	allowed, err := scriptInt(vals[0])
	if err != nil {
		return Decision{}, err
	}
	remaining, err := scriptInt(vals[1])
	if err != nil {
		return Decision{}, err
	}
	retryMs, err := scriptInt(vals[2])
	if err != nil {
		return Decision{}, err
	}
	resetMs, err := scriptInt(vals[3])
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(resetMs),
	}
	if !d.Allowed {
		d.RetryAfter = retryAfterCeil(time.Duration(retryMs) * time.Millisecond)
	}
	return d, nil
}

func scriptInt(v interface{}) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("rate limit script: non-integer reply element %T", v)
	}
	return n, nil
}
