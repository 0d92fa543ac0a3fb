// Package ratelimit implements a Redis-shared sliding-window rate limiter.
// It deliberately does not use golang.org/x/time/rate: that limiter's state
// lives in one process's memory, but every forwarder worker across every
// process must agree on the same budget for a given downstream target, so
// the window has to live in Redis and the trim-count-admit has to be one
// atomic operation.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps a sorted set of timestamps per key: trim every
// entry older than the window, count what's left, and admit the call only
// if that count is still under limit. Trim, count, and add happen inside a
// single EVAL so concurrent forwarder workers can't race the check.
const slidingWindowScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)
local count = redis.call("ZCARD", key)

if count >= limit then
  redis.call("PEXPIRE", key, window_ms)
  return {0, count}
end

redis.call("ZADD", key, now_ms, member)
redis.call("PEXPIRE", key, window_ms)
return {1, count + 1}
`

// Limiter enforces a request budget per key over a sliding time window.
type Limiter struct {
	rdb    *goredis.Client
	script *goredis.Script
}

// New builds a Limiter backed by rdb.
func New(rdb *goredis.Client) *Limiter {
	return &Limiter{rdb: rdb, script: goredis.NewScript(slidingWindowScript)}
}

// Result reports the outcome of an Allow check.
type Result struct {
	Allowed bool
	Count   int64
}

// Allow reports whether a call against key is admitted under limit within
// window. On denial the caller must not ack or requeue the message it is
// holding: the message stays claimed and the caller retries later, since
// the budget is a property of the shared downstream target, not of any one
// message. key is expected to be scoped by the caller (e.g.
// "ratelimit:moog") so different targets don't share a budget.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := time.Now().UTC()
	raw, err := l.script.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.New().String(),
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: eval: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result %T", raw)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return Result{Allowed: allowed == 1, Count: count}, nil
}
