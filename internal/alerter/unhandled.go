package alerter

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const unhandledTTL = 24 * time.Hour

// unhandledScript increments the (hostname, severity) counter and renames it
// to a triggered sentinel the instant it crosses threshold, so the event
// that tips the counter over is the one and only trigger for this TTL
// window: once the sentinel exists, every further increment in the window
// is suppressed outright rather than restarting a fresh count.
const unhandledScript = `
local key = KEYS[1]
local triggered_key = KEYS[2]
local ttl = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])

if redis.call("EXISTS", triggered_key) == 1 then
  return {0, -1}
end

local count = redis.call("INCR", key)
redis.call("EXPIRE", key, ttl)

if count >= threshold then
  redis.call("RENAME", key, triggered_key)
  return {1, count}
end
return {0, count}
`

// UnhandledTracker maintains the per-(hostname,severity) counters behind the
// meta-alert that fires when too many events go unmatched.
type UnhandledTracker struct {
	rdb    *goredis.Client
	script *goredis.Script
}

func newUnhandledTracker(rdb *goredis.Client) *UnhandledTracker {
	return &UnhandledTracker{rdb: rdb, script: goredis.NewScript(unhandledScript)}
}

// Bump increments the counter for (hostname, severity) and reports whether
// this call is the one that crossed threshold.
func (u *UnhandledTracker) Bump(ctx context.Context, hostname, severity string, threshold int) (triggered bool, err error) {
	key := fmt.Sprintf("unhandled:%s:%s", hostname, severity)
	triggeredKey := fmt.Sprintf("unhandled:triggered:%s:%s", hostname, severity)
	raw, err := u.script.Run(ctx, u.rdb, []string{key, triggeredKey}, int(unhandledTTL.Seconds()), threshold).Result()
	if err != nil {
		return false, fmt.Errorf("alerter: unhandled bump: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return false, fmt.Errorf("alerter: unhandled bump: unexpected result %T", raw)
	}
	t, _ := vals[0].(int64)
	return t == 1, nil
}
