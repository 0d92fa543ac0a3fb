// Package breaker implements a Redis-shared circuit breaker. sony/gobreaker
// was considered and rejected: its state lives per-process, but every
// forwarder worker across every process needs to observe the same
// CLOSED/OPEN/HALF_OPEN state for a given downstream target, so the state
// machine has to be evaluated atomically inside Redis itself.
package breaker

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// State mirrors the three-state breaker machine from the spec: CLOSED lets
// traffic through and counts failures, OPEN rejects everything until
// open_seconds elapses, HALF_OPEN lets exactly one probe through to decide
// whether to return to CLOSED or back to OPEN.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// recordScript evaluates one outcome against the breaker state atomically:
//   - CLOSED: increment failure count; trip to OPEN if it reaches the
//     threshold.
//   - OPEN: reject until open_seconds elapses, then allow exactly one
//     HALF_OPEN probe.
//   - HALF_OPEN: a success closes the breaker and resets counters; a
//     failure reopens it and resets the OPEN timer.
//
// KEYS[1] = state key, KEYS[2] = failure-count key, KEYS[3] = opened-at key
// (set with a TTL of open_seconds; its expiry is what ends the OPEN period)
// ARGV[1] = "check"|"success"|"failure", ARGV[2] = failure_threshold,
// ARGV[3] = open_seconds, ARGV[4] = now (unix seconds)
const recordScript = `
local state_key = KEYS[1]
local fail_key = KEYS[2]
local opened_key = KEYS[3]
local op = ARGV[1]
local threshold = tonumber(ARGV[2])
local open_seconds = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("GET", state_key)
if not state then state = "closed" end

if op == "check" then
  if state == "open" then
    if redis.call("EXISTS", opened_key) == 0 then
      redis.call("SET", state_key, "half_open")
      return {"half_open", 1}
    end
    return {"open", 0}
  end
  if state == "half_open" then
    return {"half_open", 0}
  end
  return {"closed", 1}
end

if op == "success" then
  if state == "half_open" then
    redis.call("SET", state_key, "closed")
    redis.call("SET", fail_key, "0")
  end
  if state == "closed" then
    redis.call("SET", fail_key, "0")
  end
  return {redis.call("GET", state_key), 1}
end

if op == "failure" then
  if state == "half_open" then
    redis.call("SET", state_key, "open")
    redis.call("SET", opened_key, now, "EX", open_seconds)
    return {"open", 0}
  end
  local count = redis.call("INCR", fail_key)
  if count >= threshold then
    redis.call("SET", state_key, "open")
    redis.call("SET", opened_key, now, "EX", open_seconds)
    return {"open", 0}
  end
  return {"closed", 1}
end

return redis.error_reply("breaker: unknown op " .. op)
`

// Breaker guards calls to a single downstream target, keyed by name.
type Breaker struct {
	rdb             *goredis.Client
	script          *goredis.Script
	failureThreshold int
	openFor          time.Duration
}

// New builds a Breaker that trips after failureThreshold consecutive
// failures and stays OPEN for openFor before allowing a HALF_OPEN probe.
func New(rdb *goredis.Client, failureThreshold int, openFor time.Duration) *Breaker {
	return &Breaker{
		rdb:              rdb,
		script:           goredis.NewScript(recordScript),
		failureThreshold: failureThreshold,
		openFor:          openFor,
	}
}

// keys follows the spec's circuit:<name>:* naming convention directly:
// circuit:<name>:failures counts consecutive failures (a success resets it
// to zero; the key itself has no expiry), and circuit:<name>:open holds the
// opened-at time with a TTL of open_seconds; state is tracked under the same
// prefix so one SCAN circuit:<name>:* finds every key belonging to this
// breaker.
func (b *Breaker) keys(name string) (state, failures, opened string) {
	return fmt.Sprintf("circuit:%s:state", name), fmt.Sprintf("circuit:%s:failures", name), fmt.Sprintf("circuit:%s:open", name)
}

func (b *Breaker) eval(ctx context.Context, name, op string) (State, bool, error) {
	stateKey, failKey, openedKey := b.keys(name)
	raw, err := b.script.Run(ctx, b.rdb, []string{stateKey, failKey, openedKey},
		op, b.failureThreshold, int(b.openFor.Seconds()), time.Now().UTC().Unix()).Result()
	if err != nil {
		return "", false, fmt.Errorf("breaker: eval %s: %w", op, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return "", false, fmt.Errorf("breaker: unexpected script result %T", raw)
	}
	stateStr, _ := vals[0].(string)
	allowed, _ := vals[1].(int64)
	return State(stateStr), allowed == 1, nil
}

// Allow reports whether a call to name should proceed right now, advancing
// OPEN to HALF_OPEN once the cooldown has elapsed.
func (b *Breaker) Allow(ctx context.Context, name string) (State, bool, error) {
	return b.eval(ctx, name, "check")
}

// Success records a successful call, closing the breaker if it was probing.
func (b *Breaker) Success(ctx context.Context, name string) error {
	_, _, err := b.eval(ctx, name, "success")
	return err
}

// Failure records a failed call, tripping the breaker to OPEN if the
// consecutive-failure threshold is reached (or immediately, if the failure
// occurred during a HALF_OPEN probe).
func (b *Breaker) Failure(ctx context.Context, name string) error {
	_, _, err := b.eval(ctx, name, "failure")
	return err
}
