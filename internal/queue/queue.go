// Package queue implements the durable at-least-once delivery protocol
// shared by the alerter and forwarder worker pools: atomic claim, ack, and
// requeue against Redis lists, plus the heartbeat/janitor machinery that
// recovers messages orphaned by a crashed worker.
package queue

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/events"
	pkgerrors "github.com/muttpipeline/mutt/internal/pkg/errors"
)

// Queue moves Envelopes between a source list and a per-worker processing
// list using BRPOPLPUSH/LREM so a claim is never lost between the pop
// and the corresponding ack: the message always has a resident copy in
// either the source list or a processing list until it is acked.
type Queue struct {
	rdb  *goredis.Client
	role string
}

// New returns a Queue scoped to role (e.g. "alerter", "forwarder"), which
// namespaces the processing list each worker claims into.
func New(rdb *goredis.Client, role string) *Queue {
	return &Queue{rdb: rdb, role: role}
}

// ProcessingList returns the per-worker list a claimed-but-unacked message
// sits in, named so the janitor can discover it via SCAN.
func (q *Queue) ProcessingList(workerID string) string {
	return fmt.Sprintf("processing:%s:%s", q.role, workerID)
}

// Push prepends env to the head of list (LPUSH); Claim's BRPOPLPUSH pops
// from the tail, so messages are claimed in the order they were pushed.
func (q *Queue) Push(ctx context.Context, list string, env *events.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	return q.rdb.LPush(ctx, list, payload).Err()
}

// Claim atomically moves one message from source to this worker's
// processing list and returns it, blocking up to timeout for one to appear.
// A nil envelope with a nil error means the timeout elapsed with no work.
func (q *Queue) Claim(ctx context.Context, workerID, source string, timeout time.Duration) (*events.Envelope, error) {
	processing := q.ProcessingList(workerID)
	raw, err := q.rdb.BRPopLPush(ctx, source, processing, timeout).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	env, err := events.Unmarshal(raw)
	if err != nil {
		// The payload is in the processing list; ack it as poison so it
		// doesn't block the janitor from ever clearing this slot.
		_ = q.Ack(ctx, workerID, raw)
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return env, nil
}

// Ack removes one copy of payload from the worker's processing list,
// completing the claim. It must be called with the exact raw payload
// returned by Claim (env.Raw), since LREM matches by value.
func (q *Queue) Ack(ctx context.Context, workerID string, payload string) error {
	processing := q.ProcessingList(workerID)
	removed, err := q.rdb.LRem(ctx, processing, 1, payload).Result()
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("queue: ack: payload not found in %s: %w", processing, pkgerrors.ErrNotFound)
	}
	return nil
}

// Requeue moves a message out of the worker's processing list and back onto
// dest, used for explicit "retry this later" decisions such as the
// forwarder's circuit-open path (the janitor recovers orphaned messages with
// its own LMOVE loop, not through Requeue). toHead controls which end
// of dest the message lands on; the default is the tail, preserving FIFO
// order for queues that aren't rate-sensitive.
func (q *Queue) Requeue(ctx context.Context, workerID, payload, dest string, toHead bool) error {
	processing := q.ProcessingList(workerID)
	// LMOVE requires the element to be at the configured end; since we don't
	// know its position within the processing list, use LREM followed by
	// LPUSH (toHead) or RPUSH instead,
	// which is still atomic from Redis's perspective inside a single command
	// each, and the janitor never races a second consumer on this list.
	removed, err := q.rdb.LRem(ctx, processing, 1, payload).Result()
	if err != nil {
		return fmt.Errorf("queue: requeue: remove: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("queue: requeue: payload not found in %s: %w", processing, pkgerrors.ErrNotFound)
	}
	if toHead {
		return q.rdb.LPush(ctx, dest, payload).Err()
	}
	return q.rdb.RPush(ctx, dest, payload).Err()
}

// Len reports the number of messages waiting on list, used by the ingestor's
// admission-control check and the alerter's backpressure policy.
func (q *Queue) Len(ctx context.Context, list string) (int64, error) {
	n, err := q.rdb.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}
