package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/events"
)

func newTestQueue(t *testing.T, role string) (*Queue, *goredis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	return New(rdb, role), rdb
}

func testEnvelope(hostname string) *events.Envelope {
	ev := &events.Event{Hostname: hostname, Message: "m", Timestamp: time.Now()}
	ev.Stamp("")
	return events.WrapEvent(ev)
}

func TestClaimMovesMessageToProcessingList(t *testing.T) {
	t.Parallel()
	q, rdb := newTestQueue(t, "alerter")
	ctx := context.Background()

	if err := q.Push(ctx, "ingest_queue", testEnvelope("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	env, err := q.Claim(ctx, "w1", "ingest_queue", time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if env == nil || env.Event.Hostname != "a" {
		t.Fatalf("unexpected claimed envelope: %+v", env)
	}

	depth, err := rdb.LLen(ctx, q.ProcessingList("w1")).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if depth != 1 {
		t.Fatalf("processing list depth = %d, want 1", depth)
	}
	if n, _ := rdb.LLen(ctx, "ingest_queue").Result(); n != 0 {
		t.Fatalf("source queue should be empty after claim, got %d", n)
	}
}

func TestClaimTimesOutWithNoWork(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, "alerter")
	env, err := q.Claim(context.Background(), "w1", "ingest_queue", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if env != nil {
		t.Fatalf("expected nil envelope on timeout, got %+v", env)
	}
}

func TestAckRemovesFromProcessingList(t *testing.T) {
	t.Parallel()
	q, rdb := newTestQueue(t, "alerter")
	ctx := context.Background()

	if err := q.Push(ctx, "ingest_queue", testEnvelope("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	env, err := q.Claim(ctx, "w1", "ingest_queue", time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := q.Ack(ctx, "w1", string(env.Raw)); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, _ := rdb.LLen(ctx, q.ProcessingList("w1")).Result(); n != 0 {
		t.Fatalf("processing list should be empty after ack, got %d", n)
	}
}

func TestAckOnMissingPayloadFails(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, "alerter")
	if err := q.Ack(context.Background(), "w1", "nonexistent"); err == nil {
		t.Fatal("expected an error acking a payload never claimed")
	}
}

func TestRequeueMovesBackToSourceTail(t *testing.T) {
	t.Parallel()
	q, rdb := newTestQueue(t, "forwarder")
	ctx := context.Background()

	if err := q.Push(ctx, "alert_queue", testEnvelope("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(ctx, "alert_queue", testEnvelope("b")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Claim "a" first (LPush+BRPopLPush pops from the tail, so "a" claims
	// first since it was pushed first and sits at the list's tail).
	env, err := q.Claim(ctx, "w1", "alert_queue", time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := q.Requeue(ctx, "w1", string(env.Raw), "alert_queue", false); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	depth, err := rdb.LLen(ctx, "alert_queue").Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if depth != 2 {
		t.Fatalf("alert_queue depth after requeue = %d, want 2", depth)
	}
	if n, _ := rdb.LLen(ctx, q.ProcessingList("w1")).Result(); n != 0 {
		t.Fatalf("processing list should be empty after requeue, got %d", n)
	}
}

func TestLenReportsQueueDepth(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, "alerter")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Push(ctx, "ingest_queue", testEnvelope("a")); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	n, err := q.Len(ctx, "ingest_queue")
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
}

func TestClaimAcksUnparseablePayloadAsPoison(t *testing.T) {
	t.Parallel()
	q, rdb := newTestQueue(t, "alerter")
	ctx := context.Background()

	if err := rdb.LPush(ctx, "ingest_queue", "not json").Err(); err != nil {
		t.Fatalf("seed bad payload: %v", err)
	}

	env, err := q.Claim(ctx, "w1", "ingest_queue", time.Second)
	if err == nil {
		t.Fatal("expected an error claiming an unparseable payload")
	}
	if env != nil {
		t.Fatalf("expected nil envelope, got %+v", env)
	}
	if n, _ := rdb.LLen(ctx, q.ProcessingList("w1")).Result(); n != 0 {
		t.Fatalf("poison payload should be acked out of the processing list, got depth %d", n)
	}
}
