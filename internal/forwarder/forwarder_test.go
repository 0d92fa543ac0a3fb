package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/breaker"
	"github.com/muttpipeline/mutt/internal/config"
	"github.com/muttpipeline/mutt/internal/events"
	"github.com/muttpipeline/mutt/internal/metrics"
	"github.com/muttpipeline/mutt/internal/platform/logger"
	"github.com/muttpipeline/mutt/internal/retrypolicy"
)

func newTestForwarder(t *testing.T, webhookURL string, cb *breaker.Breaker) (*Forwarder, *goredis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})

	dyn, err := config.NewDynamic(context.Background(), rdb, testLogger(t))
	if err != nil {
		t.Fatalf("NewDynamic: %v", err)
	}
	if cb == nil {
		cb = breaker.New(rdb, 5, 30*time.Second)
	}

	f := New(Config{
		Workers:      1,
		WebhookURL:   webhookURL,
		HTTPTimeout:  2 * time.Second,
		ClaimTimeout: time.Second,
	}, rdb, dyn, cb, metrics.New(), testLogger(t))
	return f, rdb
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func testAlert() *events.Alert {
	return &events.Alert{
		CorrelationID: "corr-1",
		Hostname:      "router-1",
		Severity:      "3",
		Message:       "link down",
		Team:          "network",
	}
}

func pushAlert(t *testing.T, f *Forwarder, rdb *goredis.Client, workerID string, alert *events.Alert) string {
	t.Helper()
	env := events.WrapAlert(alert)
	if err := f.q.Push(context.Background(), alertQueueName, env); err != nil {
		t.Fatalf("push alert: %v", err)
	}
	claimed, err := f.q.Claim(context.Background(), workerID, alertQueueName, time.Second)
	if err != nil {
		t.Fatalf("claim alert: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected to claim the pushed alert")
	}
	return string(claimed.Raw)
}

func TestProcessOneAcksOnSuccessfulWebhookSend(t *testing.T) {
	t.Parallel()
	var hits int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)

	f, rdb := newTestForwarder(t, webhook.URL, nil)
	raw := pushAlert(t, f, rdb, "w1", testAlert())

	f.processOne(context.Background(), "w1", testAlert(), raw, testLogger(t))

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("webhook hit count = %d, want 1", hits)
	}
	n, err := rdb.LLen(context.Background(), f.q.ProcessingList("w1")).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 0 {
		t.Fatalf("processing list depth = %d, want 0 (acked)", n)
	}
}

func TestProcessOnePoisonsOn4xxWithoutRetry(t *testing.T) {
	t.Parallel()
	var hits int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(webhook.Close)

	f, rdb := newTestForwarder(t, webhook.URL, nil)
	raw := pushAlert(t, f, rdb, "w1", testAlert())

	f.processOne(context.Background(), "w1", testAlert(), raw, testLogger(t))

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("a poison 4xx must not be retried, got %d attempts", hits)
	}
	dlqLen, err := rdb.LLen(context.Background(), "dlq:forwarder").Result()
	if err != nil {
		t.Fatalf("LLen dlq: %v", err)
	}
	if dlqLen != 1 {
		t.Fatalf("dlq:forwarder depth = %d, want 1", dlqLen)
	}
}

func TestProcessOneRetriesThenExhaustsOn5xx(t *testing.T) {
	t.Parallel()
	var hits int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(webhook.Close)

	f, rdb := newTestForwarder(t, webhook.URL, nil)
	raw := pushAlert(t, f, rdb, "w1", testAlert())

	// A millisecond-scale retry policy exhausts its retries quickly instead
	// of waiting out the default multi-second exponential backoff.
	f.retry = retrypolicy.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2}
	f.processOne(context.Background(), "w1", testAlert(), raw, testLogger(t))

	if atomic.LoadInt32(&hits) < 1 {
		t.Fatal("expected at least one webhook attempt")
	}
	dlqLen, err := rdb.LLen(context.Background(), "dlq:forwarder").Result()
	if err != nil {
		t.Fatalf("LLen dlq: %v", err)
	}
	if dlqLen != 1 {
		t.Fatalf("dlq:forwarder depth = %d, want 1 (retry_exhausted)", dlqLen)
	}
}

func TestProcessOneRequeuesToTailWhenCircuitOpen(t *testing.T) {
	t.Parallel()
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})

	cb := breaker.New(rdb, 1, time.Minute)
	if err := cb.Failure(context.Background(), breakerName); err != nil {
		t.Fatalf("trip breaker: %v", err)
	}

	dyn, err := config.NewDynamic(context.Background(), rdb, testLogger(t))
	if err != nil {
		t.Fatalf("NewDynamic: %v", err)
	}
	f := New(Config{Workers: 1, WebhookURL: webhook.URL, HTTPTimeout: time.Second, ClaimTimeout: time.Second}, rdb, dyn, cb, metrics.New(), testLogger(t))

	raw := pushAlert(t, f, rdb, "w1", testAlert())

	// Seed a second message, arriving after the claimed one, so we can
	// assert the re-queued message lands behind it (tail) rather than
	// jumping back in front of it.
	other := events.WrapAlert(testAlert())
	if err := f.q.Push(context.Background(), alertQueueName, other); err != nil {
		t.Fatalf("push other: %v", err)
	}

	f.processOne(context.Background(), "w1", testAlert(), raw, testLogger(t))

	vals, err := rdb.LRange(context.Background(), alertQueueName, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("alert_queue depth = %d, want 2", len(vals))
	}
	if vals[len(vals)-1] != raw {
		t.Fatal("expected the circuit-open message to be requeued to the tail")
	}
}

func TestProcessOneLeavesMessageClaimedWhenRateLimited(t *testing.T) {
	t.Parallel()
	var hits int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)

	f, rdb := newTestForwarder(t, webhook.URL, nil)
	ctx := context.Background()
	if err := setDynamicInt(ctx, rdb, config.KeyMoogRateLimit, 0); err != nil {
		t.Fatalf("set rate limit: %v", err)
	}

	raw := pushAlert(t, f, rdb, "w1", testAlert())
	f.processOne(ctx, "w1", testAlert(), raw, testLogger(t))

	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("a rate-limited send must not reach the webhook")
	}
	n, err := rdb.LLen(ctx, f.q.ProcessingList("w1")).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 1 {
		t.Fatalf("processing list depth = %d, want 1 (left claimed, neither acked nor requeued)", n)
	}
}

func setDynamicInt(ctx context.Context, rdb *goredis.Client, key string, value int) error {
	return rdb.HSet(ctx, "config:dynamic", key, value).Err()
}
