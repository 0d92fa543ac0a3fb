package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestBreaker(t *testing.T, threshold int, openFor time.Duration) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	return New(rdb, threshold, openFor), srv
}

func TestBreakerStartsClosed(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(t, 3, time.Minute)
	state, allowed, err := b.Allow(context.Background(), "forwarder")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if state != Closed || !allowed {
		t.Fatalf("fresh breaker: want closed/allowed, got state=%s allowed=%v", state, allowed)
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Failure(ctx, "forwarder"); err != nil {
			t.Fatalf("Failure: %v", err)
		}
	}
	if state, allowed, err := b.Allow(ctx, "forwarder"); err != nil || state != Closed || !allowed {
		t.Fatalf("below threshold: want closed/allowed, got state=%s allowed=%v err=%v", state, allowed, err)
	}

	if err := b.Failure(ctx, "forwarder"); err != nil {
		t.Fatalf("Failure: %v", err)
	}
	state, allowed, err := b.Allow(ctx, "forwarder")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if state != Open || allowed {
		t.Fatalf("at threshold: want open/denied, got state=%s allowed=%v", state, allowed)
	}
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	t.Parallel()
	b, srv := newTestBreaker(t, 1, 30*time.Second)
	ctx := context.Background()

	if err := b.Failure(ctx, "forwarder"); err != nil {
		t.Fatalf("Failure: %v", err)
	}
	if state, allowed, _ := b.Allow(ctx, "forwarder"); state != Open || allowed {
		t.Fatalf("want open/denied immediately after tripping, got state=%s allowed=%v", state, allowed)
	}

	srv.FastForward(31 * time.Second)

	state, allowed, err := b.Allow(ctx, "forwarder")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if state != HalfOpen || !allowed {
		t.Fatalf("after cooldown: want half_open/allowed probe, got state=%s allowed=%v", state, allowed)
	}
}

func TestBreakerSuccessClosesFromHalfOpen(t *testing.T) {
	t.Parallel()
	b, srv := newTestBreaker(t, 1, 10*time.Second)
	ctx := context.Background()

	if err := b.Failure(ctx, "forwarder"); err != nil {
		t.Fatalf("Failure: %v", err)
	}
	srv.FastForward(11 * time.Second)
	if _, _, err := b.Allow(ctx, "forwarder"); err != nil {
		t.Fatalf("Allow (probe check): %v", err)
	}
	if err := b.Success(ctx, "forwarder"); err != nil {
		t.Fatalf("Success: %v", err)
	}

	state, allowed, err := b.Allow(ctx, "forwarder")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if state != Closed || !allowed {
		t.Fatalf("after successful probe: want closed/allowed, got state=%s allowed=%v", state, allowed)
	}
}

func TestBreakerFailureReopensFromHalfOpen(t *testing.T) {
	t.Parallel()
	b, srv := newTestBreaker(t, 1, 10*time.Second)
	ctx := context.Background()

	if err := b.Failure(ctx, "forwarder"); err != nil {
		t.Fatalf("Failure: %v", err)
	}
	srv.FastForward(11 * time.Second)
	if _, _, err := b.Allow(ctx, "forwarder"); err != nil {
		t.Fatalf("Allow (probe check): %v", err)
	}
	if err := b.Failure(ctx, "forwarder"); err != nil {
		t.Fatalf("Failure (probe fails): %v", err)
	}

	state, allowed, err := b.Allow(ctx, "forwarder")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if state != Open || allowed {
		t.Fatalf("after failed probe: want open/denied, got state=%s allowed=%v", state, allowed)
	}
}

func TestBreakerNamesAreIndependent(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(t, 1, time.Minute)
	ctx := context.Background()

	if err := b.Failure(ctx, "forwarder"); err != nil {
		t.Fatalf("Failure: %v", err)
	}
	state, allowed, err := b.Allow(ctx, "other-target")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if state != Closed || !allowed {
		t.Fatalf("a different breaker name should be unaffected, got state=%s allowed=%v", state, allowed)
	}
}
