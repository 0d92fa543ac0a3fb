package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	return New(rdb), srv
}

func TestAllowAdmitsUnderLimit(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "forwarder", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: want allowed, got denied (count=%d)", i, res.Count)
		}
	}
}

func TestAllowDeniesOverLimit(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, "forwarder", 2, time.Minute); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	res, err := limiter.Allow(ctx, "forwarder", 2, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatalf("third call under a limit of 2: want denied, got allowed")
	}
}

func TestAllowExpiresOldEntries(t *testing.T) {
	t.Parallel()
	limiter, srv := newTestLimiter(t)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "forwarder", 1, 50*time.Millisecond); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	res, err := limiter.Allow(ctx, "forwarder", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatalf("second call inside the window: want denied, got allowed")
	}

	srv.FastForward(100 * time.Millisecond)
	res, err = limiter.Allow(ctx, "forwarder", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("call after the window elapsed: want allowed, got denied")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "forwarder", 1, time.Minute); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	res, err := limiter.Allow(ctx, "other-target", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("a different key should have its own budget")
	}
}
