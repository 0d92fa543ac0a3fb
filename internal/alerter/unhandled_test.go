package alerter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T) *UnhandledTracker {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	return newUnhandledTracker(rdb)
}

// TestUnhandledTrackerTriggersOnceAtThreshold exercises the S6 scenario
// directly: the threshold-th bump triggers, and every bump after it within
// the same TTL window is suppressed rather than restarting a fresh count.
func TestUnhandledTrackerTriggersOnceAtThreshold(t *testing.T) {
	t.Parallel()
	tracker := newTestTracker(t)
	ctx := context.Background()

	const threshold = 5
	var triggerCount int
	for i := 0; i < threshold-1; i++ {
		triggered, err := tracker.Bump(ctx, "host-1", "3", threshold)
		if err != nil {
			t.Fatalf("Bump %d: %v", i, err)
		}
		if triggered {
			t.Fatalf("Bump %d: triggered before threshold", i)
		}
	}

	triggered, err := tracker.Bump(ctx, "host-1", "3", threshold)
	if err != nil {
		t.Fatalf("threshold bump: %v", err)
	}
	if !triggered {
		t.Fatal("expected the threshold-th bump to trigger")
	}
	triggerCount++

	// 100 more events in the same window (S6: "101st through 200th do not
	// re-trigger"): none of them should trigger again.
	for i := 0; i < 100; i++ {
		triggered, err := tracker.Bump(ctx, "host-1", "3", threshold)
		if err != nil {
			t.Fatalf("post-trigger bump %d: %v", i, err)
		}
		if triggered {
			triggerCount++
		}
	}

	if triggerCount != 1 {
		t.Fatalf("expected exactly one trigger within the TTL window, got %d", triggerCount)
	}
}

func TestUnhandledTrackerKeysAreIndependentPerHostnameAndSeverity(t *testing.T) {
	t.Parallel()
	tracker := newTestTracker(t)
	ctx := context.Background()

	const threshold = 2
	if _, err := tracker.Bump(ctx, "host-1", "3", threshold); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	triggered, err := tracker.Bump(ctx, "host-1", "3", threshold)
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if !triggered {
		t.Fatal("expected host-1/3 to trigger at threshold")
	}

	// A different hostname, and a different severity on the same hostname,
	// must each have their own independent counter.
	triggered, err = tracker.Bump(ctx, "host-2", "3", threshold)
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if triggered {
		t.Fatal("a different hostname should not be affected by host-1's counter")
	}
	triggered, err = tracker.Bump(ctx, "host-1", "5", threshold)
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if triggered {
		t.Fatal("a different severity on the same hostname should not be affected")
	}
}
