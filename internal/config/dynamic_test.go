package config

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/platform/logger"
)

func newTestDynamic(t *testing.T) (*Dynamic, *goredis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})

	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)

	d, err := NewDynamic(context.Background(), rdb, log)
	if err != nil {
		t.Fatalf("NewDynamic: %v", err)
	}
	return d, rdb
}

func TestNewDynamicSeedsDefaults(t *testing.T) {
	t.Parallel()
	d, _ := newTestDynamic(t)
	ctx := context.Background()

	for key, want := range defaults {
		got, err := d.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if got != want {
			t.Fatalf("Get(%s) = %q, want default %q", key, got, want)
		}
	}
}

func TestGetIntParsesIntegerKeys(t *testing.T) {
	t.Parallel()
	d, _ := newTestDynamic(t)
	n, err := d.GetInt(context.Background(), KeyAlerterQueueShedThreshold)
	if err != nil {
		t.Fatalf("GetInt: %v", err)
	}
	if n != 2000 {
		t.Fatalf("GetInt(%s) = %d, want 2000", KeyAlerterQueueShedThreshold, n)
	}
}

func TestSetUpdatesValueReadBackAfterCacheExpiry(t *testing.T) {
	t.Parallel()
	d, _ := newTestDynamic(t)
	ctx := context.Background()

	if _, err := d.Get(ctx, KeyAlerterShedMode); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := d.Set(ctx, KeyAlerterShedMode, "dlq"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Set doesn't invalidate the caller's own local cache (only Subscribe
	// does, via the pub/sub notification); bypass it by forging an expired
	// entry the way the TTL naturally would.
	d.mu.Lock()
	delete(d.local, KeyAlerterShedMode)
	d.mu.Unlock()

	got, err := d.Get(ctx, KeyAlerterShedMode)
	if err != nil {
		t.Fatalf("Get after Set: %v", err)
	}
	if got != "dlq" {
		t.Fatalf("Get after Set = %q, want %q", got, "dlq")
	}
}

func TestSubscribeInvalidatesCacheAndFiresOnChange(t *testing.T) {
	t.Parallel()
	d, _ := newTestDynamic(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Get(ctx, KeyAlerterShedMode); err != nil {
		t.Fatalf("Get: %v", err)
	}

	fired := make(chan string, 1)
	d.OnChange(KeyAlerterShedMode, func(newValue string) {
		fired <- newValue
	})

	go d.Subscribe(ctx)
	time.Sleep(50 * time.Millisecond) // let Subscribe's Receive complete

	if err := d.Set(ctx, KeyAlerterShedMode, "dlq"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case got := <-fired:
		if got != "dlq" {
			t.Fatalf("OnChange callback value = %q, want %q", got, "dlq")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnChange callback")
	}
}
