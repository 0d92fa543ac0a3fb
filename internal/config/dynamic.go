package config

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/platform/logger"
)

// The nine recognized dynamic configuration keys. All values are stored and
// read as strings; callers parse and validate.
const (
	KeyAlerterQueueWarnThreshold  = "alerter_queue_warn_threshold"
	KeyAlerterQueueShedThreshold  = "alerter_queue_shed_threshold"
	KeyAlerterShedMode            = "alerter_shed_mode"
	KeyAlerterDeferSleepMS        = "alerter_defer_sleep_ms"
	KeyCacheReloadInterval        = "cache_reload_interval"
	KeyMoogRateLimit              = "moog_rate_limit"
	KeyMoogRatePeriod             = "moog_rate_period"
	KeyMoogCBFailureThreshold     = "moog_cb_failure_threshold"
	KeyMoogCBOpenSeconds          = "moog_cb_open_seconds"
)

const hashKey = "config:dynamic"
const changeChannel = "config:changes"
const localTTL = 5 * time.Second

var defaults = map[string]string{
	KeyAlerterQueueWarnThreshold: "500",
	KeyAlerterQueueShedThreshold: "2000",
	KeyAlerterShedMode:           "defer",
	KeyAlerterDeferSleepMS:       "50",
	KeyCacheReloadInterval:       "30",
	KeyMoogRateLimit:             "100",
	KeyMoogRatePeriod:            "60",
	KeyMoogCBFailureThreshold:    "5",
	KeyMoogCBOpenSeconds:         "30",
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Dynamic is the process-wide, Redis-hash-backed registry of operational
// knobs enumerated in KeyXxx, with a short-TTL local cache so the hot path
// (read on every alerter/forwarder loop iteration) doesn't round-trip to
// Redis every time, and a Pub/Sub subscriber that invalidates the cache the
// moment an operator changes a value.
type Dynamic struct {
	rdb *goredis.Client
	log *logger.Logger

	mu       sync.RWMutex
	local    map[string]cacheEntry
	onChange map[string][]func(string)
}

// NewDynamic builds a Dynamic registry and seeds any missing key with its
// documented default, so a fresh deployment behaves sanely before an
// operator has set anything.
func NewDynamic(ctx context.Context, rdb *goredis.Client, log *logger.Logger) (*Dynamic, error) {
	d := &Dynamic{
		rdb:      rdb,
		log:      log.With("component", "config.Dynamic"),
		local:    make(map[string]cacheEntry),
		onChange: make(map[string][]func(string)),
	}
	for k, v := range defaults {
		if err := d.rdb.HSetNX(ctx, hashKey, k, v).Err(); err != nil {
			return nil, fmt.Errorf("config: seed default %s: %w", k, err)
		}
	}
	return d, nil
}

// Get returns the string value for key, serving from the local cache when
// it is fresh and falling back to Redis (then the compiled-in default)
// otherwise.
func (d *Dynamic) Get(ctx context.Context, key string) (string, error) {
	d.mu.RLock()
	entry, ok := d.local[key]
	d.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	val, err := d.rdb.HGet(ctx, hashKey, key).Result()
	if err == goredis.Nil {
		val = defaults[key]
	} else if err != nil {
		return "", fmt.Errorf("config: get %s: %w", key, err)
	}

	d.mu.Lock()
	d.local[key] = cacheEntry{value: val, expiresAt: time.Now().Add(localTTL)}
	d.mu.Unlock()
	return val, nil
}

// GetInt is a convenience wrapper over Get for integer-typed keys.
func (d *Dynamic) GetInt(ctx context.Context, key string) (int, error) {
	v, err := d.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s is not an int: %q", key, v)
	}
	return n, nil
}

// Set writes key and publishes a change notification so every subscribed
// process invalidates its local cache immediately instead of waiting out
// the TTL.
func (d *Dynamic) Set(ctx context.Context, key, value string) error {
	if err := d.rdb.HSet(ctx, hashKey, key, value).Err(); err != nil {
		return fmt.Errorf("config: set %s: %w", key, err)
	}
	if err := d.rdb.Publish(ctx, changeChannel, key).Err(); err != nil {
		d.log.Warn("config: publish change notification failed", "key", key, "error", err)
	}
	return nil
}

// OnChange registers a callback invoked (non-blocking, in a new goroutine)
// whenever key changes, e.g. clearing the rule cache when
// cache_reload_interval changes.
func (d *Dynamic) OnChange(key string, fn func(newValue string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange[key] = append(d.onChange[key], fn)
}

// Subscribe starts the Pub/Sub listener that invalidates the local cache
// (and fires any registered OnChange callbacks) for keys as they change. It
// blocks until ctx is canceled, so callers run it in its own goroutine.
func (d *Dynamic) Subscribe(ctx context.Context) error {
	sub := d.rdb.Subscribe(ctx, changeChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("config: subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			key := msg.Payload
			d.mu.Lock()
			delete(d.local, key)
			callbacks := append([]func(string){}, d.onChange[key]...)
			d.mu.Unlock()

			if len(callbacks) == 0 {
				continue
			}
			val, err := d.Get(ctx, key)
			if err != nil {
				d.log.Warn("config: change callback fetch failed", "key", key, "error", err)
				continue
			}
			for _, cb := range callbacks {
				go cb(val)
			}
		}
	}
}
