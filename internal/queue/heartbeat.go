package queue

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/platform/logger"
)

// Heartbeat periodically renews a presence key for a single worker so the
// Janitor can tell a live-but-slow worker apart from a crashed one: the key
// expires at 3x the heartbeat interval, giving two missed beats of grace
// before the worker's claimed messages are considered orphaned.
type Heartbeat struct {
	rdb      *goredis.Client
	role     string
	workerID string
	interval time.Duration
	log      *logger.Logger
}

// NewHeartbeat builds a Heartbeat for workerID under role, beating every
// interval.
func NewHeartbeat(rdb *goredis.Client, role, workerID string, interval time.Duration, log *logger.Logger) *Heartbeat {
	return &Heartbeat{
		rdb:      rdb,
		role:     role,
		workerID: workerID,
		interval: interval,
		log:      log.With("component", "heartbeat", "role", role, "worker_id", workerID),
	}
}

func (h *Heartbeat) key() string {
	return fmt.Sprintf("heartbeat:%s:%s", h.role, h.workerID)
}

// Start begins beating in a background goroutine and returns a stop
// function. The key is set once immediately so the janitor never observes a
// worker as orphaned in the window before the first tick fires.
func (h *Heartbeat) Start(ctx context.Context) func() {
	ttl := 3 * h.interval
	h.beatOnce(ctx, ttl)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.beatOnce(ctx, ttl)
			}
		}
	}()
	return func() { close(done) }
}

func (h *Heartbeat) beatOnce(ctx context.Context, ttl time.Duration) {
	if err := h.rdb.Set(ctx, h.key(), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		h.log.Warn("heartbeat: set failed", "error", err)
	}
}

// Stop removes the presence key immediately. The stop function returned by
// Start only ends the beating and leaves the key to expire on its TTL.
func (h *Heartbeat) Stop(ctx context.Context) {
	if err := h.rdb.Del(ctx, h.key()).Err(); err != nil {
		h.log.Warn("heartbeat: cleanup failed", "error", err)
	}
}
