package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/platform/logger"
)

// Janitor periodically scans for processing lists whose owning worker's
// heartbeat key has expired, and moves every message sitting in them back
// onto the source queue so another worker can claim it. This is what makes
// delivery at-least-once across a worker crash rather than just within one.
type Janitor struct {
	rdb      *goredis.Client
	role     string
	source   string
	interval time.Duration
	log      *logger.Logger
}

// NewJanitor builds a Janitor that recovers orphaned messages for role back
// onto source every interval.
func NewJanitor(rdb *goredis.Client, role, source string, interval time.Duration, log *logger.Logger) *Janitor {
	return &Janitor{
		rdb:      rdb,
		role:     role,
		source:   source,
		interval: interval,
		log:      log.With("component", "janitor", "role", role),
	}
}

// Start runs one sweep immediately, then the scan loop until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	if err := j.sweep(ctx); err != nil {
		j.log.Warn("janitor: sweep failed", "error", err)
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.sweep(ctx); err != nil {
				j.log.Warn("janitor: sweep failed", "error", err)
			}
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) error {
	pattern := fmt.Sprintf("processing:%s:*", j.role)
	iter := j.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		processingList := iter.Val()
		workerID := workerIDFromProcessingList(processingList, j.role)
		if workerID == "" {
			continue
		}
		alive, err := j.rdb.Exists(ctx, fmt.Sprintf("heartbeat:%s:%s", j.role, workerID)).Result()
		if err != nil {
			j.log.Warn("janitor: heartbeat check failed", "worker_id", workerID, "error", err)
			continue
		}
		if alive > 0 {
			continue
		}
		if err := j.recover(ctx, processingList, workerID); err != nil {
			j.log.Warn("janitor: recover failed", "worker_id", workerID, "error", err)
		}
	}
	return iter.Err()
}

// recover drains every message left in a dead worker's processing list back
// onto the source queue. LMOVE is used directly here (rather than the
// LREM+RPUSH pair Queue.Requeue uses) because the janitor is the sole
// consumer of this list once the owning worker is confirmed dead.
func (j *Janitor) recover(ctx context.Context, processingList, workerID string) error {
	recovered := 0
	for {
		payload, err := j.rdb.LMove(ctx, processingList, j.source, goredis.ListLeft, goredis.ListRight).Result()
		if err == goredis.Nil {
			break
		}
		if err != nil {
			return fmt.Errorf("janitor: lmove: %w", err)
		}
		recovered++
		_ = payload
	}
	if recovered > 0 {
		j.log.Warn("janitor: recovered orphaned messages", "worker_id", workerID, "count", recovered, "source", j.source)
	}
	return nil
}

func workerIDFromProcessingList(list, role string) string {
	prefix := fmt.Sprintf("processing:%s:", role)
	if !strings.HasPrefix(list, prefix) {
		return ""
	}
	return strings.TrimPrefix(list, prefix)
}
