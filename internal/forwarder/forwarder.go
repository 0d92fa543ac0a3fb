// Package forwarder implements the Forwarder worker pool: claim an alert
// from alert_queue, respect the shared rate limit, post it to the external
// webhook with retry/backoff, and trip a circuit breaker on sustained
// downstream failure.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/muttpipeline/mutt/internal/breaker"
	"github.com/muttpipeline/mutt/internal/config"
	"github.com/muttpipeline/mutt/internal/dlq"
	"github.com/muttpipeline/mutt/internal/events"
	"github.com/muttpipeline/mutt/internal/metrics"
	"github.com/muttpipeline/mutt/internal/pipelineerr"
	"github.com/muttpipeline/mutt/internal/platform/logger"
	"github.com/muttpipeline/mutt/internal/queue"
	"github.com/muttpipeline/mutt/internal/ratelimit"
	"github.com/muttpipeline/mutt/internal/retrypolicy"
)

const (
	alertQueueName = "alert_queue"
	role           = "forwarder"

	// breakerName is the single global circuit guarding the moog webhook;
	// the spec's breaker keys (circuit:forwarder:*) are not per-target.
	breakerName = "forwarder"
	// rateLimitKey is the single shared sliding window all Forwarder workers
	// draw from, matching rate_limit:forwarder in the queue-name convention.
	rateLimitKey = "rate_limit:forwarder"

	circuitRequeueSleep = 500 * time.Millisecond
	rateLimitSleep      = 100 * time.Millisecond
)

// Config carries the Forwarder's tunables that aren't covered by dynamic
// config.
type Config struct {
	Workers      int
	WebhookURL   string
	HTTPTimeout  time.Duration
	ClaimTimeout time.Duration
}

// Forwarder runs Config.Workers independent claim/process/ack loops against
// alert_queue.
type Forwarder struct {
	cfg       Config
	q         *queue.Queue
	rdb       *goredis.Client
	dyn       *config.Dynamic
	limiter   *ratelimit.Limiter
	cb        *breaker.Breaker
	dlqWriter *dlq.Writer
	retry     retrypolicy.Policy
	client    *http.Client
	m         *metrics.Registry
	log       *logger.Logger
}

// New builds a Forwarder around the already-built breaker cb. The breaker's
// failure threshold and open duration are fixed per instance; cmd/mutt reads
// moog_cb_failure_threshold and moog_cb_open_seconds from dynamic config once
// at startup to build it, so a later change takes effect on restart.
func New(cfg Config, rdb *goredis.Client, dyn *config.Dynamic, cb *breaker.Breaker, m *metrics.Registry, log *logger.Logger) *Forwarder {
	q := queue.New(rdb, role)
	return &Forwarder{
		cfg:       cfg,
		q:         q,
		rdb:       rdb,
		dyn:       dyn,
		limiter:   ratelimit.New(rdb),
		cb:        cb,
		dlqWriter: dlq.NewWriter(q, role),
		retry:     retrypolicy.DefaultPolicy(),
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		m:         m,
		log:       log.With("component", "forwarder"),
	}
}

// Run starts cfg.Workers claim/process/ack loops and blocks until ctx is
// canceled.
func (f *Forwarder) Run(ctx context.Context, workerID func(n int) string) {
	var g errgroup.Group
	for i := 0; i < f.cfg.Workers; i++ {
		id := workerID(i)
		g.Go(func() error {
			f.runWorker(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *Forwarder) runWorker(ctx context.Context, workerID string) {
	log := f.log.With("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := f.q.Claim(ctx, workerID, alertQueueName, f.cfg.ClaimTimeout)
		if err != nil {
			log.Warn("forwarder: claim failed", "error", err)
			continue
		}
		if env == nil {
			continue
		}
		raw := string(env.Raw)

		if env.Type != events.EnvelopeAlert || env.Alert == nil {
			_ = f.dlqWriter.Write(ctx, alertQueueName, raw, "", dlq.ReasonValidation, 0)
			_ = f.q.Ack(ctx, workerID, raw)
			continue
		}

		f.processOne(ctx, workerID, env.Alert, raw, log)
	}
}

func (f *Forwarder) processOne(ctx context.Context, workerID string, alert *events.Alert, raw string, log *logger.Logger) {
	state, allowed, err := f.cb.Allow(ctx, breakerName)
	if err != nil {
		log.Warn("forwarder: circuit check failed", "error", err)
	}
	if f.m != nil {
		open := 0.0
		if state == breaker.Open {
			open = 1
		}
		f.m.CircuitOpen.Set(open)
	}
	if !allowed {
		// Circuit is open: don't attempt the send. Re-queue to the tail of
		// alert_queue so other claimed work isn't starved behind this one
		// (Open Question (b): tail chosen over head) and back off briefly.
		if f.m != nil {
			f.m.CircuitBlockedTotal.Inc()
		}
		if err := f.q.Requeue(ctx, workerID, raw, alertQueueName, false); err != nil {
			log.Warn("forwarder: circuit-open requeue failed", "error", err)
		}
		time.Sleep(circuitRequeueSleep)
		return
	}

	limit, period, err := f.rateLimitConfig(ctx)
	if err != nil {
		log.Warn("forwarder: rate limit config read failed", "error", err)
		limit, period = 100, time.Minute
	}
	result, err := f.limiter.Allow(ctx, rateLimitKey, limit, period)
	if err != nil {
		log.Warn("forwarder: rate limit check failed", "error", err)
	} else if !result.Allowed {
		// Over budget: leave the message claimed and retry on the next loop
		// iteration rather than acking or requeuing it, preserving order.
		time.Sleep(rateLimitSleep)
		return
	}

	attempts := 0
	start := time.Now()
	sendErr := f.retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		return f.send(ctx, alert)
	})
	if f.m != nil {
		f.m.MoogWebhookMS.Observe(float64(time.Since(start).Milliseconds()))
	}

	switch e := sendErr.(type) {
	case nil:
		_ = f.cb.Success(ctx, breakerName)
		if f.m != nil {
			f.m.MoogRequestsTotal.WithLabelValues("accepted", "ok").Inc()
		}
		_ = f.q.Ack(ctx, workerID, raw)
	case *pipelineerr.PoisonError:
		if f.m != nil {
			f.m.MoogRequestsTotal.WithLabelValues("rejected", "poison_4xx").Inc()
		}
		_ = f.dlqWriter.Write(ctx, alertQueueName, raw, alert.CorrelationID, dlq.ReasonPoison4xx, attempts)
		_ = f.q.Ack(ctx, workerID, raw)
	default:
		_ = e
		if err := f.cb.Failure(ctx, breakerName); err != nil {
			log.Warn("forwarder: breaker failure record failed", "error", err)
		}
		if f.m != nil {
			f.m.MoogRequestsTotal.WithLabelValues("rejected", "retry_exhausted").Inc()
			if newState, _, _ := f.cb.Allow(ctx, breakerName); newState == breaker.Open {
				f.m.CircuitTripsTotal.Inc()
			}
		}
		log.Warn("forwarder: send exhausted retries", "error", sendErr, "correlation_id", alert.CorrelationID)
		_ = f.dlqWriter.Write(ctx, alertQueueName, raw, alert.CorrelationID, dlq.ReasonRetryExhausted, attempts)
		_ = f.q.Ack(ctx, workerID, raw)
	}
}

// send performs one webhook POST attempt, classifying the outcome per
// §4.5: 2xx succeeds, 4xx other than 429 is poison, everything else
// (429, 5xx, transport errors) is retryable.
func (f *Forwarder) send(ctx context.Context, alert *events.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return &pipelineerr.PoisonError{Reason: "marshal webhook body: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &pipelineerr.TransientError{Op: "build_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return &pipelineerr.TransientError{Op: "webhook_post", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &pipelineerr.TransientError{Op: "webhook_post", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &pipelineerr.PoisonError{Reason: fmt.Sprintf("webhook returned %d", resp.StatusCode)}
	default:
		return &pipelineerr.TransientError{Op: "webhook_post", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

func (f *Forwarder) rateLimitConfig(ctx context.Context) (int, time.Duration, error) {
	limit, err := f.dyn.GetInt(ctx, config.KeyMoogRateLimit)
	if err != nil {
		return 0, 0, err
	}
	periodSeconds, err := f.dyn.GetInt(ctx, config.KeyMoogRatePeriod)
	if err != nil {
		return 0, 0, err
	}
	return limit, time.Duration(periodSeconds) * time.Second, nil
}
