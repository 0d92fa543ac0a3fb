// Package alerter implements the Alerter worker pool: claim an event from
// ingest_queue, match it against the cached rule set, write an audit row,
// and push a forward-ready alert onto alert_queue. It also owns the
// unhandled-event meta-alerting and the alert_queue backpressure policy.
package alerter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/muttpipeline/mutt/internal/audit"
	"github.com/muttpipeline/mutt/internal/config"
	"github.com/muttpipeline/mutt/internal/dlq"
	"github.com/muttpipeline/mutt/internal/events"
	"github.com/muttpipeline/mutt/internal/metrics"
	"github.com/muttpipeline/mutt/internal/pipelineerr"
	"github.com/muttpipeline/mutt/internal/pkg/dbctx"
	"github.com/muttpipeline/mutt/internal/platform/logger"
	"github.com/muttpipeline/mutt/internal/queue"
	"github.com/muttpipeline/mutt/internal/retrypolicy"
	"github.com/muttpipeline/mutt/internal/rules"
)

const (
	ingestQueueName = "ingest_queue"
	alertQueueName  = "alert_queue"
	role            = "alerter"
)

// Config carries the Alerter's tunables that aren't covered by dynamic
// config: worker count and the default team for events with no rule- or
// device-level team assignment.
type Config struct {
	Workers            int
	UnhandledThreshold int
	DefaultTeam        string
	ClaimTimeout       time.Duration
}

// Alerter runs Config.Workers independent claim/process/ack loops against
// ingest_queue.
type Alerter struct {
	cfg       Config
	q         *queue.Queue
	rdb       *goredis.Client
	rulesC    *rules.Cache
	auditS    *audit.Store
	dyn       *config.Dynamic
	m         *metrics.Registry
	unhandled *UnhandledTracker
	dlqWriter *dlq.Writer
	retry     retrypolicy.Policy
	log       *logger.Logger
}

// New builds an Alerter.
func New(cfg Config, rdb *goredis.Client, rulesC *rules.Cache, auditS *audit.Store, dyn *config.Dynamic, m *metrics.Registry, log *logger.Logger) *Alerter {
	q := queue.New(rdb, role)
	return &Alerter{
		cfg:       cfg,
		q:         q,
		rdb:       rdb,
		rulesC:    rulesC,
		auditS:    auditS,
		dyn:       dyn,
		m:         m,
		unhandled: newUnhandledTracker(rdb),
		dlqWriter: dlq.NewWriter(q, role),
		retry:     retrypolicy.DefaultPolicy(),
		log:       log.With("component", "alerter"),
	}
}

// Run starts cfg.Workers claim/process/ack loops and blocks until ctx is
// canceled.
func (a *Alerter) Run(ctx context.Context, workerID func(n int) string) {
	var g errgroup.Group
	for i := 0; i < a.cfg.Workers; i++ {
		id := workerID(i)
		g.Go(func() error {
			a.runWorker(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Alerter) runWorker(ctx context.Context, workerID string) {
	log := a.log.With("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		depth, err := a.q.Len(ctx, alertQueueName)
		if err != nil {
			log.Warn("alerter: alert_queue depth check failed", "error", err)
			depth = 0
		}
		if a.m != nil {
			a.m.AlertQueueDepth.Set(float64(depth))
			a.m.AlerterQueueDepth.Set(float64(depth))
		}

		if shed, err := a.applyBackpressure(ctx, depth, log); err != nil {
			log.Warn("alerter: backpressure check failed", "error", err)
		} else if shed {
			continue
		}

		env, raw, err := a.claim(ctx, workerID)
		if err != nil {
			log.Warn("alerter: claim failed", "error", err)
			continue
		}
		if env == nil {
			continue // claim timeout, no work available
		}

		start := time.Now()
		a.process(ctx, workerID, env, raw, log)
		if a.m != nil {
			a.m.AlerterProcessingMS.Observe(float64(time.Since(start).Milliseconds()))
		}
	}
}

func (a *Alerter) claim(ctx context.Context, workerID string) (*events.Envelope, string, error) {
	env, err := a.q.Claim(ctx, workerID, ingestQueueName, a.cfg.ClaimTimeout)
	if err != nil {
		// queue.Queue.Claim already acked an unparseable payload for us; any
		// other error here is a Redis-level failure worth surfacing and
		// retrying on the next loop iteration.
		return nil, "", err
	}
	if env == nil {
		return nil, "", nil
	}
	return env, string(env.Raw), nil
}

func (a *Alerter) process(ctx context.Context, workerID string, env *events.Envelope, raw string, log *logger.Logger) {
	ack := func() { _ = a.q.Ack(ctx, workerID, raw) }

	if env.Type != events.EnvelopeEvent || env.Event == nil {
		_ = a.dlqWriter.Write(ctx, ingestQueueName, raw, "", dlq.ReasonValidation, 0)
		ack()
		return
	}
	ev := env.Event
	if err := ev.Validate(); err != nil {
		_ = a.dlqWriter.Write(ctx, ingestQueueName, raw, ev.CorrelationID, dlq.ReasonValidation, 0)
		ack()
		return
	}

	snapshot := a.rulesC.Current()
	rule, matched := snapshot.Match(ev)
	isDev := snapshot.IsDevHost(ev.Hostname)

	action := "unhandled"
	team := snapshot.TeamFor(ev.Hostname)
	matchedRuleID := ""
	if matched {
		handling := rule.HandlingFor(isDev)
		action = string(handling)
		matchedRuleID = rule.ID
		if rule.TeamAssignment != "" {
			team = rule.TeamAssignment
		}
	}
	if team == "" {
		team = a.cfg.DefaultTeam
	}

	extension, _ := json.Marshal(ev.Extension)
	attempts := 0
	dbStart := time.Now()
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		if werr := a.auditS.WriteEventAudit(dbctx.Context{Ctx: ctx}, ev, matchedRuleID, action, team, extension); werr != nil {
			return &pipelineerr.TransientError{Op: "audit_write", Err: werr}
		}
		return nil
	})
	if a.m != nil {
		a.m.DBWriteLatencyMS.Observe(float64(time.Since(dbStart).Milliseconds()))
	}
	if err != nil {
		log.Warn("alerter: audit write exhausted retries", "error", err, "correlation_id", ev.CorrelationID)
		_ = a.dlqWriter.Write(ctx, ingestQueueName, raw, ev.CorrelationID, dlq.ReasonRetryExhausted, attempts)
		ack()
		return
	}

	if matched && rules.Handling(action) == rules.HandlingAlert {
		alert := &events.Alert{
			CorrelationID:   ev.CorrelationID,
			Hostname:        ev.Hostname,
			Severity:        ev.Severity(),
			Message:         ev.Message,
			Team:            team,
			MatchedRuleID:   matchedRuleID,
			SourceTimestamp: ev.Timestamp,
		}
		if err := a.q.Push(ctx, alertQueueName, events.WrapAlert(alert)); err != nil {
			log.Warn("alerter: alert enqueue failed", "error", err, "correlation_id", ev.CorrelationID)
		}
	} else if !matched {
		if a.m != nil {
			a.m.UnhandledEventsTotal.Inc()
		}
		a.maybeMetaAlert(ctx, ev, team, log)
	}

	ack()
}

func (a *Alerter) maybeMetaAlert(ctx context.Context, ev *events.Event, team string, log *logger.Logger) {
	triggered, err := a.unhandled.Bump(ctx, ev.Hostname, ev.Severity(), a.cfg.UnhandledThreshold)
	if err != nil {
		log.Warn("alerter: unhandled counter update failed", "error", err)
		return
	}
	if !triggered {
		return
	}
	meta := &events.Alert{
		CorrelationID:   ev.CorrelationID,
		Hostname:        ev.Hostname,
		Severity:        ev.Severity(),
		Message:         fmt.Sprintf("unhandled event threshold reached for %s severity %s", ev.Hostname, ev.Severity()),
		Team:            team,
		SourceTimestamp: time.Now().UTC(),
	}
	if err := a.q.Push(ctx, alertQueueName, events.WrapAlert(meta)); err != nil {
		log.Warn("alerter: meta-alert enqueue failed", "error", err)
	}
}

// applyBackpressure implements the §4.4 shed/defer policy. It returns true
// when this loop iteration was consumed by shedding or deferring instead of
// claiming work.
func (a *Alerter) applyBackpressure(ctx context.Context, depth int64, log *logger.Logger) (bool, error) {
	shedThreshold, err := a.dyn.GetInt(ctx, config.KeyAlerterQueueShedThreshold)
	if err != nil {
		return false, err
	}
	warnThreshold, err := a.dyn.GetInt(ctx, config.KeyAlerterQueueWarnThreshold)
	if err != nil {
		return false, err
	}

	if int(depth) > shedThreshold {
		mode, err := a.dyn.Get(ctx, config.KeyAlerterShedMode)
		if err != nil {
			return false, err
		}
		switch mode {
		case "dlq":
			return true, a.shedOne(ctx, log)
		default:
			sleepMS, err := a.dyn.GetInt(ctx, config.KeyAlerterDeferSleepMS)
			if err != nil {
				sleepMS = 50
			}
			time.Sleep(time.Duration(sleepMS) * time.Millisecond)
			if a.m != nil {
				a.m.AlerterShedTotal.WithLabelValues("defer").Inc()
			}
			return true, nil
		}
	}
	if int(depth) > warnThreshold {
		log.Warn("alerter: alert_queue depth over warn threshold", "depth", depth, "warn_threshold", warnThreshold)
	}
	return false, nil
}

// shedOne pops the oldest event directly off ingest_queue (bypassing any
// worker's processing list) and dead-letters it, per the dlq shed mode.
func (a *Alerter) shedOne(ctx context.Context, log *logger.Logger) error {
	raw, err := a.rdb.RPop(ctx, ingestQueueName).Result()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("alerter: shed pop: %w", err)
	}
	if err := a.dlqWriter.Write(ctx, ingestQueueName, raw, "", dlq.ReasonShed, 0); err != nil {
		log.Warn("alerter: shed write failed", "error", err)
	}
	if a.m != nil {
		a.m.AlerterShedTotal.WithLabelValues("dlq").Inc()
	}
	return nil
}
