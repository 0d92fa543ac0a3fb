// Command mutt runs one of MUTT's three cooperating roles: ingestor,
// alerter, or forwarder, selected by subcommand so each can be deployed and
// scaled independently.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/muttpipeline/mutt/internal/alerter"
	"github.com/muttpipeline/mutt/internal/audit"
	"github.com/muttpipeline/mutt/internal/breaker"
	"github.com/muttpipeline/mutt/internal/config"
	"github.com/muttpipeline/mutt/internal/forwarder"
	httpapi "github.com/muttpipeline/mutt/internal/http"
	httpH "github.com/muttpipeline/mutt/internal/http/handlers"
	httpMW "github.com/muttpipeline/mutt/internal/http/middleware"
	"github.com/muttpipeline/mutt/internal/metrics"
	"github.com/muttpipeline/mutt/internal/pipelineerr"
	"github.com/muttpipeline/mutt/internal/platform/logger"
	"github.com/muttpipeline/mutt/internal/queue"
	"github.com/muttpipeline/mutt/internal/rules"
	"github.com/muttpipeline/mutt/internal/secrets"
	"github.com/muttpipeline/mutt/internal/store"
)

var bootstrapPath string

func main() {
	root := &cobra.Command{
		Use:   "mutt",
		Short: "MUTT event pipeline",
	}
	root.PersistentFlags().StringVar(&bootstrapPath, "config", "", "optional YAML bootstrap file")

	root.AddCommand(ingestorCmd(), alerterCmd(), forwarderCmd())

	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx, cancel
}

func fatal(log *logger.Logger, msg string, err error) {
	if log != nil {
		log.Error(msg, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	}
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case *pipelineerr.FatalError:
		return 1
	default:
		return 1
	}
}

func ingestorCmd() *cobra.Command {
	var admissionLimit int64
	cmd := &cobra.Command{
		Use:   "ingestor",
		Short: "Run the HTTP ingestion front door",
		RunE: func(cmd *cobra.Command, args []string) error {
			runIngestor(admissionLimit)
			return nil
		},
	}
	cmd.Flags().Int64Var(&admissionLimit, "admission-limit", 100000, "ingest_queue depth at which new events are rejected with 503 (0 disables admission control)")
	return cmd
}

func runIngestor(admissionLimit int64) {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fatal(nil, "logger init failed", err)
	}
	defer log.Sync()

	cfg, err := config.LoadStatic(bootstrapPath)
	if err != nil {
		fatal(log, "config load failed", err)
	}

	ctx, cancel := shutdownContext()
	defer cancel()

	secretsProvider := secrets.NewEnvProvider()
	db, err := store.NewPostgresPool(ctx, store.PostgresConfig{
		Host: cfg.PostgresHost, Port: cfg.PostgresPort, User: cfg.PostgresUser,
		Name: cfg.PostgresName, SSL: cfg.PostgresSSL,
	}, secretsProvider, log)
	if err != nil {
		fatal(log, "postgres connect failed", err)
	}
	if err := audit.AutoMigrateAll(db); err != nil {
		fatal(log, "audit migration failed", err)
	}
	rdb, err := store.NewRedisClient(ctx, store.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, secretsProvider, log)
	if err != nil {
		fatal(log, "redis connect failed", err)
	}

	auditStore := audit.NewStore(db)
	m := metrics.New()
	q := queue.New(rdb, "ingestor")

	router := httpapi.NewRouter(httpapi.RouterConfig{
		AuthMiddleware: httpMW.NewAuthMiddleware(log, cfg.APIKeys),
		EventHandler:   httpH.NewEventHandler(q, "ingest_queue", admissionLimit, m),
		HealthHandler:  httpH.NewHealthHandler(auditStore, rdb),
		Metrics:        m,
		Log:            log,
	})
	server := &http.Server{Addr: cfg.IngestorAddr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("ingestor: listening", "addr", cfg.IngestorAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(log, "ingestor: server error", err)
	}
}

func alerterCmd() *cobra.Command {
	var workers, unhandledThreshold int
	var defaultTeam string
	cmd := &cobra.Command{
		Use:   "alerter",
		Short: "Run the Alerter worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			runAlerter(workers, unhandledThreshold, defaultTeam)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "number of alerter workers")
	cmd.Flags().IntVar(&unhandledThreshold, "unhandled-threshold", 100, "unmatched-event count that triggers a meta-alert")
	cmd.Flags().StringVar(&defaultTeam, "default-team", "unassigned", "team assigned when no rule- or device-level team applies")
	return cmd
}

func runAlerter(workers, unhandledThreshold int, defaultTeam string) {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fatal(nil, "logger init failed", err)
	}
	defer log.Sync()

	cfg, err := config.LoadStatic(bootstrapPath)
	if err != nil {
		fatal(log, "config load failed", err)
	}

	ctx, cancel := shutdownContext()
	defer cancel()

	secretsProvider := secrets.NewEnvProvider()
	db, err := store.NewPostgresPool(ctx, store.PostgresConfig{
		Host: cfg.PostgresHost, Port: cfg.PostgresPort, User: cfg.PostgresUser,
		Name: cfg.PostgresName, SSL: cfg.PostgresSSL,
	}, secretsProvider, log)
	if err != nil {
		// Fail-fast at startup: the Alerter refuses to run against an
		// unreachable audit store rather than silently misclassifying
		// every event against an empty rule set.
		fatal(log, "postgres connect failed", err)
	}
	if err := audit.AutoMigrateAll(db); err != nil {
		fatal(log, "audit migration failed", err)
	}
	rdb, err := store.NewRedisClient(ctx, store.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, secretsProvider, log)
	if err != nil {
		fatal(log, "redis connect failed", err)
	}

	dyn, err := config.NewDynamic(ctx, rdb, log)
	if err != nil {
		fatal(log, "dynamic config init failed", err)
	}
	go func() {
		if err := dyn.Subscribe(ctx); err != nil {
			log.Warn("dynamic config subscriber stopped", "error", err)
		}
	}()

	rulesCache := rules.NewCache(db, log)
	if err := rulesCache.Reload(ctx); err != nil {
		fatal(log, "initial rule cache load failed", err)
	}
	reloadInterval, _ := dyn.GetInt(ctx, config.KeyCacheReloadInterval)
	if reloadInterval <= 0 {
		reloadInterval = 30
	}
	go rulesCache.StartAutoReload(ctx, time.Duration(reloadInterval)*time.Second)

	auditStore := audit.NewStore(db)
	m := metrics.New()
	updateRuleCacheGauge(m, rulesCache)
	go rulesCacheGaugeLoop(ctx, m, rulesCache, 15*time.Second)

	a := alerter.New(alerter.Config{
		Workers:            workers,
		UnhandledThreshold: unhandledThreshold,
		DefaultTeam:        defaultTeam,
		ClaimTimeout:       5 * time.Second,
	}, rdb, rulesCache, auditStore, dyn, m, log)

	heartbeatInterval := time.Duration(cfg.HeartbeatInterval) * time.Second
	janitorInterval := time.Duration(cfg.JanitorInterval) * time.Second
	janitor := queue.NewJanitor(rdb, "alerter", "ingest_queue", janitorInterval, log)
	go janitor.Start(ctx)

	startMetricsServer(ctx, cfg.AlerterMetricsAddr, m, log)

	go rulesReloadOnChange(ctx, dyn, rulesCache, log)

	runningWorkerIDs := make([]string, workers)
	for i := range runningWorkerIDs {
		runningWorkerIDs[i] = fmt.Sprintf("alerter-%s", uuid.New().String())
	}
	stopHeartbeats := make([]func(), workers)
	for i, id := range runningWorkerIDs {
		hb := queue.NewHeartbeat(rdb, "alerter", id, heartbeatInterval, log)
		stopHeartbeats[i] = hb.Start(ctx)
	}
	defer func() {
		for _, stop := range stopHeartbeats {
			stop()
		}
	}()

	log.Info("alerter: starting", "workers", workers)
	a.Run(ctx, func(n int) string { return runningWorkerIDs[n] })
}

func forwarderCmd() *cobra.Command {
	var workers int
	var webhookURL string
	var cbFailureThreshold int
	var cbOpenSeconds int
	cmd := &cobra.Command{
		Use:   "forwarder",
		Short: "Run the Forwarder worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			runForwarder(workers, webhookURL, cbFailureThreshold, cbOpenSeconds)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "number of forwarder workers")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", os.Getenv("MOOG_WEBHOOK_URL"), "external incident-management webhook URL")
	cmd.Flags().IntVar(&cbFailureThreshold, "cb-failure-threshold", 5, "circuit breaker failure threshold, used only when dynamic config holds no positive value at startup")
	cmd.Flags().IntVar(&cbOpenSeconds, "cb-open-seconds", 30, "circuit breaker open duration in seconds, used only when dynamic config holds no positive value at startup")
	return cmd
}

func runForwarder(workers int, webhookURL string, cbFailureThreshold, cbOpenSeconds int) {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fatal(nil, "logger init failed", err)
	}
	defer log.Sync()

	if webhookURL == "" {
		fatal(log, "forwarder init failed", &pipelineerr.FatalError{Reason: "webhook URL is required"})
	}

	cfg, err := config.LoadStatic(bootstrapPath)
	if err != nil {
		fatal(log, "config load failed", err)
	}

	ctx, cancel := shutdownContext()
	defer cancel()

	secretsProvider := secrets.NewEnvProvider()
	rdb, err := store.NewRedisClient(ctx, store.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, secretsProvider, log)
	if err != nil {
		fatal(log, "redis connect failed", err)
	}

	dyn, err := config.NewDynamic(ctx, rdb, log)
	if err != nil {
		fatal(log, "dynamic config init failed", err)
	}
	go func() {
		if err := dyn.Subscribe(ctx); err != nil {
			log.Warn("dynamic config subscriber stopped", "error", err)
		}
	}()

	threshold, err := dyn.GetInt(ctx, config.KeyMoogCBFailureThreshold)
	if err != nil || threshold <= 0 {
		threshold = cbFailureThreshold
	}
	openSeconds, err := dyn.GetInt(ctx, config.KeyMoogCBOpenSeconds)
	if err != nil || openSeconds <= 0 {
		openSeconds = cbOpenSeconds
	}
	cb := breaker.New(rdb, threshold, time.Duration(openSeconds)*time.Second)

	m := metrics.New()
	f := forwarder.New(forwarder.Config{
		Workers:      workers,
		WebhookURL:   webhookURL,
		HTTPTimeout:  10 * time.Second,
		ClaimTimeout: 5 * time.Second,
	}, rdb, dyn, cb, m, log)

	heartbeatInterval := time.Duration(cfg.HeartbeatInterval) * time.Second
	janitorInterval := time.Duration(cfg.JanitorInterval) * time.Second
	janitor := queue.NewJanitor(rdb, "forwarder", "alert_queue", janitorInterval, log)
	go janitor.Start(ctx)

	startMetricsServer(ctx, cfg.ForwarderMetricsAddr, m, log)

	runningWorkerIDs := make([]string, workers)
	for i := range runningWorkerIDs {
		runningWorkerIDs[i] = fmt.Sprintf("forwarder-%s", uuid.New().String())
	}
	stopHeartbeats := make([]func(), workers)
	for i, id := range runningWorkerIDs {
		hb := queue.NewHeartbeat(rdb, "forwarder", id, heartbeatInterval, log)
		stopHeartbeats[i] = hb.Start(ctx)
	}
	defer func() {
		for _, stop := range stopHeartbeats {
			stop()
		}
	}()

	log.Info("forwarder: starting", "workers", workers, "webhook_url", webhookURL)
	f.Run(ctx, func(n int) string { return runningWorkerIDs[n] })
}

// rulesReloadOnChange clears the next scheduled wait by forcing an immediate
// reload when an operator changes cache_reload_interval, matching the "on
// external signal" refresh trigger alongside the timer-driven one.
func rulesReloadOnChange(ctx context.Context, dyn *config.Dynamic, rulesCache *rules.Cache, log *logger.Logger) {
	dyn.OnChange(config.KeyCacheReloadInterval, func(string) {
		if err := rulesCache.Reload(ctx); err != nil {
			log.Warn("rules: reload on config change failed", "error", err)
		}
	})
}

func updateRuleCacheGauge(m *metrics.Registry, rulesCache *rules.Cache) {
	if rulesCache.LastLoadOK() {
		m.RuleCacheLoadSuccess.Set(1)
	} else {
		m.RuleCacheLoadSuccess.Set(0)
	}
}

// rulesCacheGaugeLoop keeps rule_cache_load_success reflecting the outcome of
// the most recent reload, whether that reload was timer- or signal-driven.
func rulesCacheGaugeLoop(ctx context.Context, m *metrics.Registry, rulesCache *rules.Cache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateRuleCacheGauge(m, rulesCache)
		}
	}
}

func startMetricsServer(ctx context.Context, addr string, m *metrics.Registry, log *logger.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
}
