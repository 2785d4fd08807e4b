// Package main is the entry point for the reportflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/urbanreflex/reportflow/internal/approval"
	"github.com/urbanreflex/reportflow/internal/classifier"
	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/internal/ngsild"
	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/internal/transport"
	"github.com/urbanreflex/reportflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "reportflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Broker and classifier clients.
	broker := ngsild.NewFromConfig(cfg.Broker,
		ngsild.WithMetrics(metrics),
		ngsild.WithLogger(logger.Named("ngsild")),
	)
	trigger := classifier.NewHTTPTrigger(cfg.Classifier, metrics, logger.Named("classifier"))

	// Step 5: Run history store and run lock.
	runStore, runStoreCloser, err := buildRunStore(ctx, cfg.Workflow.RunStore, logger)
	if err != nil {
		logger.Error("run store initialization failed", zap.Error(err))
		return 1
	}
	runLock, runLockCloser, err := buildRunLock(ctx, cfg.Workflow.Lock, logger)
	if err != nil {
		logger.Error("run lock initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Workflow orchestrator. Async runs outlive their request but not
	// the process.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	updater := workflow.NewStatusUpdater(broker, metrics, logger.Named("updater"))
	poller := workflow.NewPoller(broker, cfg.Workflow.Poll, logger.Named("poller"))
	opts := []workflow.Option{
		workflow.WithCriteria(approval.CriteriaFromConfig(cfg.Approval)),
		workflow.WithPriorStatusGuard(cfg.Workflow.GuardPriorStatus),
		workflow.WithRunStore(runStore),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithBaseContext(bgCtx),
	}
	if runLock != nil {
		opts = append(opts, workflow.WithRunLock(runLock), workflow.WithLockTTL(cfg.Workflow.Lock.TTL))
	}
	orchestrator := workflow.NewOrchestrator(trigger, poller, updater, opts...)

	// Step 7: Build HTTP router.
	readiness := observability.ReadinessChecks{Broker: broker}
	if hc, ok := runStore.(observability.HealthChecker); ok {
		readiness.RunStore = hc
	}
	if hc, ok := runLock.(observability.HealthChecker); ok {
		readiness.RunLock = hc
	}

	var authenticate func(http.Handler) http.Handler
	if secret := os.Getenv(cfg.Identity.SecretEnv); secret != "" {
		authenticate = transport.JWTAuthenticator(cfg.Identity, []byte(secret))
	} else {
		logger.Warn("token secret not set, admin routes disabled", zap.String("env", cfg.Identity.SecretEnv))
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Workflow:     orchestrator,
		Reports:      broker,
		Status:       updater,
		Runs:         runStore,
		Readiness:    readiness,
		Authenticate: authenticate,
		Metrics:      metrics,
		Gatherer:     prometheus.DefaultGatherer,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.TracingMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("broker", cfg.Broker.BaseURL),
		zap.Duration("poll_ceiling", cfg.Workflow.Poll.Ceiling()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop async runs and wait for them to record their outcome.
	bgCancel()
	drained := make(chan struct{})
	go func() {
		orchestrator.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("async workflow runs still in flight at shutdown")
	}

	if runStoreCloser != nil {
		runStoreCloser()
	}
	if runLockCloser != nil {
		runLockCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildRunStore creates the run history store based on config.
func buildRunStore(ctx context.Context, cfg config.RunStoreConfig, logger *zap.Logger) (workflow.RunStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory run store")
		return workflow.NewMemoryRunStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("run store: %s environment variable not set", cfg.DSNEnv)
		}
		store, err := workflow.OpenPgRunStore(ctx, dsn, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("run store: %w", err)
		}
		logger.Info("using postgres run store")
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported run store driver: %q", cfg.Driver)
	}
}

// buildRunLock creates the per-report run lock based on config. A nil lock
// means runs are only coalesced within this process.
func buildRunLock(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (workflow.RunLock, func(), error) {
	switch cfg.Driver {
	case "none", "":
		return nil, nil, nil
	case "memory":
		logger.Info("using in-memory run lock")
		return workflow.NewMemoryRunLock(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("run lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("run lock: ping redis: %w", err)
		}
		logger.Info("using redis run lock", zap.String("addr", addr))
		return workflow.NewRedisRunLock(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported run lock driver: %q", cfg.Driver)
	}
}
