package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/api/rest"
	"github.com/marketsage/governance/internal/domain/rules"
	"github.com/marketsage/governance/internal/infrastructure/cache"
	"github.com/marketsage/governance/internal/infrastructure/config"
	"github.com/marketsage/governance/internal/infrastructure/database"
	"github.com/marketsage/governance/internal/infrastructure/repository"
	"github.com/marketsage/governance/internal/infrastructure/telemetry"
	"github.com/marketsage/governance/internal/metrics"
	"github.com/marketsage/governance/internal/service/assessment"
	"github.com/marketsage/governance/internal/service/auditlog"
	"github.com/marketsage/governance/internal/service/boundary"
	"github.com/marketsage/governance/internal/service/compensation"
	"github.com/marketsage/governance/internal/service/decision"
	"github.com/marketsage/governance/internal/service/governance"
	"github.com/marketsage/governance/internal/service/quota"
	"github.com/marketsage/governance/internal/service/trust"
	"github.com/marketsage/governance/internal/service/workflow"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("governance engine failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting governance engine",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port))

	gov := cfg.Governance

	// Stores fall back to in-memory implementations when no backend is
	// configured, so the engine runs standalone in development.
	var (
		counters  quota.CounterStore  = quota.NewMemoryCounterStore()
		cooldowns rules.CooldownStore = rules.NewMemoryCooldownStore()
	)
	if cfg.Redis.URL != "" {
		client, err := cache.NewRedisClient(&cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting redis: %w", err)
		}
		defer client.Close()
		counters = cache.NewRedisCounterStore(client, logger)
		cooldowns = cache.NewRedisCooldownStore(client, logger)
	}

	var (
		auditSink    auditlog.Sink
		approvalRepo workflow.Repository
		patternRepo  trust.Repository
	)
	if cfg.Database.URL != "" {
		pool, err := database.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connecting database: %w", err)
		}
		defer pool.Close()
		auditSink = repository.NewAuditRepository(pool)
		approvalRepo = repository.NewApprovalRepository(pool)
		patternRepo = repository.NewPatternRepository(pool)
	}

	evaluator := rules.NewEvaluator(rules.DefaultRegistry(), cooldowns, logger)

	monitor := boundary.NewMonitor(boundary.Config{
		TimelineSize:       gov.Boundary.TimelineSize,
		FrequencyThreshold: gov.Boundary.FrequencyThreshold,
		FrequencyWindow:    gov.Boundary.FrequencyWindow,
		ErrorRateThreshold: gov.Boundary.ErrorRateThreshold,
		MinAttempts:        gov.Boundary.MinAttempts,
		OffHoursStart:      gov.Boundary.OffHoursStart,
		OffHoursEnd:        gov.Boundary.OffHoursEnd,
	}, logger)

	guard := quota.NewGuard(quota.Config{
		OrgHourlyLimit: gov.Quota.OrgHourlyLimit,
		SessionOpLimit: gov.Quota.SessionLimit,
		SessionWindow:  gov.Quota.SessionWindow,
	}, counters, logger)
	guard.SetMaintenanceMode(gov.MaintenanceMode)

	trustStore := trust.NewStore(trust.Config{
		Retention:   gov.Trust.Retention,
		MaxPatterns: gov.Trust.MaxPatterns,
		MinSamples:  gov.Trust.MinSamples,
		TopN:        gov.Trust.TopN,
	}, patternRepo, logger)
	if err := trustStore.Rehydrate(ctx); err != nil {
		logger.Warn("trust rehydration failed, starting cold", zap.Error(err))
	}
	trustStore.StartRecompute(gov.Trust.RecomputeInterval)
	defer trustStore.StopRecompute()

	approvals := workflow.NewManager(approvalRepo, nil, logger)
	if err := approvals.Rehydrate(ctx); err != nil {
		logger.Warn("approval rehydration failed, starting cold", zap.Error(err))
	}

	orchestrator := compensation.NewOrchestrator(compensation.Config{
		AutomaticWindow: gov.Rollback.AutomaticWindow,
		ManualWindow:    gov.Rollback.ManualWindow,
	}, nil, logger)
	orchestrator.StartJanitor(gov.Rollback.SweepInterval)
	defer orchestrator.StopJanitor()

	assessor := assessment.NewAssessor(evaluator, monitor, guard, approvals, orchestrator, logger)

	decisions := decision.NewEngine(decision.Config{
		ConfidenceThreshold: gov.Decision.ConfidenceThreshold,
		MinTrustScore:       gov.Decision.TrustThreshold,
		MinSuccessRate:      gov.Decision.SuccessThreshold,
	}, trustStore, logger)

	recorder := auditlog.NewRecorder(auditlog.Config{
		BufferSize:      gov.Audit.BufferSize,
		MaxRetries:      gov.Audit.WriteRetries,
		RetryBackoff:    gov.Audit.RetryBackoff,
		RecentWindow:    gov.Audit.RecentRingSize,
		CleanupInterval: gov.Audit.CleanupInterval,
	}, auditSink, logger)

	promRegistry := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(promRegistry)

	recorder.SetFailureCounters(metricsRegistry.AuditWriteFailures, metricsRegistry.AuditEventsDropped)
	recorder.Start()
	defer recorder.Stop()

	engine := governance.NewEngine(assessor, decisions, approvals, orchestrator,
		trustStore, monitor, recorder, metricsRegistry, logger)

	approvals.StartSweeper(gov.ApprovalSweepInterval)
	defer approvals.StopSweeper()

	mux := http.NewServeMux()
	handler := rest.NewHandler(engine, logger)
	handler.RegisterRoutes(mux, promRegistry)

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: rest.Chain(mux,
			rest.RecoveryMiddleware(logger),
			rest.RequestIDMiddleware(),
			rest.LoggingMiddleware(logger),
			rest.RateLimitMiddleware(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.BurstSize),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
