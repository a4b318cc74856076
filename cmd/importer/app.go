package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/boddenberg/statement-import-go/internal/config"
	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/handler"
	"github.com/boddenberg/statement-import-go/internal/infra/cache"
	"github.com/boddenberg/statement-import-go/internal/infra/client"
	"github.com/boddenberg/statement-import-go/internal/infra/jobfeed"
	"github.com/boddenberg/statement-import-go/internal/infra/observability"
	"github.com/boddenberg/statement-import-go/internal/infra/resilience"
	"github.com/boddenberg/statement-import-go/internal/infra/supabase"
	"github.com/boddenberg/statement-import-go/internal/port"
	"github.com/boddenberg/statement-import-go/internal/service"

	"go.uber.org/zap"
)

// app holds every wired component. Subcommands use the parts they need.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	store   *supabase.Client

	runner   *service.JobRunner
	imports  *service.Orchestrator
	notifier *service.Notifier
	sweeper  *service.Sweeper
	watcher  port.JobWatcher

	closers []func(context.Context) error
}

func newApp(ctx context.Context, envFile string) (*app, error) {
	// --- Config ---
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if cfg.SupabaseURL == "" {
		return nil, errors.New("config: SUPABASE_URL is required")
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("flow_ttl", cfg.FlowTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.String("classifier_backend", cfg.ClassifierBackend),
		zap.String("job_watch_mode", cfg.JobWatchMode),
	)

	a := &app{cfg: cfg, logger: logger}

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, "statement-importer")
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)

	// --- Metrics ---
	a.metrics = observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- Store ---
	a.store = supabase.NewClient(
		httpClient,
		cfg.SupabaseURL,
		cfg.SupabaseAnonKey,
		cfg.SupabaseServiceKey,
		resilience.NewCircuitBreaker("supabase"),
		resilienceCfg,
		logger,
	)

	// --- Classifier ---
	var classifier port.Classifier
	switch cfg.ClassifierBackend {
	case "agent":
		classifier = client.NewAgentClient(httpClient, cfg.AgentAPIURL, resilience.NewCircuitBreaker("agent"), resilienceCfg)
	case "gemini":
		gemini, err := client.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, resilience.NewCircuitBreaker("gemini"), resilienceCfg, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		classifier = gemini
	default:
		logger.Warn("automatic categorization disabled")
	}

	// --- Caches ---
	catalogCache := cache.New[*domain.Catalog](cfg.CacheTTL)
	flowCache := cache.New[*service.ImportFlow](cfg.FlowTTL, cache.WithSliding[*service.ImportFlow]())
	a.closers = append(a.closers,
		func(context.Context) error { catalogCache.Stop(); return nil },
		func(context.Context) error { flowCache.Stop(); return nil },
	)

	// --- Job feed ---
	hub := jobfeed.NewHub(logger)
	if cfg.JobWatchMode == "poll" {
		a.watcher = jobfeed.NewPollWatcher(a.store, cfg.JobPollInterval, logger)
	} else {
		a.watcher = jobfeed.NewPushWatcher(hub, a.store)
	}

	// --- Services ---
	resolver := service.NewMappingResolver(a.store, a.metrics, logger)
	policy := service.NewReviewPolicy(cfg.InformationalPhrases)
	categorizer := service.NewCategorizer(resolver, classifier, a.store, catalogCache, a.metrics, logger)
	persister := service.NewPersister(a.store, a.store, resolver, policy, a.metrics, logger)
	a.notifier = service.NewNotifier(a.store, logger)
	a.sweeper = service.NewSweeper(a.store, cfg.NotificationSweepInterval, cfg.NotificationMaxAge, logger)
	a.runner = service.NewJobRunner(a.store, categorizer, persister, hub, a.notifier, cfg.MaxConcurrency, a.metrics, logger)
	a.imports = service.NewOrchestrator(service.OrchestratorDeps{
		Flows:        flowCache,
		Transactions: a.store,
		Detector:     service.NewDetector(cfg.ReversalMarkers, cfg.PixCreditMarkers),
		Categorizer:  categorizer,
		Policy:       policy,
		Persister:    persister,
		Jobs:         a.runner,
		Watcher:      a.watcher,
		Notifier:     a.notifier,
		Metrics:      a.metrics,
		Logger:       logger,
	})

	return a, nil
}

func (a *app) router() http.Handler {
	return handler.NewRouter(handler.Deps{
		Imports:       a.imports,
		Jobs:          a.runner,
		Watcher:       a.watcher,
		Notifications: a.notifier,
		Checks: map[string]handler.HealthCheck{
			"supabase": a.store.Ping,
		},
		Metrics: a.metrics,
		Logger:  a.logger,
	})
}

// close releases resources in reverse order of creation.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
