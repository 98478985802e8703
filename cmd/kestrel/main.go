// Kestrel - Staged fraud prevention for claims and transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/casestore"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scheduler"
	"github.com/opensource-finance/kestrel/internal/scorer"
	"github.com/opensource-finance/kestrel/internal/stream"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to a YAML config file")
	cluster := flag.Bool("cluster", os.Getenv("KESTREL_MODE") == "cluster", "start from the multi-instance defaults")
	flag.Parse()

	// Load configuration
	load := config.Load
	if *cluster {
		load = config.LoadCluster
	}
	cfg, err := load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	slog.SetDefault(telemetry.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"scorer", cfg.Scorer.Type,
		"async", cfg.Pipeline.Async,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Prevention rules: stored set first, then the optional rule file
	ruleStore := rules.NewStore(repo)
	if err := ruleStore.Load(ctx); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if cfg.Rules.File != "" {
		rs, err := rules.LoadFile(cfg.Rules.File)
		if err != nil {
			return err
		}
		if _, err := ruleStore.Replace(ctx, rs); err != nil {
			return fmt.Errorf("applying rule file %s: %w", cfg.Rules.File, err)
		}
	}
	slog.Info("rule store initialized", "version", ruleStore.Snapshot().Version)

	// Case store, rebuilt from persisted cases
	cases := casestore.New(repo)
	n, err := cases.Hydrate(ctx)
	if err != nil {
		return fmt.Errorf("hydrating case store: %w", err)
	}
	slog.Info("case store initialized", "cases", n)

	detector, err := rules.NewPatternDetector(cfg.Pipeline.ComplexPattern)
	if err != nil {
		return fmt.Errorf("compiling complex pattern: %w", err)
	}

	p := pipeline.New(pipeline.Deps{
		Cases:     cases,
		Scorer:    newScorer(cfg, cacheImpl),
		Analysis:  analysis.NewProcessor(cfg.Pipeline.AnalysisThreshold, detector),
		Engine:    rules.NewEngine(ruleStore),
		Events:    repo,
		Cache:     cacheImpl,
		Velocity:  velocity.NewService(cacheImpl, cfg.Pipeline.VelocityWindow),
		Bus:       busImpl,
		DedupeTTL: cfg.Pipeline.AssessmentTTL,
	})

	coord := review.NewCoordinator(cases, repo, busImpl, cfg.Learning)
	if err := coord.Load(ctx); err != nil {
		return fmt.Errorf("loading learning state: %w", err)
	}

	agg := metrics.NewAggregator(cases)
	reg, httpMetrics := metrics.NewRegistry(metrics.NewCollector(agg, coord))

	// Async worker consumes submitted events and rule change notices
	var asyncWorker *worker.Worker
	if cfg.Pipeline.Async || cfg.EventBus.Type != "channel" {
		asyncWorker = worker.NewWorker(busImpl, p, ruleStore)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Pipeline.Workers}); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
		slog.Info("async worker started", "concurrency", cfg.Pipeline.Workers)
	}

	hub := stream.NewHub(stream.DefaultConfig())
	if err := hub.Start(ctx, busImpl); err != nil {
		return fmt.Errorf("starting stream hub: %w", err)
	}
	defer hub.Close()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(time.Minute)
		jobs := []scheduler.Job{
			scheduler.RuleSync(cfg.Scheduler.RuleSync, ruleStore),
			scheduler.StaleRecovery(cfg.Scheduler.StaleRecovery, cfg.Pipeline.StaleAfter, p),
		}
		for _, job := range jobs {
			if err := sched.Add(job); err != nil {
				return fmt.Errorf("scheduling %s: %w", job.Name, err)
			}
		}
		sched.Start()
		slog.Info("scheduler started", "jobs", len(sched.Jobs()))
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Pipeline:   p,
		Cases:      cases,
		Rules:      ruleStore,
		Review:     coord,
		Aggregator: agg,
		Bus:        busImpl,
		Checks: map[string]api.Pinger{
			"repository": repo,
			"cache":      cacheImpl,
			"event_bus":  busImpl,
		},
		Stream:         hub,
		MetricsHandler: metrics.Handler(reg),
		HTTPMetrics:    httpMetrics,
		Async:          cfg.Pipeline.Async,
		Version:        Version,
	})

	// Start Server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	// Wait for shutdown signal or a server failure
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	return serveErr
}

// newScorer builds the scorer chain: adapter, bounded retries, assessment cache.
func newScorer(cfg *domain.Config, c domain.Cache) domain.RiskScorer {
	var base domain.RiskScorer
	switch cfg.Scorer.Type {
	case "http":
		base = scorer.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)
	default:
		base = scorer.NewPayloadScorer()
	}
	retrying := scorer.NewRetrying(base, scorer.PolicyFromConfig(cfg.Pipeline.Retry))
	return scorer.NewCached(retrying, c, cfg.Pipeline.AssessmentTTL)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL  staged fraud prevention")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Mode:     %s\n", mode(cfg))
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /events                - Submit a claim or transaction")
	fmt.Println("    GET   /cases                 - List cases")
	fmt.Println("    GET   /cases/{id}            - Get a case")
	fmt.Println("    POST  /cases/{id}/override   - Override an automated prevention")
	fmt.Println("    POST  /cases/{id}/approve    - Approve prevention after investigation")
	fmt.Println("    POST  /cases/{id}/release    - Release a case")
	fmt.Println("    GET   /summary               - Prevention metrics")
	fmt.Println("    GET   /learning              - Feedback counters")
	fmt.Println("    GET   /rules                 - Prevention rules")
	fmt.Println("    PATCH /rules/{name}          - Update a rule")
	fmt.Println("    POST  /rules/reload          - Reload rules from storage")
	fmt.Println("    GET   /stream                - Live case notices (websocket)")
	fmt.Println("    GET   /metrics               - Prometheus metrics")
	fmt.Println("    GET   /health                - Health check")
	fmt.Println()
}

func mode(cfg *domain.Config) string {
	if cfg.Pipeline.Async {
		return "async"
	}
	return "inline"
}
