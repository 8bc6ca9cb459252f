// Package main is the entry point for the conductor daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/internal/cachestats"
	"conductor/internal/config"
	"conductor/internal/confidence"
	"conductor/internal/crag"
	"conductor/internal/domain"
	"conductor/internal/maintenance"
	"conductor/internal/orchestrator"
	"conductor/internal/provider"
	"conductor/internal/quality"
	"conductor/internal/resilience"
	"conductor/internal/retrieval"
	"conductor/internal/routing"
	"conductor/internal/routing/health"
	"conductor/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	queryText := flag.String("query", "", "Run one completion for this query and exit")
	tenantID := flag.String("tenant", "demo", "Tenant id used with -query")
	streamMode := flag.Bool("stream", false, "Stream the -query completion chunk by chunk")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)

	slogger := telemetry.NewSlog(cfg.Telemetry.LogFormat, cfg.Telemetry.LogLevel)
	slog.SetDefault(slogger)
	logger := telemetry.WrapSlog(slogger)

	slog.Info("starting conductor",
		"config", *configPath,
		"crag_enabled", cfg.CRAG.Enabled,
		"retrieval_provider", cfg.Retrieval.Provider,
	)

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		slog.Error("invalid model catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("model catalog loaded", "models", len(registry.All()))

	// Cache statistics, warm-started from the sqlite store when configured.
	tracker := cachestats.NewTracker()
	var store *cachestats.Store
	if cfg.Stats.StorePath != "" {
		store, err = cachestats.OpenStore(cfg.Stats.StorePath)
		if err != nil {
			slog.Warn("cache stats persistence disabled", "path", cfg.Stats.StorePath, "error", err)
			store = nil
		} else {
			defer store.Close()
			warmStart(store, tracker)
		}
	}

	healthTracker := health.NewTracker(metrics)

	gateway := provider.NewGateway(registry, tracker, healthTracker, metrics, logger)
	if n := registerBackends(cfg, gateway); n == 0 {
		slog.Warn("no backends registered; completions will fail until one is configured")
	}

	router := routing.NewRouter(registry, nil, routing.Options{
		PreferCheaperModels: cfg.Routing.PreferCheaperModels,
		LogDecisions:        cfg.Routing.LogDecisions,
		AvgInputTokens:      cfg.Savings.AvgInputTokens,
		AvgOutputTokens:     cfg.Savings.AvgOutputTokens,
	}, logger, metrics)

	breaker := resilience.NewCircuitBreaker(cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerInterval, metrics, logger)
	evaluator := confidence.NewEvaluator(cfg.Confidence)
	executor := resilience.NewExecutor(gateway, evaluator, breaker, cfg.Resilience, metrics, logger)

	pipeline, cleanup := buildPipeline(cfg, executor, metrics, logger)
	if cleanup != nil {
		defer cleanup()
	}

	svc := orchestrator.New(cfg, router, executor, pipeline, evaluator, tracker, store, metrics, logger)

	if *queryText != "" {
		err := runQuery(svc, *queryText, *tenantID, *streamMode)
		if store != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if ferr := store.Flush(flushCtx, tracker.SnapshotAll()); ferr != nil {
				slog.Warn("final stats flush failed", "error", ferr)
			}
			cancel()
		}
		if err != nil {
			slog.Error("completion failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := maintenance.New(cfg.Maintenance, tracker, store, healthTracker, logger)
	if err := scheduler.Start(); err != nil {
		slog.Error("maintenance scheduler failed to start", "error", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Telemetry.Metrics && cfg.Telemetry.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Telemetry.PrometheusPort),
			Handler: mux,
		}
		go func() {
			slog.Info("metrics server listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	// Watch the config file so operational edits are picked up without a
	// restart. Structural changes (backends, model catalog) need one anyway.
	watcher, werr := config.NewWatcher(*configPath, slogger)
	if werr != nil {
		slog.Warn("config watcher disabled", "error", werr)
	} else {
		go func() {
			err := watcher.Watch(ctx, func(next *config.Config) {
				slog.Info("configuration reloaded; backend and catalog changes apply on restart",
					"crag_enabled", next.CRAG.Enabled,
					"caching_enabled", next.Caching.Enabled,
				)
			})
			if err != nil && ctx.Err() == nil {
				slog.Warn("config watcher stopped", "error", err)
			}
		}()
		defer watcher.Stop()
	}

	slog.Info("conductor ready",
		"backends", gateway.Backends(),
		"metrics_port", cfg.Telemetry.PrometheusPort,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig.String())
	cancel()

	scheduler.Stop()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
		shutdownCancel()
	}

	slog.Info("conductor stopped")
}

// registerBackends installs one client per enabled, credentialed backend and
// reports how many came up.
func registerBackends(cfg *config.Config, gateway *provider.Gateway) int {
	n := 0

	if cfg.Backends.Anthropic.Enabled && cfg.Backends.Anthropic.APIKey != "" {
		gateway.Register(provider.NewAnthropicClient(
			cfg.Backends.Anthropic.APIKey,
			cfg.Backends.Anthropic.BaseURL,
			cfg.Backends.Anthropic.Version,
		))
		slog.Info("backend registered", "backend", "anthropic")
		n++
	}

	if cfg.Backends.OpenAI.Enabled && cfg.Backends.OpenAI.APIKey != "" {
		gateway.Register(provider.NewOpenAIClient(
			cfg.Backends.OpenAI.APIKey,
			cfg.Backends.OpenAI.OrgID,
			cfg.Backends.OpenAI.BaseURL,
		))
		slog.Info("backend registered", "backend", "openai")
		n++
	}

	if cfg.Backends.Bedrock.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		client, err := provider.NewBedrockClient(ctx, cfg.Backends.Bedrock)
		cancel()
		if err != nil {
			slog.Warn("bedrock backend unavailable", "error", err)
		} else {
			gateway.Register(client)
			slog.Info("backend registered", "backend", "bedrock", "region", cfg.Backends.Bedrock.Region)
			n++
		}
	}

	return n
}

// warmStart restores persisted cache statistics into the tracker.
func warmStart(store *cachestats.Store, tracker *cachestats.Tracker) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snapshot, err := store.Load(ctx)
	if err != nil {
		slog.Warn("cache stats warm start failed", "error", err)
		return
	}
	if len(snapshot) > 0 {
		tracker.Seed(snapshot)
		slog.Info("cache stats restored", "tenants", len(snapshot))
	}
}

// buildPipeline assembles the corrective-retrieval pipeline. The cleanup
// function closes the retriever's database handle when one was opened.
func buildPipeline(cfg *config.Config, executor *resilience.Executor, metrics *telemetry.Metrics, logger telemetry.Logger) (*crag.Coordinator, func()) {
	if !cfg.CRAG.Enabled {
		return nil, nil
	}

	var retriever domain.Retriever
	var cleanup func()

	switch cfg.Retrieval.Provider {
	case "postgres":
		db, err := retrieval.OpenDB(cfg.Retrieval.Postgres)
		if err != nil {
			slog.Error("pgvector retriever unavailable, continuing without retrieval", "error", err)
			break
		}
		embedder := retrieval.NewEmbeddingClient(cfg.Retrieval.Embedding)
		retriever = retrieval.NewPostgresRetriever(db, embedder, logger)
		cleanup = func() { db.Close() }
		slog.Info("retriever ready", "provider", "postgres")
	case "memory":
		retriever = retrieval.NewMemoryRetriever()
		slog.Info("retriever ready", "provider", "memory")
	default:
		slog.Info("retrieval disabled; refinement and grounding degrade to direct synthesis")
	}

	var adapter *retrieval.Adapter
	if retriever != nil {
		adapter = retrieval.NewAdapter(retriever, metrics, logger)
	}

	var factChecker quality.FactChecker
	if cfg.Quality.FactCheckURL != "" {
		factChecker = quality.NewHTTPFactChecker(cfg.Quality)
		slog.Info("fact checker ready", "url", cfg.Quality.FactCheckURL)
	}
	checker := quality.NewChecker(cfg.Quality, factChecker, metrics, logger)

	return crag.NewCoordinator(cfg, executor, adapter, checker, metrics, logger), cleanup
}

// runQuery executes one completion from the command line and prints the
// answer to stdout with a short accounting trailer on stderr.
func runQuery(svc *orchestrator.Service, text, tenant string, stream bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := domain.Request{Query: domain.Query{Text: text, TenantID: tenant}}

	if stream {
		events, err := svc.StreamComplete(ctx, req)
		if err != nil {
			return err
		}
		for ev := range events {
			switch ev := ev.(type) {
			case domain.TextChunk:
				fmt.Print(ev.Text)
			case domain.CompletionEvent:
				fmt.Println()
				printTrailer(ev.Result)
			case domain.ErrorEvent:
				return ev.Err
			}
		}
		return nil
	}

	result, err := svc.Complete(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(result.Content)
	printTrailer(result)
	return nil
}

func printTrailer(result *domain.CompletionResult) {
	fmt.Fprintf(os.Stderr, "--\nmodel=%s backend=%s cost_usd=%.6f complexity=%s confidence=%s\n",
		result.ModelID, result.Backend, result.Usage.CostUSD,
		result.Metadata["complexity"], result.Metadata["confidence_level"])
}
