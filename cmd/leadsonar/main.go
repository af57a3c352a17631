// Command leadsonar runs the CRM lead sync and semantic search server.
//
// The MCP interface is served over stdio, so all logging goes to stderr and
// nothing else may write to stdout. Operational HTTP endpoints (healthz,
// readyz, statusz, metrics) are served on a separate listener when
// server.ops_addr is configured.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/leadsonar/leadsonar/internal/cluster"
	"github.com/leadsonar/leadsonar/internal/config"
	"github.com/leadsonar/leadsonar/internal/crm"
	"github.com/leadsonar/leadsonar/internal/crm/odoo"
	"github.com/leadsonar/leadsonar/internal/health"
	"github.com/leadsonar/leadsonar/internal/lead"
	mcpserver "github.com/leadsonar/leadsonar/internal/mcp"
	"github.com/leadsonar/leadsonar/internal/observe"
	"github.com/leadsonar/leadsonar/internal/resilience"
	"github.com/leadsonar/leadsonar/internal/semantic"
	"github.com/leadsonar/leadsonar/internal/syncer"
	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
	oaembed "github.com/leadsonar/leadsonar/pkg/provider/embeddings/openai"
	"github.com/leadsonar/leadsonar/pkg/provider/embeddings/voyage"
	"github.com/leadsonar/leadsonar/pkg/vector"
	"github.com/leadsonar/leadsonar/pkg/vector/pgvector"
	"github.com/leadsonar/leadsonar/pkg/vector/qdrant"
)

// version is set at build time via -ldflags.
var version = "dev"

// defaultCollection is used when vector.collection is not configured.
const defaultCollection = "leads"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("leadsonar", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "leadsonar: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "leadsonar: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("leadsonar starting",
		"version", version,
		"config", *configPath,
		"ops_addr", cfg.Server.OpsAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "leadsonar",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Circuit breakers ──────────────────────────────────────────────────────
	// One breaker per remote dependency path. The vector breaker is shared by
	// sync, search, and clustering; the CRM path carries its own.
	vectorBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "vector",
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.Breaker.ResetTimeout,
	})
	crmBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "crm",
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.Breaker.ResetTimeout,
	})
	for name, b := range map[string]*resilience.CircuitBreaker{
		"vector": vectorBreaker,
		"crm":    crmBreaker,
	} {
		if err := observe.RegisterBreakerGauge(otel.GetMeterProvider(), name, func() int64 {
			return int64(b.State())
		}); err != nil {
			slog.Warn("failed to register breaker gauge", "breaker", name, "err", err)
		}
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinFactories(reg)

	// ── Embedding provider ────────────────────────────────────────────────────
	rawProvider, err := reg.CreateEmbeddings(cfg.Embeddings)
	if err != nil {
		slog.Error("failed to create embedding provider", "name", cfg.Embeddings.Provider, "err", err)
		return 1
	}
	// The vector breaker guards both sides of the vector/embedding path, so
	// embedding failures and index failures trip and observe the same breaker.
	provider := embeddings.Guard(rawProvider, vectorBreaker)
	slog.Info("embedding provider ready",
		"name", cfg.Embeddings.Provider,
		"model", provider.ModelID(),
		"dimensions", provider.Dimensions(),
	)

	// ── Vector index ──────────────────────────────────────────────────────────
	vecCfg := cfg.Vector
	if vecCfg.Collection == "" {
		vecCfg.Collection = defaultCollection
	}
	rawIndex, err := reg.CreateBackend(ctx, vecCfg, provider.Dimensions())
	if err != nil {
		slog.Error("failed to create vector backend", "backend", vecCfg.Backend, "err", err)
		return 1
	}
	index := vector.Guard(rawIndex, vectorBreaker)
	slog.Info("vector backend ready", "backend", vecCfg.Backend, "collection", vecCfg.Collection)

	// ── CRM client ────────────────────────────────────────────────────────────
	crmOpts := []odoo.Option{odoo.WithBreaker(crmBreaker)}
	if cfg.CRM.Timeout > 0 {
		crmOpts = append(crmOpts, odoo.WithTimeout(cfg.CRM.Timeout))
	}
	if cfg.CRM.Retries > 0 {
		crmOpts = append(crmOpts, odoo.WithRetries(cfg.CRM.Retries))
	}
	source, err := odoo.New(cfg.CRM.URL, cfg.CRM.Database, cfg.CRM.Username, cfg.CRM.APIKey, crmOpts...)
	if err != nil {
		slog.Error("failed to create CRM client", "err", err)
		return 1
	}

	// ── Core services ─────────────────────────────────────────────────────────
	state := syncer.NewState()
	orch := syncer.New(source, provider, index, state, syncOptions(cfg.Sync, logger)...)
	engine := cluster.NewEngine(index, provider, cluster.WithLogger(logger))
	search := semantic.New(provider, index, source, semantic.WithLogger(logger))
	status := health.NewStatus(index, provider, state, vectorBreaker, true)

	srv := mcpserver.New(search, orch, engine, status, version, logger)

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	})

	if cfg.Server.OpsAddr != "" {
		opsSrv := newOpsServer(cfg.Server.OpsAddr, index, source, provider, status)
		g.Go(func() error {
			slog.Info("ops server listening", "addr", cfg.Server.OpsAddr)
			if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return opsSrv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("server ready")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Factory wiring ────────────────────────────────────────────────────────────

// registerBuiltinFactories wires the embedding providers and vector backends
// that ship with LeadSonar into reg.
func registerBuiltinFactories(reg *config.Registry) {
	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("voyage", func(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []voyage.Option
		if cfg.BaseURL != "" {
			opts = append(opts, voyage.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, voyage.WithDimensions(cfg.Dimensions))
		}
		return voyage.New(cfg.APIKey, cfg.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, oaembed.WithDimensions(cfg.Dimensions))
		}
		return oaembed.New(cfg.APIKey, cfg.Model, opts...)
	})

	// ── Vector backends ───────────────────────────────────────────────────────

	reg.RegisterBackend(config.BackendQdrant, func(_ context.Context, cfg config.VectorConfig, dimension int) (vector.Index, error) {
		var opts []qdrant.Option
		if cfg.APIKey != "" {
			opts = append(opts, qdrant.WithAPIKey(cfg.APIKey))
		}
		return qdrant.New(cfg.URL, cfg.Collection, dimension, opts...)
	})

	reg.RegisterBackend(config.BackendPgvector, func(ctx context.Context, cfg config.VectorConfig, dimension int) (vector.Index, error) {
		return pgvector.New(ctx, cfg.DSN, cfg.Collection, dimension)
	})
}

// syncOptions converts the sync config section into orchestrator options,
// leaving unset knobs at the pipeline defaults.
func syncOptions(sc config.SyncConfig, logger *slog.Logger) []syncer.Option {
	opts := []syncer.Option{syncer.WithLogger(logger)}
	if sc.PageSize > 0 {
		opts = append(opts, syncer.WithPageSize(sc.PageSize))
	}
	if sc.EmbedBatchSize > 0 {
		opts = append(opts, syncer.WithEmbedBatchSize(sc.EmbedBatchSize))
	}
	if sc.UpsertBatchSize > 0 {
		opts = append(opts, syncer.WithUpsertBatchSize(sc.UpsertBatchSize))
	}
	if sc.NarrativeWordCap > 0 || sc.NotesWordCap > 0 {
		caps := lead.TextCaps{Narrative: sc.NarrativeWordCap, Notes: sc.NotesWordCap}
		opts = append(opts, syncer.WithTextCaps(caps))
	}
	return opts
}

// ── Ops HTTP server ─────────────────────────────────────────────────────────

// newOpsServer builds the operational HTTP server: liveness and readiness
// probes, the vector status report, and Prometheus metrics.
func newOpsServer(addr string, index vector.Index, source crm.Source, provider embeddings.Provider, status *health.Status) *http.Server {
	checkers := []health.Checker{
		{
			Name: "vector-backend",
			Check: func(ctx context.Context) error {
				h := index.HealthCheck(ctx)
				if !h.Connected {
					return fmt.Errorf("backend unreachable: %s", h.Error)
				}
				return nil
			},
		},
		{
			Name: "crm",
			Check: func(ctx context.Context) error {
				_, err := source.Count(ctx, crm.Query{Limit: 1})
				return err
			},
		},
		{
			// Wiring check only. A probe embed on every readiness poll would
			// spend provider quota, so this reports configuration, not reachability.
			Name: "embeddings",
			Check: func(ctx context.Context) error {
				if provider == nil || provider.Dimensions() <= 0 {
					return errors.New("embedding provider not configured")
				}
				return nil
			},
		},
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	status.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
