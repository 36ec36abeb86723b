package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainfund/ledgercore/service/chain"
	"github.com/chainfund/ledgercore/service/config"
	"github.com/chainfund/ledgercore/service/db"
	"github.com/chainfund/ledgercore/service/metrics"
	natspkg "github.com/chainfund/ledgercore/service/nats"
	"github.com/chainfund/ledgercore/service/pricing"
	"github.com/chainfund/ledgercore/service/registry"
	"github.com/chainfund/ledgercore/service/scan"
	"github.com/chainfund/ledgercore/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize database store and apply schema
	store := db.NewStore(dbPool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	store.WithMetrics(metricsCollector)

	// Start metrics HTTP server
	metricsAddr := getEnv("METRICS_ADDR", ":9091")
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// Initialize chain adapters from config
	adapters, err := buildAdapters(cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build chain adapters", "error", err)
		os.Exit(1)
	}
	logger.Info("initialized chain adapters", "chains", adapters.Chains())

	// Initialize NATS publisher
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	natsPublisher.WithMetrics(metricsCollector)
	defer natsPublisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Initialize price oracle if configured
	var oracle pricing.Oracle
	if cfg.PriceOracleURL != "" {
		oracle = pricing.NewHTTPOracle(cfg.PriceOracleURL)
		logger.Info("initialized price oracle", "url", cfg.PriceOracleURL)
	}

	// Initialize wallet registry and scan engine
	reg := registry.New(store, logger)

	scanSettings := make(map[string]scan.ChainSettings, len(cfg.Chains))
	for name, cc := range cfg.Chains {
		scanSettings[name] = scan.ChainSettings{
			Decimals:        int(cc.Decimals),
			Lookback:        cc.ScanLookback,
			MaxBlocksPerRun: cc.MaxBlocksPerRun,
		}
	}
	scanner := scan.New(scan.Config{
		Adapters:           adapters,
		Settings:           scanSettings,
		Store:              store,
		Wallets:            reg,
		Publisher:          natsPublisher,
		Oracle:             oracle,
		Metrics:            metricsCollector,
		Logger:             logger,
		LeaseTTL:           cfg.ScanLeaseTTL,
		CheckpointInterval: cfg.ScanCheckpointInterval,
	})

	// Initialize Temporal client for schedule management
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	// Ensure every configured chain has a scan schedule at the configured
	// interval. Upsert so interval changes take effect on redeploy.
	for name := range cfg.Chains {
		if err := temporalClient.UpsertChainScanSchedule(ctx, name, cfg.ScanInterval); err != nil {
			logger.Error("failed to upsert scan schedule", "chain", name, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("scan schedules ensured", "chains", len(cfg.Chains), "interval", cfg.ScanInterval)

	// Initialize Temporal worker
	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Scanner:           scanner,
		Metrics:           metricsCollector,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"chains", adapters.Chains(),
		"temporal_host", cfg.TemporalHost,
		"temporal_namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		logger.Info("stopping temporal worker")
		worker.Stop()
		logger.Info("temporal worker stopped")

		logger.Info("shutdown complete")
	}
}

// buildAdapters constructs one chain adapter per configured chain, each
// backed by an endpoint pool with the chain's credential strategy.
func buildAdapters(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (chain.Set, error) {
	adapters := make(chain.Set, len(cfg.Chains))

	for name, cc := range cfg.Chains {
		// Solana speaks its own RPC dialect through a dedicated client.
		if name == "solana" {
			adapters[name] = chain.NewSolanaAdapter(name, chain.NewSolanaRPCClients(cc.RPCURLs), cc.MinConfirmations)
			continue
		}

		auth := chain.AuthStrategy{
			Kind:  chain.AuthKind(cc.Auth.Kind),
			Name:  cc.Auth.Name,
			Value: cc.Auth.Value,
		}
		if cc.Auth.Kind == "none" {
			auth = chain.AuthStrategy{}
		}

		endpoints := make([]chain.Endpoint, len(cc.RPCURLs))
		for i, u := range cc.RPCURLs {
			endpoints[i] = chain.Endpoint{URL: u, Auth: auth}
		}

		pool, err := chain.NewPool(chain.PoolConfig{
			Chain:     name,
			Endpoints: endpoints,
			Metrics:   m,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}

		switch name {
		case "ethereum":
			adapters[name] = chain.NewEVMAdapter(name, pool, cc.MinConfirmations)
		case "bitcoin":
			adapters[name] = chain.NewUTXOAdapter(name, pool, cc.MinConfirmations, int(cc.Decimals))
		case "cosmos":
			adapters[name] = chain.NewCosmosAdapter(name, pool, cc.MinConfirmations, cc.Denom)
		case "polkadot":
			adapters[name] = chain.NewSubstrateAdapter(name, pool, cc.MinConfirmations)
		case "stellar":
			adapters[name] = chain.NewStellarAdapter(name, pool, cc.MinConfirmations)
		case "tron":
			adapters[name] = chain.NewTronAdapter(name, pool, cc.MinConfirmations)
		default:
			return nil, fmt.Errorf("no adapter for chain %q", name)
		}
	}

	return adapters, nil
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// getEnv returns the value of an environment variable or a default if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
