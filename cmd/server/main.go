package main

import (
	"context"
	"fmt"
	"log/slog"
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
	"github.com/chainfund/ledgercore/service/server"
	"github.com/chainfund/ledgercore/service/verify"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"chains", len(cfg.Chains),
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

	// Initialize wallet registry
	reg := registry.New(store, logger)

	// Initialize claim verification engine
	chainInfo := make(map[string]verify.ChainInfo, len(cfg.Chains))
	for name, cc := range cfg.Chains {
		chainInfo[name] = verify.ChainInfo{Decimals: int(cc.Decimals)}
	}
	verifier := verify.NewEngine(adapters, chainInfo, store, reg, natsPublisher, oracle, metricsCollector, logger)

	// Initialize scanner for API-triggered scan runs
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

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, cfg, store, reg, verifier, scanner, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"chains", adapters.Chains(),
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
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
