package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/batchtx/service/address"
	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/config"
	"github.com/brojonat/batchtx/service/db"
	"github.com/brojonat/batchtx/service/instructions"
	"github.com/brojonat/batchtx/service/metrics"
	natspkg "github.com/brojonat/batchtx/service/nats"
	"github.com/brojonat/batchtx/service/server"
	"github.com/brojonat/batchtx/service/solana"
	"github.com/brojonat/batchtx/service/temporal"
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
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	defaults, err := cfg.BatchOptions()
	if err != nil {
		logger.Error("invalid batch defaults", "error", err)
		os.Exit(1)
	}

	// Initialize Solana client
	// Note: For premium RPC endpoints, include API key in the URL
	endpoint, err := solana.SelectRandomEndpoint(cfg.RPCEndpoints())
	if err != nil {
		logger.Error("failed to select RPC endpoint", "error", err)
		os.Exit(1)
	}
	ledger := solana.NewClient(
		solana.NewRPCClient(endpoint),
		solana.EndpointLabel(endpoint),
		metricsCollector,
		logger,
		solana.WithCommitment(solana.ParseCommitment(cfg.SolanaCommitment)),
	)
	logger.Info("initialized solana RPC client",
		"endpoint", solana.EndpointLabel(endpoint),
		"total_endpoints", len(cfg.RPCEndpoints()),
		"commitment", cfg.SolanaCommitment,
	)

	resolver := address.NewResolver(cfg.CurveProgramID, cfg.PoolProgramID)
	builder := instructions.NewBuilder(resolver, ledger, logger)
	batcher := batch.NewBatcher(builder, resolver, ledger, cfg.Signers, metricsCollector, logger)
	logger.Info("initialized batcher",
		"signers", cfg.Signers.Len(),
		"default_signer", defaults.DefaultSigner.String(),
	)

	// Optional dependencies stay nil interfaces when unconfigured.
	var (
		store     server.ResultStore
		publisher server.ResultPublisher
		workflows server.BatchStarter
	)

	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		dbStore := db.NewStore(dbPool, metricsCollector)
		if err := dbStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		store = dbStore
		logger.Info("connected to database")
	}

	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
	}

	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("temporal unavailable, async submission disabled", "error", err)
	} else {
		defer temporalClient.Close()
		workflows = temporalClient
	}

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, batcher, cfg.Signers, defaults, store, publisher, workflows, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"audit_store", store != nil,
		"result_events", publisher != nil,
		"async", workflows != nil,
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
