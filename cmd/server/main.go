package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/api"
	"github.com/noesis-ai/noesis/internal/config"
	"github.com/noesis-ai/noesis/internal/embedding"
	"github.com/noesis-ai/noesis/internal/store"
)

// Exit codes: 0 clean shutdown, 2 bad configuration, 3 persistence
// unreachable, 4 embedding provider unreachable (unless DEGRADED_OK).
const (
	exitBadConfig            = 2
	exitStorageUnreachable   = 3
	exitEmbeddingUnreachable = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.Load(); err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return exitBadConfig
	}

	dbURL := config.DatabaseURL()
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		return exitBadConfig
	}

	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Error("invalid DATABASE_URL", zap.Error(err))
		return exitBadConfig
	}
	poolCfg.MinConns = int32(config.DBPoolMin())
	poolCfg.MaxConns = int32(config.DBPoolMax())
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return exitStorageUnreachable
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", zap.Error(err))
		return exitStorageUnreachable
	}
	logger.Info("connected to database")

	if err := store.EnsureSchema(ctx, pool, config.EmbeddingDim()); err != nil {
		logger.Error("failed to ensure schema", zap.Error(err))
		return exitStorageUnreachable
	}

	embedClient, err := embedding.NewClient(config.EmbeddingProvider(), config.EmbeddingAPIKey(), config.EmbeddingDim())
	if err != nil {
		logger.Error("embedding client initialization failed",
			zap.String("provider", config.EmbeddingProvider()), zap.Error(err))
		return exitBadConfig
	}

	// Probe the provider once so misconfiguration fails fast. With
	// DEGRADED_OK the process starts anyway and serves hash embeddings.
	probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
	_, probeErr := embedClient.Embed(probeCtx, "startup probe")
	probeCancel()
	if probeErr != nil {
		if !config.DegradedOK() {
			logger.Error("embedding provider unreachable", zap.Error(probeErr))
			return exitEmbeddingUnreachable
		}
		logger.Warn("embedding provider unreachable, starting degraded", zap.Error(probeErr))
	}

	app, err := api.NewApp(pool, embedClient, logger)
	if err != nil {
		logger.Error("failed to assemble application", zap.Error(err))
		return exitBadConfig
	}

	app.Consolidation.Start()

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		app.Consolidation.Stop()
		return 1
	case <-quit:
	}
	logger.Info("shutting down server")

	app.Consolidation.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}
