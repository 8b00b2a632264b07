// cmd/registryd/main.go
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SoulRegistry/soul-registry-go/internal/challenge"
	"github.com/SoulRegistry/soul-registry-go/internal/config"
	"github.com/SoulRegistry/soul-registry-go/internal/registry"
	"github.com/SoulRegistry/soul-registry-go/internal/server"
	"github.com/SoulRegistry/soul-registry-go/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	engine := registry.NewEngine(store, logger)
	challenges := challenge.NewManager(store, engine, logger)

	handler, err := server.New(cfg, store, engine, challenges, logger)
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           server.NewMetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	rootCtx, stopSweep := context.WithCancel(context.Background())
	go sweepLoop(rootCtx, challenges, cfg.SweepInterval, logger)

	go func() {
		logger.Info("registryd starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("metrics listener starting", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("shutdown complete")
	}
}

// buildStore selects the storage backend: PostgreSQL when a DSN is
// configured (with migrations applied), in-memory otherwise.
func buildStore(cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabaseDSN == "" {
		logger.Info("using in-memory store")
		return storage.NewMemory(), nil
	}
	store, err := storage.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if db, ok := store.(interface{ DB() *sql.DB }); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := storage.MigratePostgres(ctx, db.DB()); err != nil {
			return nil, err
		}
	}
	logger.Info("using postgres store")
	return store, nil
}

// sweepLoop garbage-collects expired pending challenges on a fixed cadence
// until ctx is cancelled.
func sweepLoop(ctx context.Context, challenges *challenge.Manager, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := challenges.Sweep(ctx); err != nil {
				logger.Warn("challenge sweep failed", "error", err)
			}
		}
	}
}
