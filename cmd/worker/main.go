package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tokenvault/vault/internal/app"
	"github.com/tokenvault/vault/internal/observability"
	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()
	if infra.Redis == nil {
		return errors.New("worker: redis is required")
	}
	if cfg.Store == app.StoreMemory {
		logger.Warn("worker attached to a private memory store; scans will not see API state")
	}

	metrics := observability.NewMetrics()
	rt, err := app.BuildVault(ctx, cfg, logger, app.VaultOptions{Pool: infra.Pool, Observer: metrics})
	if err != nil {
		return err
	}

	params := app.WorkerParams{Config: cfg, Logger: logger, Vault: rt.Vault, Redis: infra.Redis, Metrics: metrics}
	if infra.Pool != nil {
		params.Pruner = shared.NewIdempotencyStore(infra.Pool)
	}
	workerCfg, err := app.WorkerConfig(params)
	if err != nil {
		return err
	}
	worker, err := jobs.NewWorker(workerCfg)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
