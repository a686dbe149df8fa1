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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/tokenvault/vault/internal/app"
	"github.com/tokenvault/vault/internal/asset"
	"github.com/tokenvault/vault/internal/observability"
	"github.com/tokenvault/vault/internal/shared"
	vaulthttp "github.com/tokenvault/vault/internal/vault/http"
	"github.com/tokenvault/vault/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("vaultd", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	metrics := observability.NewMetrics()
	rt, err := app.BuildVault(ctx, cfg, logger, app.VaultOptions{Pool: infra.Pool, Observer: metrics})
	if err != nil {
		return err
	}
	if summary, err := rt.Vault.Summary(ctx); err == nil {
		metrics.ObserveSummary(summary)
	}

	var idempotency vaulthttp.IdempotencyStore
	if infra.Pool != nil {
		idempotency = shared.NewIdempotencyStore(infra.Pool)
	}

	params := app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		VaultHandler: vaulthttp.NewHandler(logger, rt.Vault, idempotency),
		Metrics:      metrics,
		Readiness:    infra.Readiness(),
	}
	if rt.Token != nil {
		params.AssetHandler = asset.NewHandler(logger, rt.Token)
	}
	if infra.Redis != nil {
		inspector := asynq.NewInspector(cfg.AsynqRedisOpt())
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		params.JobHandler = jobs.NewHandler(inspector, logger)
	}

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      app.NewRouter(params),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.Addr), slog.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
