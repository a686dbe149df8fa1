package app

import (
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/tokenvault/vault/internal/jobs"
	"github.com/tokenvault/vault/internal/observability"
	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/internal/vault"
	"github.com/tokenvault/vault/jobs"
)

// WorkerParams groups what the background worker schedules against.
type WorkerParams struct {
	Config  *Config
	Logger  *slog.Logger
	Vault   *vault.Vault
	Redis   *redis.Client
	Metrics *observability.Metrics
	// Pruner is nil for the memory store, which keeps no idempotency keys.
	Pruner jobs.KeyPruner
}

// WorkerConfig assembles the vault task handlers and their cron schedule.
func WorkerConfig(p WorkerParams) (jobs.WorkerConfig, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// A nil registerer selects the process-wide job metrics.
	var jm *jobmetrics.Metrics
	if p.Metrics != nil {
		jm = jobmetrics.NewMetrics(p.Metrics.Registerer())
	} else {
		jm = jobmetrics.NewMetrics(nil)
	}

	integrity := jobs.NewIntegrityJob(p.Vault, logger, jm)
	if p.Metrics != nil {
		integrity.Observer = p.Metrics
	}
	if p.Redis != nil {
		integrity.Locker = shared.NewLocker(p.Redis)
	}
	matured := jobs.NewMaturedWithdrawalsJob(p.Vault, logger, jm)

	integrityTask, err := jobs.NewIntegrityTask("cron")
	if err != nil {
		return jobs.WorkerConfig{}, err
	}
	cfg := jobs.WorkerConfig{
		RedisOpts:   p.Config.AsynqRedisOpt(),
		Logger:      logger,
		Concurrency: p.Config.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskVaultIntegrity, Handler: integrity.Handle},
			{Type: jobs.TaskMaturedWithdrawals, Handler: matured.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: p.Config.IntegritySchedule, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: p.Config.MaturitySchedule, Task: jobs.NewMaturedWithdrawalsTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	}

	if p.Pruner != nil {
		cleanupTask, err := jobs.NewIdempotencyCleanupTask(p.Config.IdempotencyRetention)
		if err != nil {
			return jobs.WorkerConfig{}, err
		}
		cleanup := jobs.NewIdempotencyCleanupJob(p.Pruner, logger, jm)
		cfg.Handlers = append(cfg.Handlers, jobs.TaskHandler{Type: jobs.TaskIdempotencyCleanup, Handler: cleanup.Handle})
		cfg.Cron = append(cfg.Cron, jobs.CronRegistration{Spec: p.Config.IdempotencySchedule, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}
	return cfg, nil
}
