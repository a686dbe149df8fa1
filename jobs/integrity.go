package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tokenvault/vault/internal/jobs"
	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/internal/vault"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IntegrityChecker exposes the read side of a vault the integrity scan needs.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) (vault.IntegrityReport, error)
	Summary(ctx context.Context) (vault.Summary, error)
}

// SummaryObserver receives instance-wide state after each scan.
type SummaryObserver interface {
	ObserveSummary(summary vault.Summary)
}

// Locker serialises periodic jobs across worker processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// IntegrityJob verifies that the running deposit total equals the sum of
// account balances.
type IntegrityJob struct {
	Vault    IntegrityChecker
	Locker   Locker
	Observer SummaryObserver
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	LockTTL  time.Duration
}

// NewIntegrityJob initialises the integrity scan handler.
func NewIntegrityJob(v IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{Vault: v, Logger: logger, Metrics: metrics, LockTTL: time.Minute}
}

// Handle executes the integrity scan.
func (j *IntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Vault == nil {
		return errors.New("integrity: handler not configured")
	}
	var payload IntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskVaultIntegrity)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.String("trigger", payload.Trigger))
	release, err := acquire(ctx, j.Locker, TaskVaultIntegrity, j.LockTTL)
	if errors.Is(err, shared.ErrLockHeld) {
		logger.Info("integrity scan already running elsewhere")
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	report, err := j.Vault.CheckIntegrity(ctx)
	if errors.Is(err, vault.ErrNotInitialized) {
		logger.Info("vault not deployed, skipping integrity scan")
		return nil
	}
	if err != nil {
		logger.Error("integrity scan failed", slog.Any("error", err))
		return err
	}
	if !report.Consistent() {
		logger.Error("ledger integrity violation",
			slog.String("total_deposits", report.TotalDeposits.String()),
			slog.String("sum_of_balances", report.SumOfBalances.String()),
			slog.Int("accounts", report.Accounts),
		)
		j.metrics().AddIntegrityViolations("total_deposits", 1)
	}

	if j.Observer != nil {
		summary, err := j.Vault.Summary(ctx)
		if err != nil {
			logger.Warn("summary refresh failed", slog.Any("error", err))
		} else {
			j.Observer.ObserveSummary(summary)
		}
	}

	logger.Info("completed integrity scan",
		slog.Int("accounts", report.Accounts),
		slog.Bool("consistent", report.Consistent()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *IntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskVaultIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskVaultIntegrity))
}

func (j *IntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

// acquire takes the job lock when a locker is configured. The returned
// release never fails the job.
func acquire(ctx context.Context, locker Locker, job string, ttl time.Duration) (func(), error) {
	if locker == nil {
		return func() {}, nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	release, err := locker.Acquire(ctx, shared.JobLockKey(job), ttl)
	if err != nil {
		return nil, err
	}
	return func() {
		_ = release(context.WithoutCancel(ctx))
	}, nil
}
