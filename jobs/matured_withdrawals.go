package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tokenvault/vault/internal/jobs"
	"github.com/tokenvault/vault/internal/vault"
)

// MaturityScanner lists executable timelocked withdrawals.
type MaturityScanner interface {
	MaturedWithdrawals(ctx context.Context) ([]vault.MaturedWithdrawal, error)
}

// MaturedWithdrawalsJob publishes the backlog of withdrawals whose delay has
// elapsed. Execution stays with the account owner.
type MaturedWithdrawalsJob struct {
	Vault   MaturityScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMaturedWithdrawalsJob initialises the maturity scan handler.
func NewMaturedWithdrawalsJob(v MaturityScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *MaturedWithdrawalsJob {
	return &MaturedWithdrawalsJob{Vault: v, Logger: logger, Metrics: metrics}
}

// Handle executes the maturity scan.
func (j *MaturedWithdrawalsJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Vault == nil {
		return errors.New("matured withdrawals: handler not configured")
	}
	tracker := j.metrics().Track(TaskMaturedWithdrawals)
	defer func() { err = tracker.End(err) }()

	logger := j.logger()
	matured, err := j.Vault.MaturedWithdrawals(ctx)
	switch {
	case errors.Is(err, vault.ErrUnsupported), errors.Is(err, vault.ErrNotInitialized):
		// Timelocks do not exist before generation 3.
		j.metrics().SetMaturedWithdrawals(0)
		return nil
	case err != nil:
		logger.Error("maturity scan failed", slog.Any("error", err))
		return err
	}

	j.metrics().SetMaturedWithdrawals(len(matured))
	if len(matured) > 0 {
		logger.Info("matured withdrawals awaiting execution",
			slog.Int("count", len(matured)),
			slog.Time("oldest_ready_at", matured[0].ReadyAt),
		)
	}
	return nil
}

func (j *MaturedWithdrawalsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMaturedWithdrawals))
	}
	return slog.Default().With(slog.String("job", TaskMaturedWithdrawals))
}

func (j *MaturedWithdrawalsJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
