package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskVaultIntegrity verifies the running deposit total against balances.
	TaskVaultIntegrity = "vault:integrity"
	// TaskMaturedWithdrawals counts executable timelocked withdrawals.
	TaskMaturedWithdrawals = "vault:withdrawals:matured"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "vault:idempotency:cleanup"
)

// IntegrityPayload configures an integrity scan.
type IntegrityPayload struct {
	// Trigger records who asked for the scan, "cron" for scheduled runs.
	Trigger string `json:"trigger"`
}

// IdempotencyCleanupPayload configures key pruning.
type IdempotencyCleanupPayload struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

// NewIntegrityTask constructs the integrity scan task.
func NewIntegrityTask(trigger string) (*asynq.Task, error) {
	data, err := json.Marshal(IntegrityPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVaultIntegrity, data), nil
}

// NewMaturedWithdrawalsTask constructs the maturity scan task.
func NewMaturedWithdrawalsTask() *asynq.Task {
	return asynq.NewTask(TaskMaturedWithdrawals, nil)
}

// NewIdempotencyCleanupTask constructs the key pruning task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionSeconds: int64(retention / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
