package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/tokenvault/vault/internal/app"
	"github.com/tokenvault/vault/jobs"
)

// JobQueue is the queue surface vaultctl drives.
type JobQueue interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name with default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := taskFor(name)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
}

func taskFor(name string) (*asynq.Task, error) {
	switch name {
	case jobs.TaskVaultIntegrity, "integrity":
		return jobs.NewIntegrityTask("vaultctl")
	case jobs.TaskMaturedWithdrawals, "matured":
		return jobs.NewMaturedWithdrawalsTask(), nil
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

func newJobsCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}
	withQueue := func(cmd *cobra.Command, fn func(JobQueue) error) error {
		cfg, err := app.LoadConfigWith(func(cfg *app.Config) { cfg.AutoDeploy = false })
		if err != nil {
			return WrapExitError(ExitCommandError, "load config", err)
		}
		queue, err := root.Jobs(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = queue.Close() }()
		return fn(queue)
	}

	cmd.AddCommand(&cobra.Command{
		Use:       "trigger <integrity|matured>",
		Short:     "Enqueue a job immediately",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"integrity", "matured"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(queue JobQueue) error {
				info, err := queue.Trigger(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "trigger", err)
				}
				result := map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue}
				return render(cmd.OutOrStdout(), root.Format, result, func(w io.Writer) {
					fmt.Fprintf(w, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show default queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(queue JobQueue) error {
				stats, err := queue.InspectQueue(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "stats", err)
				}
				return render(cmd.OutOrStdout(), root.Format, stats, func(w io.Writer) {
					fmt.Fprintf(w, "%s: pending=%d active=%d scheduled=%d retry=%d\n",
						stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
				})
			})
		},
	})
	return cmd
}
