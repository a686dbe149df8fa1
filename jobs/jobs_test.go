package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/tokenvault/vault/internal/jobs"
	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/internal/vault"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeVault struct {
	report  vault.IntegrityReport
	summary vault.Summary
	matured []vault.MaturedWithdrawal
	err     error
	checks  int
}

func (f *fakeVault) CheckIntegrity(context.Context) (vault.IntegrityReport, error) {
	f.checks++
	return f.report, f.err
}

func (f *fakeVault) Summary(context.Context) (vault.Summary, error) { return f.summary, nil }

func (f *fakeVault) MaturedWithdrawals(context.Context) ([]vault.MaturedWithdrawal, error) {
	return f.matured, f.err
}

type recordingObserver struct{ seen []vault.Summary }

func (r *recordingObserver) ObserveSummary(s vault.Summary) { r.seen = append(r.seen, s) }

func newMetrics(t *testing.T) (*jobmetrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return jobmetrics.NewMetrics(reg), reg
}

func integrityTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := NewIntegrityTask("test")
	require.NoError(t, err)
	return task
}

func TestIntegrityJobCountsViolations(t *testing.T) {
	metrics, reg := newMetrics(t)
	fv := &fakeVault{
		report:  vault.IntegrityReport{TotalDeposits: vault.NewAmount(10), SumOfBalances: vault.NewAmount(9), Accounts: 2},
		summary: vault.Summary{LogicVersion: vault.V2},
	}
	observer := &recordingObserver{}
	job := NewIntegrityJob(fv, discard, metrics)
	job.Observer = observer

	require.NoError(t, job.Handle(context.Background(), integrityTask(t)))

	expected := `
# HELP vault_integrity_violations_total Ledger integrity violations detected by the integrity scan.
# TYPE vault_integrity_violations_total counter
vault_integrity_violations_total{kind="total_deposits"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "vault_integrity_violations_total"))
	require.Len(t, observer.seen, 1)
	assert.Equal(t, vault.V2, observer.seen[0].LogicVersion)
}

func TestIntegrityJobConsistentLedger(t *testing.T) {
	metrics, reg := newMetrics(t)
	fv := &fakeVault{report: vault.IntegrityReport{TotalDeposits: vault.NewAmount(5), SumOfBalances: vault.NewAmount(5)}}
	require.NoError(t, NewIntegrityJob(fv, discard, metrics).Handle(context.Background(), integrityTask(t)))

	count, err := testutil.GatherAndCount(reg, "vault_integrity_violations_total")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIntegrityJobSkipsUndeployedVault(t *testing.T) {
	metrics, _ := newMetrics(t)
	fv := &fakeVault{err: vault.ErrNotInitialized}
	require.NoError(t, NewIntegrityJob(fv, discard, metrics).Handle(context.Background(), integrityTask(t)))
}

func TestIntegrityJobRejectsMalformedPayload(t *testing.T) {
	job := NewIntegrityJob(&fakeVault{}, discard, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskVaultIntegrity, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestIntegrityJobHonoursLock(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewLocker(client)

	release, err := locker.Acquire(context.Background(), shared.JobLockKey(TaskVaultIntegrity), time.Minute)
	require.NoError(t, err)

	fv := &fakeVault{}
	metrics, _ := newMetrics(t)
	job := NewIntegrityJob(fv, discard, metrics)
	job.Locker = locker
	require.NoError(t, job.Handle(context.Background(), integrityTask(t)))
	assert.Zero(t, fv.checks, "held lock skips the scan")

	require.NoError(t, release(context.Background()))
	require.NoError(t, job.Handle(context.Background(), integrityTask(t)))
	assert.Equal(t, 1, fv.checks)
	assert.False(t, server.Exists(shared.JobLockKey(TaskVaultIntegrity)), "lock released after run")
}

func TestMaturedWithdrawalsJobPublishesGauge(t *testing.T) {
	metrics, reg := newMetrics(t)
	ready := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	fv := &fakeVault{matured: []vault.MaturedWithdrawal{
		{Principal: "alice", ReadyAt: ready},
		{Principal: "bob", ReadyAt: ready.Add(time.Hour)},
	}}
	job := NewMaturedWithdrawalsJob(fv, discard, metrics)
	require.NoError(t, job.Handle(context.Background(), NewMaturedWithdrawalsTask()))

	expected := `
# HELP vault_matured_withdrawals Pending withdrawal requests whose timelock has elapsed.
# TYPE vault_matured_withdrawals gauge
vault_matured_withdrawals 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "vault_matured_withdrawals"))

	fv.matured, fv.err = nil, vault.ErrUnsupported
	require.NoError(t, job.Handle(context.Background(), NewMaturedWithdrawalsTask()))
	expected = strings.Replace(expected, "vault_matured_withdrawals 2", "vault_matured_withdrawals 0", 1)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "vault_matured_withdrawals"))

	fv.err = errors.New("store down")
	require.Error(t, job.Handle(context.Background(), NewMaturedWithdrawalsTask()))
}

type fakePruner struct{ retention time.Duration }

func (f *fakePruner) Cleanup(_ context.Context, olderThan time.Duration) error {
	f.retention = olderThan
	return nil
}

func TestIdempotencyCleanupJob(t *testing.T) {
	pruner := &fakePruner{}
	job := NewIdempotencyCleanupJob(pruner, discard, nil)

	task, err := NewIdempotencyCleanupTask(72 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 72*time.Hour, pruner.retention)

	err = job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte(`{"retention_seconds":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return f.info, f.err }

func TestHealthEndpoint(t *testing.T) {
	serve := func(h *Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		h.MountRoutes(r)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		return rr
	}

	rr := serve(NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}, discard))
	require.Equal(t, http.StatusOK, rr.Code)
	var body queueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, queueHealth{Queue: QueueDefault, Pending: 3, Retry: 1}, body)

	rr = serve(NewHandler(fakeInspector{err: errors.New("redis down")}, discard))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = serve(NewHandler(nil, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"}})
	require.Error(t, err)

	server := miniredis.RunT(t)
	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: server.Addr()},
		Logger:    discard,
		Handlers:  []TaskHandler{{Type: TaskMaturedWithdrawals, Handler: NewMaturedWithdrawalsJob(&fakeVault{}, discard, nil).Handle}},
		Cron:      []CronRegistration{{Spec: "@every 1m", Task: NewMaturedWithdrawalsTask()}},
	})
	require.NoError(t, err)
	require.NotNil(t, w)
}
