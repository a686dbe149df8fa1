package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/vault/internal/asset"
	"github.com/tokenvault/vault/internal/observability"
	"github.com/tokenvault/vault/internal/vault"
	vaulthttp "github.com/tokenvault/vault/internal/vault/http"
	"github.com/tokenvault/vault/jobs"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("VAULT_ADMIN", "root")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "TKN", cfg.AssetSymbol)
	assert.Equal(t, "vault", cfg.CustodyAccount)
	assert.Equal(t, 60, cfg.RateLimit)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInconsistentSettings(t *testing.T) {
	t.Setenv("VAULT_ADMIN", "")
	_, err := LoadConfig()
	require.Error(t, err, "auto deploy needs an admin")

	t.Setenv("VAULT_ADMIN", "root")
	t.Setenv("VAULT_STORE", "sqlite")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "VAULT_STORE")

	t.Setenv("VAULT_STORE", StoreMemory)
	t.Setenv("VAULT_ENV", "production")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "production requires")

	t.Setenv("VAULT_ENV", "development")
	t.Setenv("VAULT_INITIAL_YIELD_BPS", "20000")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "VAULT_INITIAL_YIELD_BPS")
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json"}, &buf).Info("hello")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Contains(t, entry, "source")

	buf.Reset()
	newLogger(&Config{LogFormat: "pretty"}, &buf).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv(TestModeEnv, "1")
	RefreshTestMode()
	assert.True(t, InTestMode())
	t.Setenv(TestModeEnv, "0")
	RefreshTestMode()
	assert.False(t, InTestMode())
}

func testConfig() *Config {
	return &Config{
		Env:            "development",
		Store:          StoreMemory,
		AssetSymbol:    "TKN",
		CustodyAccount: "vault",
		AutoDeploy:     true,
		Admin:          "root",
		RateLimit:      1000,
		LogFormat:      "text",

		IntegritySchedule:    "@every 5m",
		MaturitySchedule:     "@every 1m",
		IdempotencySchedule:  "@hourly",
		IdempotencyRetention: time.Hour,
	}
}

func TestBuildVaultDeploysIntoEmptyMemoryStore(t *testing.T) {
	rt, err := BuildVault(context.Background(), testConfig(), nil, VaultOptions{})
	require.NoError(t, err)
	require.True(t, rt.Deployed)
	require.NotNil(t, rt.Token)

	ok, err := rt.Vault.HasRole(context.Background(), vault.RoleAdmin, "root")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuildVaultWithoutDeployment(t *testing.T) {
	cfg := testConfig()
	cfg.AutoDeploy = false
	_, err := BuildVault(context.Background(), cfg, nil, VaultOptions{})
	require.ErrorIs(t, err, vault.ErrNotInitialized)

	cfg.Store = StorePostgres
	_, err = BuildVault(context.Background(), cfg, nil, VaultOptions{})
	require.Error(t, err)
}

func TestRouterServesVaultAPIWithPrincipalHeader(t *testing.T) {
	cfg := testConfig()
	rt, err := BuildVault(context.Background(), cfg, nil, VaultOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rt.Token.Mint(ctx, "alice", vault.NewAmount(100)))
	require.NoError(t, rt.Token.Approve(ctx, "alice", "vault", vault.NewAmount(100)))

	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Config:       cfg,
		VaultHandler: vaulthttp.NewHandler(nil, rt.Vault, nil),
		AssetHandler: asset.NewHandler(nil, rt.Token),
		Metrics:      metrics,
		Readiness: map[string]ReadinessCheck{
			"store": func(context.Context) error { return nil },
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/deposit", strings.NewReader(`{"amount":"40"}`))
	req.Header.Set(PrincipalHeader, "alice")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/asset/balances/vault", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"balance":"40"`)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `vault_http_requests_total{code="201",route="/v1/deposit"} 1`)
}

func TestReadinessReportsFailingChecks(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: testConfig(),
		Readiness: map[string]ReadinessCheck{
			"postgres": func(context.Context) error { return errors.New("down") },
			"redis":    func(context.Context) error { return nil },
		},
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"postgres":"unavailable","redis":"ok"}`, rr.Body.String())
}

func TestProductionHidesAssetRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	router := NewRouter(RouterParams{Config: cfg, AssetHandler: asset.NewHandler(nil, asset.NewToken("TKN"))})

	req := httptest.NewRequest(http.MethodGet, "/asset/balances/alice", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOpenInfraMemoryStoreWithRedis(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = server.Addr()

	infra, err := OpenInfra(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer infra.Close()
	assert.Nil(t, infra.Pool)
	require.NotNil(t, infra.Redis)

	checks := infra.Readiness()
	require.Contains(t, checks, "redis")
	assert.NotContains(t, checks, "postgres")
	require.NoError(t, checks["redis"](context.Background()))
	assert.Equal(t, server.Addr(), cfg.AsynqRedisOpt().Addr)
}

func TestOpenInfraToleratesMissingRedis(t *testing.T) {
	cfg := testConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	infra, err := OpenInfra(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer infra.Close()
	assert.Nil(t, infra.Redis)
	assert.Empty(t, infra.Readiness())
}

type stubPruner struct{}

func (stubPruner) Cleanup(context.Context, time.Duration) error { return nil }

func TestWorkerConfigSchedulesVaultJobs(t *testing.T) {
	cfg := testConfig()
	rt, err := BuildVault(context.Background(), cfg, nil, VaultOptions{})
	require.NoError(t, err)

	wc, err := WorkerConfig(WorkerParams{Config: cfg, Vault: rt.Vault, Metrics: observability.NewMetrics()})
	require.NoError(t, err)
	types := make([]string, 0, len(wc.Handlers))
	for _, h := range wc.Handlers {
		types = append(types, h.Type)
	}
	assert.Equal(t, []string{jobs.TaskVaultIntegrity, jobs.TaskMaturedWithdrawals}, types)
	require.Len(t, wc.Cron, 2)
	assert.Equal(t, "@every 5m", wc.Cron[0].Spec)

	wc, err = WorkerConfig(WorkerParams{Config: cfg, Vault: rt.Vault, Metrics: observability.NewMetrics(), Pruner: stubPruner{}})
	require.NoError(t, err)
	require.Len(t, wc.Handlers, 3)
	assert.Equal(t, jobs.TaskIdempotencyCleanup, wc.Cron[2].Task.Type())
}

func TestLoadConfigWithOverrideRunsBeforeValidation(t *testing.T) {
	t.Setenv("VAULT_ADMIN", "")
	cfg, err := LoadConfigWith(func(cfg *Config) { cfg.AutoDeploy = false })
	require.NoError(t, err)
	assert.False(t, cfg.AutoDeploy)
}
