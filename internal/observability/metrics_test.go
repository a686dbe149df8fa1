package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/vault/internal/vault"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveEvent(vault.Event{Kind: vault.EventDeposited, Amount: vault.NewAmount(1)})

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "vault_events_total")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := metricsRR.Body.String()
	assert.True(t, strings.Contains(body, `vault_http_requests_total{code="418",route="/test"} 1`), body)
	assert.True(t, strings.Contains(body, `vault_http_request_duration_seconds_bucket{route="/test"`), body)
}

func TestObserveEventTracksLedgerActivity(t *testing.T) {
	metrics := NewMetrics()

	metrics.ObserveEvent(vault.Event{Kind: vault.EventDeposited, Amount: vault.NewAmount(100)})
	metrics.ObserveEvent(vault.Event{Kind: vault.EventDeposited, Amount: vault.NewAmount(50)})
	metrics.ObserveEvent(vault.Event{Kind: vault.EventWithdrawalExecuted, Amount: vault.NewAmount(30)})
	metrics.ObserveEvent(vault.Event{Kind: vault.EventUpgradeAuthorized, Version: vault.V3})
	metrics.ObserveEvent(vault.Event{Kind: vault.EventDepositsPaused})

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.events.WithLabelValues(string(vault.EventDeposited))))
	assert.Equal(t, float64(150), testutil.ToFloat64(metrics.transferred.WithLabelValues("in")))
	assert.Equal(t, float64(30), testutil.ToFloat64(metrics.transferred.WithLabelValues("out")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.logicVersion))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.depositsPaused))

	metrics.ObserveSummary(vault.Summary{LogicVersion: vault.V2, SchemaVersion: vault.V2})
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.schemaVersion))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.depositsPaused))
}

func TestNilMetricsAreInert(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveEvent(vault.Event{Kind: vault.EventDeposited})

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
