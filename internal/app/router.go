package app

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tokenvault/vault/internal/asset"
	"github.com/tokenvault/vault/internal/observability"
	"github.com/tokenvault/vault/internal/platform/httpx"
	vaulthttp "github.com/tokenvault/vault/internal/vault/http"
	"github.com/tokenvault/vault/jobs"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	VaultHandler *vaulthttp.Handler
	AssetHandler *asset.Handler
	JobHandler   *jobs.Handler
	Metrics      *observability.Metrics
	Readiness    map[string]ReadinessCheck
}

// NewRouter constructs the chi.Router with vault defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(params.Logger, params.Readiness))

	if params.VaultHandler != nil {
		r.Route("/v1", params.VaultHandler.MountRoutes)
	}
	// The in-process token is a development aid; production talks to a
	// remote asset service.
	if params.AssetHandler != nil && !params.Config.IsProduction() {
		r.Route("/asset", params.AssetHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

func readinessHandler(logger *slog.Logger, checks map[string]ReadinessCheck) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("check", name), slog.Any("error", err))
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		httpx.JSON(w, status, results)
	}
}
