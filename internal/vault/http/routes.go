package vaulthttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/tokenvault/vault/internal/shared"
)

const (
	mutationLimit  = 30
	mutationWindow = time.Minute
)

// MountRoutes registers the vault API on r.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(mutationLimit, mutationWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Get("/version", h.handleVersion)
	r.Get("/summary", h.handleSummary)
	r.Get("/accounts/{principal}", h.handleAccount)
	r.Get("/yield/rate", h.handleGetYieldRate)
	r.Get("/withdrawals/delay", h.handleGetWithdrawalDelay)
	r.Get("/withdrawals/{principal}", h.handleWithdrawalRequest)
	r.Get("/roles/{role}", h.handleRoleMembers)
	r.Get("/roles/{role}/{principal}", h.handleHasRole)

	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.With(h.idempotent("deposit")).Post("/deposit", h.handleDeposit)
		gr.Post("/yield/claim", h.handleClaimYield)
		gr.Put("/yield/rate", h.handleSetYieldRate)
		gr.Post("/deposits/pause", h.handlePause)
		gr.Post("/deposits/unpause", h.handleUnpause)
		gr.Put("/withdrawals/delay", h.handleSetWithdrawalDelay)
		gr.With(h.idempotent("withdrawal_request")).Post("/withdrawals/request", h.handleRequestWithdrawal)
		gr.With(h.idempotent("withdrawal_execute")).Post("/withdrawals/execute", h.handleExecuteWithdrawal)
		gr.With(h.idempotent("withdrawal_emergency")).Post("/withdrawals/emergency", h.handleEmergencyWithdraw)
		gr.Post("/roles/grant", h.handleGrantRole)
		gr.Post("/roles/revoke", h.handleRevokeRole)
		gr.Post("/upgrade", h.handleUpgrade)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if principal := strings.TrimSpace(shared.PrincipalFromContext(r.Context())); principal != "" {
		return "principal:" + principal, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
