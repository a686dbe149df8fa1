package vaulthttp

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokenvault/vault/internal/platform/httpx"
	"github.com/tokenvault/vault/internal/vault"
)

func (h *Handler) handleSetYieldRate(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "set_yield_rate", err)
		return
	}
	var req yieldRateRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, "set_yield_rate", err)
		return
	}
	if err := h.ledger.SetYieldRate(r.Context(), caller, *req.Bps); err != nil {
		h.fail(w, r, "set_yield_rate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "pause_deposits", err)
		return
	}
	if err := h.ledger.PauseDeposits(r.Context(), caller); err != nil {
		h.fail(w, r, "pause_deposits", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUnpause(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "unpause_deposits", err)
		return
	}
	if err := h.ledger.UnpauseDeposits(r.Context(), caller); err != nil {
		h.fail(w, r, "unpause_deposits", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetWithdrawalDelay(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "set_withdrawal_delay", err)
		return
	}
	var req delayRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, "set_withdrawal_delay", err)
		return
	}
	if err := h.ledger.SetWithdrawalDelay(r.Context(), caller, time.Duration(*req.Seconds)*time.Second); err != nil {
		h.fail(w, r, "set_withdrawal_delay", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, "grant_role", h.ledger.GrantRole)
}

func (h *Handler) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, "revoke_role", h.ledger.RevokeRole)
}

type roleChange func(ctx context.Context, caller vault.Principal, role vault.Role, principal vault.Principal) error

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request, op string, apply roleChange) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	var req roleRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, op, err)
		return
	}
	role, err := vault.ParseRole(req.Role)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	if err := apply(r.Context(), caller, role, vault.Principal(req.Principal)); err != nil {
		h.fail(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHasRole(w http.ResponseWriter, r *http.Request) {
	role, err := vault.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		h.fail(w, r, "has_role", err)
		return
	}
	principal := principalParam(r)
	granted, err := h.ledger.HasRole(r.Context(), role, principal)
	if err != nil {
		h.fail(w, r, "has_role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, roleResponse{Role: string(role), Principal: string(principal), Granted: granted})
}

func (h *Handler) handleRoleMembers(w http.ResponseWriter, r *http.Request) {
	role, err := vault.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		h.fail(w, r, "role_members", err)
		return
	}
	members, err := h.ledger.RoleMembers(r.Context(), role)
	if err != nil {
		h.fail(w, r, "role_members", err)
		return
	}
	out := roleMembersResponse{Role: string(role), Members: make([]string, 0, len(members))}
	for _, m := range members {
		out.Members = append(out.Members, string(m))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "upgrade", err)
		return
	}
	var req upgradeRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, "upgrade", err)
		return
	}
	impl, err := vault.NewImplementation(vault.Version(req.Version))
	if err != nil {
		h.fail(w, r, "upgrade", err)
		return
	}
	if err := h.ledger.Upgrade(r.Context(), caller, impl); err != nil {
		h.fail(w, r, "upgrade", err)
		return
	}
	h.handleVersion(w, r)
}
