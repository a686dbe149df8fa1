package vaulthttp

import (
	"errors"
	"net/http"
	"time"

	"github.com/tokenvault/vault/internal/platform/httpx"
	"github.com/tokenvault/vault/internal/vault"
)

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	schema, err := h.ledger.CurrentVersion(r.Context())
	if err != nil {
		h.fail(w, r, "version", err)
		return
	}
	logic, err := h.ledger.LogicVersion(r.Context())
	if err != nil {
		h.fail(w, r, "version", err)
		return
	}
	httpx.JSON(w, http.StatusOK, versionResponse{
		SchemaVersion: uint32(schema),
		LogicVersion:  uint32(logic),
		LatestVersion: uint32(vault.LatestVersion),
	})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.summary(r.Context())
	if err != nil {
		h.fail(w, r, "summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSummaryResponse(summary))
}

func (h *Handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	principal := principalParam(r)
	acct, err := h.ledger.Account(r.Context(), principal)
	if err != nil {
		h.fail(w, r, "account", err)
		return
	}
	resp := accountResponse{Principal: string(principal), Balance: acct.Balance}
	if !acct.LastAccrualAt.IsZero() {
		at := acct.LastAccrualAt
		resp.LastAccrualAt = &at
	}
	pending, err := h.ledger.PendingYield(r.Context(), principal)
	switch {
	case err == nil:
		resp.PendingYield = &pending
	case errors.Is(err, vault.ErrUnsupported), errors.Is(err, vault.ErrNotInitialized):
	default:
		h.fail(w, r, "account", err)
		return
	}
	if acct.Pending != nil {
		resp.Pending = &withdrawalResponse{Amount: acct.Pending.Amount, RequestedAt: acct.Pending.RequestedAt}
		if delay, err := h.ledger.GetWithdrawalDelay(r.Context()); err == nil {
			ready := acct.Pending.ReadyAt(delay)
			resp.Pending.ReadyAt = &ready
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "deposit", err)
		return
	}
	var req amountRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, "deposit", err)
		return
	}
	if err := h.ledger.Deposit(r.Context(), caller, req.Amount); err != nil {
		h.fail(w, r, "deposit", err)
		return
	}
	h.respondBalance(w, r, caller, http.StatusCreated)
}

func (h *Handler) handleClaimYield(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "claim_yield", err)
		return
	}
	claimed, err := h.ledger.ClaimYield(r.Context(), caller)
	if err != nil {
		h.fail(w, r, "claim_yield", err)
		return
	}
	httpx.JSON(w, http.StatusOK, amountResponse{Principal: string(caller), Amount: claimed})
}

func (h *Handler) handleGetYieldRate(w http.ResponseWriter, r *http.Request) {
	bps, err := h.ledger.GetYieldRate(r.Context())
	if err != nil {
		h.fail(w, r, "yield_rate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]uint32{"bps": bps})
}

func (h *Handler) handleGetWithdrawalDelay(w http.ResponseWriter, r *http.Request) {
	delay, err := h.ledger.GetWithdrawalDelay(r.Context())
	if err != nil {
		h.fail(w, r, "withdrawal_delay", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"seconds": int64(delay / time.Second)})
}

func (h *Handler) handleWithdrawalRequest(w http.ResponseWriter, r *http.Request) {
	principal := principalParam(r)
	req, ok, err := h.ledger.GetWithdrawalRequest(r.Context(), principal)
	if err != nil {
		h.fail(w, r, "withdrawal_request", err)
		return
	}
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	resp := withdrawalResponse{Amount: req.Amount, RequestedAt: req.RequestedAt}
	delay, err := h.ledger.GetWithdrawalDelay(r.Context())
	if err != nil {
		h.fail(w, r, "withdrawal_request", err)
		return
	}
	ready := req.ReadyAt(delay)
	resp.ReadyAt = &ready
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "request_withdrawal", err)
		return
	}
	var req amountRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, "request_withdrawal", err)
		return
	}
	if err := h.ledger.RequestWithdrawal(r.Context(), caller, req.Amount); err != nil {
		h.fail(w, r, "request_withdrawal", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleExecuteWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "execute_withdrawal", err)
		return
	}
	amount, err := h.ledger.ExecuteWithdrawal(r.Context(), caller)
	if err != nil {
		h.fail(w, r, "execute_withdrawal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, amountResponse{Principal: string(caller), Amount: amount})
}

func (h *Handler) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "emergency_withdraw", err)
		return
	}
	amount, err := h.ledger.EmergencyWithdraw(r.Context(), caller)
	if err != nil {
		h.fail(w, r, "emergency_withdraw", err)
		return
	}
	httpx.JSON(w, http.StatusOK, amountResponse{Principal: string(caller), Amount: amount})
}

func (h *Handler) respondBalance(w http.ResponseWriter, r *http.Request, principal vault.Principal, status int) {
	acct, err := h.ledger.Account(r.Context(), principal)
	if err != nil {
		h.fail(w, r, "account", err)
		return
	}
	httpx.JSON(w, status, amountResponse{Principal: string(principal), Amount: acct.Balance})
}
