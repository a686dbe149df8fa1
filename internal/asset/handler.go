package asset

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tokenvault/vault/internal/platform/httpx"
	"github.com/tokenvault/vault/internal/vault"
)

var errorMappings = []httpx.ErrorMapping{
	{Target: ErrInsufficientFunds, Status: http.StatusUnprocessableEntity, Title: "Insufficient Funds"},
	{Target: ErrInsufficientAllowance, Status: http.StatusUnprocessableEntity, Title: "Insufficient Allowance"},
	{Target: ErrInvalidHolder, Status: http.StatusBadRequest, Title: "Invalid Holder"},
	{Target: vault.ErrOverflow, Status: http.StatusUnprocessableEntity, Title: "Overflow"},
}

// Handler serves a Token over HTTP. It is the remote counterpart of Client.
type Handler struct {
	logger    *slog.Logger
	token     *Token
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, token *Token) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, token: token, validator: validator.New()}
}

// MountRoutes registers the token routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transfer", h.handleTransfer)
	r.Post("/transfer-from", h.handleTransferFrom)
	r.Post("/approve", h.handleApprove)
	r.Post("/mint", h.handleMint)
	r.Get("/balances/{holder}", h.handleBalance)
	r.Get("/allowances/{owner}/{spender}", h.handleAllowance)
}

type transferRequest struct {
	Spender string       `json:"spender,omitempty"`
	From    string       `json:"from" validate:"required"`
	To      string       `json:"to" validate:"required"`
	Amount  vault.Amount `json:"amount"`
}

type approveRequest struct {
	Owner   string       `json:"owner" validate:"required"`
	Spender string       `json:"spender" validate:"required"`
	Amount  vault.Amount `json:"amount"`
}

type mintRequest struct {
	Holder string       `json:"holder" validate:"required"`
	Amount vault.Amount `json:"amount"`
}

type balanceResponse struct {
	Holder  string       `json:"holder"`
	Balance vault.Amount `json:"balance"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.token.Transfer(r.Context(), vault.Principal(req.From), vault.Principal(req.To), req.Amount); err != nil {
		h.fail(w, "transfer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Spender == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "spender is required")
		return
	}
	err := h.token.TransferFrom(r.Context(), vault.Principal(req.Spender), vault.Principal(req.From), vault.Principal(req.To), req.Amount)
	if err != nil {
		h.fail(w, "transfer from", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.token.Approve(r.Context(), vault.Principal(req.Owner), vault.Principal(req.Spender), req.Amount); err != nil {
		h.fail(w, "approve", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.token.Mint(r.Context(), vault.Principal(req.Holder), req.Amount); err != nil {
		h.fail(w, "mint", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	holder := chi.URLParam(r, "holder")
	balance, err := h.token.BalanceOf(r.Context(), vault.Principal(holder))
	if err != nil {
		h.fail(w, "balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{Holder: holder, Balance: balance})
}

func (h *Handler) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, spender := chi.URLParam(r, "owner"), chi.URLParam(r, "spender")
	allowance, err := h.token.Allowance(r.Context(), vault.Principal(owner), vault.Principal(spender))
	if err != nil {
		h.fail(w, "allowance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"owner": owner, "spender": spender, "allowance": allowance})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs[0].Error())
			return false
		}
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Debug("asset operation rejected", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err, errorMappings...)
}
