package vaulthttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/tokenvault/vault/internal/platform/db"
	"github.com/tokenvault/vault/internal/platform/httpx"
	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/internal/vault"
)

// Ledger is the vault surface served over HTTP.
type Ledger interface {
	Deposit(ctx context.Context, caller vault.Principal, amount vault.Amount) error
	Account(ctx context.Context, principal vault.Principal) (vault.Account, error)
	Summary(ctx context.Context) (vault.Summary, error)
	CurrentVersion(ctx context.Context) (vault.Version, error)
	LogicVersion(ctx context.Context) (vault.Version, error)

	ClaimYield(ctx context.Context, caller vault.Principal) (vault.Amount, error)
	PendingYield(ctx context.Context, principal vault.Principal) (vault.Amount, error)
	SetYieldRate(ctx context.Context, caller vault.Principal, bps uint32) error
	GetYieldRate(ctx context.Context) (uint32, error)
	PauseDeposits(ctx context.Context, caller vault.Principal) error
	UnpauseDeposits(ctx context.Context, caller vault.Principal) error

	SetWithdrawalDelay(ctx context.Context, caller vault.Principal, delay time.Duration) error
	GetWithdrawalDelay(ctx context.Context) (time.Duration, error)
	RequestWithdrawal(ctx context.Context, caller vault.Principal, amount vault.Amount) error
	GetWithdrawalRequest(ctx context.Context, principal vault.Principal) (vault.WithdrawalRequest, bool, error)
	ExecuteWithdrawal(ctx context.Context, caller vault.Principal) (vault.Amount, error)
	EmergencyWithdraw(ctx context.Context, caller vault.Principal) (vault.Amount, error)

	HasRole(ctx context.Context, role vault.Role, principal vault.Principal) (bool, error)
	RoleMembers(ctx context.Context, role vault.Role) ([]vault.Principal, error)
	GrantRole(ctx context.Context, caller vault.Principal, role vault.Role, principal vault.Principal) error
	RevokeRole(ctx context.Context, caller vault.Principal, role vault.Role, principal vault.Principal) error

	Upgrade(ctx context.Context, caller vault.Principal, impl *vault.Vault) error
}

// IdempotencyStore records processed Idempotency-Key values.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, scope string) error
	Release(ctx context.Context, key, scope string) error
}

// Handler wires the vault JSON API.
type Handler struct {
	logger      *slog.Logger
	ledger      Ledger
	idempotency IdempotencyStore
	validator   *validator.Validate
	summaries   singleflight.Group
}

// NewHandler constructs a Handler. idempotency may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(logger *slog.Logger, ledger Ledger, idempotency IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		ledger:      ledger,
		idempotency: idempotency,
		validator:   validator.New(),
	}
}

var errorMappings = []httpx.ErrorMapping{
	{Target: shared.ErrPrincipalMissing, Status: http.StatusUnauthorized, Title: "Principal Missing"},
	{Target: shared.ErrIdempotencyConflict, Status: http.StatusConflict, Title: "Duplicate Request"},
	{Target: shared.ErrIdempotencyKeyInvalid, Status: http.StatusBadRequest, Title: "Invalid Idempotency Key"},
	{Target: vault.ErrUnauthorized, Status: http.StatusForbidden, Title: "Forbidden"},
	{Target: vault.ErrOverflow, Status: http.StatusUnprocessableEntity, Title: "Overflow"},
	{Target: vault.ErrInvalidArgument, Status: http.StatusBadRequest, Title: "Invalid Argument"},
	{Target: vault.ErrInsufficientBalance, Status: http.StatusUnprocessableEntity, Title: "Insufficient Balance"},
	{Target: vault.ErrDepositsPaused, Status: http.StatusConflict, Title: "Deposits Paused"},
	{Target: vault.ErrRequestAlreadyPending, Status: http.StatusConflict, Title: "Request Already Pending"},
	{Target: vault.ErrNoPendingRequest, Status: http.StatusConflict, Title: "No Pending Request"},
	{Target: vault.ErrWithdrawalNotReady, Status: http.StatusTooEarly, Title: "Withdrawal Not Ready"},
	{Target: vault.ErrReentrantCall, Status: http.StatusConflict, Title: "Reentrant Call"},
	{Target: vault.ErrNotInitialized, Status: http.StatusConflict, Title: "Not Initialized"},
	{Target: vault.ErrAlreadyInitialized, Status: http.StatusConflict, Title: "Already Initialized"},
	{Target: vault.ErrUnsupported, Status: http.StatusConflict, Title: "Unsupported Operation"},
	{Target: vault.ErrIncompatibleImplementation, Status: http.StatusUnprocessableEntity, Title: "Incompatible Implementation"},
	{Target: vault.ErrTransferFailed, Status: http.StatusBadGateway, Title: "Transfer Failed"},
	{Target: vault.ErrUnsettled, Status: http.StatusServiceUnavailable, Title: "Settlement Pending"},
	{Target: db.ErrSerialization, Status: http.StatusConflict, Title: "Concurrent Update"},
}

// isBusiness reports expected outcomes, which are logged at debug only.
func isBusiness(err error) bool {
	for _, m := range errorMappings {
		if errors.Is(err, m.Target) {
			return true
		}
	}
	return errors.Is(err, httpx.ErrValidation)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if isBusiness(err) {
		h.logger.DebugContext(r.Context(), "vault request rejected", slog.String("op", op), slog.Any("error", err))
	} else {
		h.logger.ErrorContext(r.Context(), "vault request failed", slog.String("op", op), slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorMappings...)
}

func (h *Handler) caller(r *http.Request) (vault.Principal, error) {
	p := vault.Principal(shared.PrincipalFromContext(r.Context()))
	if !p.Valid() {
		return "", shared.ErrPrincipalMissing
	}
	return p, nil
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return errors.Join(httpx.ErrValidation, fieldErrs[0])
		}
		return errors.Join(httpx.ErrValidation, err)
	}
	return nil
}

// summary collapses concurrent summary reads into one ledger call.
func (h *Handler) summary(ctx context.Context) (vault.Summary, error) {
	ch := h.summaries.DoChan("summary", func() (any, error) {
		return h.ledger.Summary(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return vault.Summary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return vault.Summary{}, res.Err
		}
		return res.Val.(vault.Summary), nil
	}
}

type idempotencyRecorder struct {
	http.ResponseWriter
	status int
}

func (r *idempotencyRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// idempotent claims the Idempotency-Key header before running next and
// releases it when the request does not succeed.
func (h *Handler) idempotent(module string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if h.idempotency == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scope := "vault:" + module + ":" + shared.PrincipalFromContext(r.Context())
			if err := h.idempotency.Reserve(r.Context(), key, scope); err != nil {
				h.fail(w, r, module, err)
				return
			}
			rec := &idempotencyRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusBadRequest {
				if err := h.idempotency.Release(context.WithoutCancel(r.Context()), key, scope); err != nil {
					h.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", err))
				}
			}
		})
	}
}

func principalParam(r *http.Request) vault.Principal {
	return vault.Principal(chi.URLParam(r, "principal"))
}
