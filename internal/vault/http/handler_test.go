package vaulthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/vault/internal/asset"
	"github.com/tokenvault/vault/internal/platform/httpx"
	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/internal/vault"
)

const (
	admin   vault.Principal = "admin"
	alice   vault.Principal = "alice"
	custody vault.Principal = "vault"
)

type stubIdempotency struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	deleted int
}

func (s *stubIdempotency) Reserve(_ context.Context, key, module string) error {
	if err := shared.ValidateIdempotencyKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = make(map[string]struct{})
	}
	id := module + "/" + key
	if _, ok := s.keys[id]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.keys[id] = struct{}{}
	return nil
}

func (s *stubIdempotency) Release(_ context.Context, key, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, module+"/"+key)
	s.deleted++
	return nil
}

type apiHarness struct {
	router http.Handler
	vault  *vault.Vault
	token  *asset.Token
	now    time.Time
	idem   *stubIdempotency
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	ctx := context.Background()
	token := asset.NewToken("TKN")
	require.NoError(t, token.Mint(ctx, alice, vault.NewAmount(1_000)))
	require.NoError(t, token.Approve(ctx, alice, custody, vault.NewAmount(1_000)))

	impl, err := vault.NewImplementation(vault.V1)
	require.NoError(t, err)
	v, err := vault.Deploy(ctx, impl, vault.Dependencies{
		Repo:  vault.NewMemoryRepository(),
		Asset: asset.NewCustody(token, custody),
	}, vault.InitParams{Asset: "TKN", Admin: admin})
	require.NoError(t, err)

	h := &apiHarness{vault: v, token: token, now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), idem: &stubIdempotency{}}
	v.WithNow(func() time.Time { return h.now })

	handler := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), v, h.idem)
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p := r.Header.Get("X-Principal"); p != "" {
				r = r.WithContext(shared.ContextWithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	})
	router.Route("/v1", handler.MountRoutes)
	h.router = router
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, caller vault.Principal, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != "" {
		req.Header.Set("X-Principal", string(caller))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestDepositAndReadAccount(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"250"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "250", decodeBody[amountResponse](t, rr).Amount.String())

	rr = h.do(t, http.MethodGet, "/v1/accounts/alice", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	acct := decodeBody[accountResponse](t, rr)
	assert.Equal(t, "250", acct.Balance.String())
	assert.Nil(t, acct.PendingYield, "yield is not available before generation 2")

	rr = h.do(t, http.MethodGet, "/v1/summary", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decodeBody[summaryResponse](t, rr)
	assert.Equal(t, "250", summary.TotalDeposits.String())
	assert.Equal(t, uint32(1), summary.SchemaVersion)
	assert.Equal(t, 1, summary.Accounts)
}

func TestDepositRequiresPrincipalAndValidAmount(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/v1/deposit", "", `{"amount":"1"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"5000"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code, "pull beyond allowance fails at the asset")
}

func TestIdempotencyKeyRejectsReplayAndReleasesOnFailure(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"10"}`, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"10"}`, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusConflict, rr.Code)

	balance, err := h.vault.BalanceOf(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "10", balance.String())

	rr = h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"0"}`, "Idempotency-Key", "k2")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 1, h.idem.deleted)
	rr = h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"3"}`, "Idempotency-Key", "k2")
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"3"}`, "Idempotency-Key", "bad key")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGenerationGatedRoutes(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPut, "/v1/yield/rate", admin, `{"bps":100}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/upgrade", alice, `{"version":2}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/upgrade", admin, `{"version":3}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "generations cannot be skipped")

	rr = h.do(t, http.MethodPost, "/v1/upgrade", admin, `{"version":2}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	version := decodeBody[versionResponse](t, rr)
	assert.Equal(t, uint32(2), version.SchemaVersion)
	assert.Equal(t, uint32(2), version.LogicVersion)

	rr = h.do(t, http.MethodPut, "/v1/yield/rate", admin, `{"bps":1000}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = h.do(t, http.MethodPut, "/v1/yield/rate", admin, `{"bps":10001}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = h.do(t, http.MethodPut, "/v1/yield/rate", admin, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodGet, "/v1/yield/rate", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, uint32(1000), decodeBody[map[string]uint32](t, rr)["bps"])
}

func TestYieldClaimOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"1000"}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/upgrade", admin, `{"version":2}`).Code)
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPut, "/v1/yield/rate", admin, `{"bps":1000}`).Code)

	h.now = h.now.Add(365 * 24 * time.Hour)

	rr := h.do(t, http.MethodGet, "/v1/accounts/alice", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	acct := decodeBody[accountResponse](t, rr)
	require.NotNil(t, acct.PendingYield)
	assert.Equal(t, "100", acct.PendingYield.String())

	rr = h.do(t, http.MethodPost, "/v1/yield/claim", alice, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "100", decodeBody[amountResponse](t, rr).Amount.String())
}

func TestPauseBlocksDepositsOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/upgrade", admin, `{"version":2}`).Code)

	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/v1/deposits/pause", alice, "").Code)
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/deposits/pause", admin, "").Code)
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"1"}`).Code)
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/deposits/unpause", admin, "").Code)
	assert.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"1"}`).Code)
}

func TestTimelockedWithdrawalOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/deposit", alice, `{"amount":"50"}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/upgrade", admin, `{"version":2}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/upgrade", admin, `{"version":3}`).Code)

	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPut, "/v1/withdrawals/delay", admin, `{"seconds":100}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPut, "/v1/withdrawals/delay", admin, `{"seconds":-1}`).Code)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/withdrawals/alice", "", "").Code)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/withdrawals/request", alice, `{"amount":"10"}`).Code)
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/withdrawals/request", alice, `{"amount":"5"}`).Code)

	rr := h.do(t, http.MethodGet, "/v1/withdrawals/alice", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	pending := decodeBody[withdrawalResponse](t, rr)
	require.NotNil(t, pending.ReadyAt)
	assert.Equal(t, h.now.Add(100*time.Second), pending.ReadyAt.UTC())

	assert.Equal(t, http.StatusTooEarly, h.do(t, http.MethodPost, "/v1/withdrawals/execute", alice, "").Code)
	h.now = h.now.Add(100 * time.Second)
	rr = h.do(t, http.MethodPost, "/v1/withdrawals/execute", alice, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "10", decodeBody[amountResponse](t, rr).Amount.String())

	rr = h.do(t, http.MethodPost, "/v1/withdrawals/emergency", alice, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "40", decodeBody[amountResponse](t, rr).Amount.String())

	wallet, err := h.token.BalanceOf(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "1000", wallet.String())
}

func TestRoleManagementOverHTTP(t *testing.T) {
	h := newAPIHarness(t)

	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/v1/roles/grant", alice, `{"role":"admin","principal":"alice"}`).Code)
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/roles/grant", admin, `{"role":"pauser","principal":"alice"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/roles/grant", admin, `{"role":"owner","principal":"alice"}`).Code)

	rr := h.do(t, http.MethodGet, "/v1/roles/PAUSER/alice", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[roleResponse](t, rr).Granted)

	rr = h.do(t, http.MethodGet, "/v1/roles/admin", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"admin"}, decodeBody[roleMembersResponse](t, rr).Members)

	rr = h.do(t, http.MethodPost, "/v1/roles/revoke", admin, `{"role":"ADMIN","principal":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "last admin cannot be revoked")
}

type slowLedger struct {
	Ledger
	calls   int
	mu      sync.Mutex
	release chan struct{}
}

func (s *slowLedger) Summary(ctx context.Context) (vault.Summary, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.release
	return vault.Summary{Asset: "TKN", SchemaVersion: vault.V1, LogicVersion: vault.V1}, nil
}

func TestSummaryCollapsesConcurrentReads(t *testing.T) {
	ledger := &slowLedger{release: make(chan struct{})}
	handler := NewHandler(nil, ledger, nil)

	var wg sync.WaitGroup
	results := make([]vault.Summary, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = handler.summary(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(ledger.release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "TKN", results[i].Asset)
	}
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	assert.Equal(t, 1, ledger.calls)
}

func TestSummaryHonoursCallerCancellation(t *testing.T) {
	ledger := &slowLedger{release: make(chan struct{})}
	defer close(ledger.release)
	handler := NewHandler(nil, ledger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := handler.summary(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestErrorMappingPrefersSpecificStatuses(t *testing.T) {
	cases := map[error]int{
		vault.ErrOverflow:        http.StatusUnprocessableEntity,
		vault.ErrLastAdmin:       http.StatusBadRequest,
		vault.ErrInvalidArgument: http.StatusBadRequest,
		vault.ErrUnsettled:       http.StatusServiceUnavailable,
	}
	for err, status := range cases {
		rr := httptest.NewRecorder()
		httpx.RespondError(rr, err, errorMappings...)
		assert.Equal(t, status, rr.Code, err.Error())
	}
}
