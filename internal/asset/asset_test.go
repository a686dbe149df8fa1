package asset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/vault/internal/vault"
)

const (
	alice   vault.Principal = "alice"
	bob     vault.Principal = "bob"
	custody vault.Principal = "vault"
)

func TestTokenTransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	token := NewToken("TKN")
	require.NoError(t, token.Mint(ctx, alice, vault.NewAmount(100)))
	require.NoError(t, token.Approve(ctx, alice, custody, vault.NewAmount(60)))

	require.NoError(t, token.TransferFrom(ctx, custody, alice, custody, vault.NewAmount(40)))
	require.ErrorIs(t, token.TransferFrom(ctx, custody, alice, custody, vault.NewAmount(40)), ErrInsufficientAllowance)

	remaining, err := token.Allowance(ctx, alice, custody)
	require.NoError(t, err)
	assert.Equal(t, "20", remaining.String())
	balance, err := token.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "60", balance.String())
}

func TestTokenTransferRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	token := NewToken("TKN")
	require.NoError(t, token.Mint(ctx, alice, vault.NewAmount(5)))
	require.ErrorIs(t, token.Transfer(ctx, alice, bob, vault.NewAmount(6)), ErrInsufficientFunds)
	require.ErrorIs(t, token.Transfer(ctx, alice, "", vault.NewAmount(1)), ErrInvalidHolder)

	supply, err := token.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", supply.String())
}

func TestCustodyPullAndPush(t *testing.T) {
	ctx := context.Background()
	token := NewToken("TKN")
	require.NoError(t, token.Mint(ctx, alice, vault.NewAmount(100)))
	c := NewCustody(token, custody)

	require.Error(t, c.Pull(ctx, alice, vault.NewAmount(10)), "no allowance yet")
	require.NoError(t, token.Approve(ctx, alice, custody, vault.NewAmount(10)))
	require.NoError(t, c.Pull(ctx, alice, vault.NewAmount(10)))
	require.NoError(t, c.Push(ctx, bob, vault.NewAmount(4)))
	require.ErrorIs(t, c.Push(ctx, bob, vault.NewAmount(7)), ErrInsufficientFunds)

	held, err := token.BalanceOf(ctx, custody)
	require.NoError(t, err)
	assert.Equal(t, "6", held.String())
}

func newRemote(t *testing.T) (*Token, *Client) {
	t.Helper()
	token := NewToken("TKN")
	router := chi.NewRouter()
	NewHandler(nil, token).MountRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return token, NewClient(server.URL+"/", server.Client())
}

func TestClientRoundTripsThroughHandler(t *testing.T) {
	ctx := context.Background()
	token, client := newRemote(t)

	require.NoError(t, client.Mint(ctx, alice, vault.MustAmount("1000000000000000000000")))
	require.NoError(t, client.Approve(ctx, alice, custody, vault.NewAmount(500)))

	remote := NewCustody(client, custody)
	require.NoError(t, remote.Pull(ctx, alice, vault.NewAmount(500)))
	require.NoError(t, remote.Push(ctx, bob, vault.NewAmount(200)))

	balance, err := client.BalanceOf(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "200", balance.String())

	held, err := token.BalanceOf(ctx, custody)
	require.NoError(t, err)
	assert.Equal(t, "300", held.String())
}

func TestClientSurfacesRemoteRejections(t *testing.T) {
	ctx := context.Background()
	_, client := newRemote(t)

	err := NewCustody(client, custody).Pull(ctx, alice, vault.NewAmount(1))
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "Insufficient Allowance")

	err = client.Transfer(ctx, "", bob, vault.NewAmount(1))
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "400")
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	router := chi.NewRouter()
	NewHandler(nil, NewToken("TKN")).MountRoutes(router)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mint", strings.NewReader(`{"holder":"alice","amount":"-5"}`))
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/transfer-from", strings.NewReader(`{"from":"alice","to":"vault","amount":"1"}`))
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
