package asset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokenvault/vault/internal/platform/httpx"
	"github.com/tokenvault/vault/internal/vault"
)

// ErrRemote is returned when the asset service rejects a request.
var ErrRemote = errors.New("asset: remote request failed")

// Client talks to a remote asset service exposing the Handler routes.
// Requests are never retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Ledger = (*Client)(nil)

// NewClient constructs a client. A nil httpClient gets a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Transfer moves amount between holders.
func (c *Client) Transfer(ctx context.Context, from, to vault.Principal, amount vault.Amount) error {
	return c.post(ctx, "/transfer", transferRequest{From: string(from), To: string(to), Amount: amount})
}

// TransferFrom moves amount from owner to recipient using spender's allowance.
func (c *Client) TransferFrom(ctx context.Context, spender, owner, to vault.Principal, amount vault.Amount) error {
	return c.post(ctx, "/transfer-from", transferRequest{
		Spender: string(spender),
		From:    string(owner),
		To:      string(to),
		Amount:  amount,
	})
}

// Approve sets spender's allowance over owner's funds.
func (c *Client) Approve(ctx context.Context, owner, spender vault.Principal, amount vault.Amount) error {
	return c.post(ctx, "/approve", approveRequest{Owner: string(owner), Spender: string(spender), Amount: amount})
}

// Mint issues new units to holder.
func (c *Client) Mint(ctx context.Context, holder vault.Principal, amount vault.Amount) error {
	return c.post(ctx, "/mint", mintRequest{Holder: string(holder), Amount: amount})
}

// BalanceOf fetches holder's balance.
func (c *Client) BalanceOf(ctx context.Context, holder vault.Principal) (vault.Amount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/balances/"+url.PathEscape(string(holder)), nil)
	if err != nil {
		return vault.Amount{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return vault.Amount{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return vault.Amount{}, remoteError(resp)
	}
	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return vault.Amount{}, fmt.Errorf("asset: decode balance: %w", err)
	}
	return out.Balance, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return remoteError(resp)
	}
	return nil
}

func remoteError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var problem httpx.ProblemDetail
	if err := json.Unmarshal(raw, &problem); err == nil && problem.Title != "" {
		return fmt.Errorf("%w: status %d: %s", ErrRemote, resp.StatusCode, problem.Title)
	}
	return fmt.Errorf("%w: status %d", ErrRemote, resp.StatusCode)
}
