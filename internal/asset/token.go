// Package asset provides the fungible token the vault takes custody of and
// the adapters that expose it through vault.AssetPort.
package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tokenvault/vault/internal/vault"
)

var (
	// ErrInsufficientFunds is returned when the sender balance is too low.
	ErrInsufficientFunds = errors.New("asset: transfer amount exceeds balance")
	// ErrInsufficientAllowance is returned when the spender allowance is too low.
	ErrInsufficientAllowance = errors.New("asset: transfer amount exceeds allowance")
	// ErrInvalidHolder is returned for an empty holder identifier.
	ErrInvalidHolder = errors.New("asset: invalid holder")
)

// Token is an in-memory fungible token with allowance-based delegated
// transfers.
type Token struct {
	mu         sync.Mutex
	symbol     string
	supply     vault.Amount
	balances   map[vault.Principal]vault.Amount
	allowances map[vault.Principal]map[vault.Principal]vault.Amount
}

// NewToken creates an empty token.
func NewToken(symbol string) *Token {
	return &Token{
		symbol:     symbol,
		balances:   make(map[vault.Principal]vault.Amount),
		allowances: make(map[vault.Principal]map[vault.Principal]vault.Amount),
	}
}

// Symbol returns the token symbol.
func (t *Token) Symbol() string {
	return t.symbol
}

// Mint credits holder with freshly issued units.
func (t *Token) Mint(_ context.Context, holder vault.Principal, amount vault.Amount) error {
	if !holder.Valid() {
		return ErrInvalidHolder
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, err := t.supply.Add(amount)
	if err != nil {
		return fmt.Errorf("asset: mint: %w", err)
	}
	balance, err := t.balances[holder].Add(amount)
	if err != nil {
		return fmt.Errorf("asset: mint: %w", err)
	}
	t.supply = supply
	t.balances[holder] = balance
	return nil
}

// Approve sets the amount spender may move out of owner's balance.
func (t *Token) Approve(_ context.Context, owner, spender vault.Principal, amount vault.Amount) error {
	if !owner.Valid() || !spender.Valid() {
		return ErrInvalidHolder
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byOwner, ok := t.allowances[owner]
	if !ok {
		byOwner = make(map[vault.Principal]vault.Amount)
		t.allowances[owner] = byOwner
	}
	byOwner[spender] = amount
	return nil
}

// Allowance returns the remaining amount spender may move for owner.
func (t *Token) Allowance(_ context.Context, owner, spender vault.Principal) (vault.Amount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[owner][spender], nil
}

// BalanceOf returns holder's balance.
func (t *Token) BalanceOf(_ context.Context, holder vault.Principal) (vault.Amount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[holder], nil
}

// TotalSupply returns the number of minted units.
func (t *Token) TotalSupply(_ context.Context) (vault.Amount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply, nil
}

// Transfer moves amount from one holder to another.
func (t *Token) Transfer(_ context.Context, from, to vault.Principal, amount vault.Amount) error {
	if !from.Valid() || !to.Valid() {
		return ErrInvalidHolder
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom moves amount from owner to recipient on behalf of spender,
// consuming the spender's allowance.
func (t *Token) TransferFrom(_ context.Context, spender, owner, to vault.Principal, amount vault.Amount) error {
	if !spender.Valid() || !owner.Valid() || !to.Valid() {
		return ErrInvalidHolder
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining, err := t.allowances[owner][spender].Sub(amount)
	if err != nil {
		return ErrInsufficientAllowance
	}
	if err := t.move(owner, to, amount); err != nil {
		return err
	}
	t.allowances[owner][spender] = remaining
	return nil
}

func (t *Token) move(from, to vault.Principal, amount vault.Amount) error {
	debited, err := t.balances[from].Sub(amount)
	if err != nil {
		return ErrInsufficientFunds
	}
	if from == to {
		return nil
	}
	credited, err := t.balances[to].Add(amount)
	if err != nil {
		return fmt.Errorf("asset: transfer: %w", err)
	}
	t.balances[from] = debited
	t.balances[to] = credited
	return nil
}
