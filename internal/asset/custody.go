package asset

import (
	"context"

	"github.com/tokenvault/vault/internal/vault"
)

// Ledger is the token surface the custody adapter needs.
type Ledger interface {
	Transfer(ctx context.Context, from, to vault.Principal, amount vault.Amount) error
	TransferFrom(ctx context.Context, spender, owner, to vault.Principal, amount vault.Amount) error
}

// Custody moves funds between holders and the vault's custody account.
type Custody struct {
	ledger  Ledger
	account vault.Principal
}

var _ vault.AssetPort = (*Custody)(nil)

// NewCustody binds a token ledger to the custody account.
func NewCustody(ledger Ledger, account vault.Principal) *Custody {
	return &Custody{ledger: ledger, account: account}
}

// Account returns the custody holder identifier.
func (c *Custody) Account() vault.Principal {
	return c.account
}

// Pull transfers amount from the holder into custody. The holder must have
// approved the custody account beforehand.
func (c *Custody) Pull(ctx context.Context, from vault.Principal, amount vault.Amount) error {
	return c.ledger.TransferFrom(ctx, c.account, from, c.account, amount)
}

// Push transfers amount out of custody to the recipient.
func (c *Custody) Push(ctx context.Context, to vault.Principal, amount vault.Amount) error {
	return c.ledger.Transfer(ctx, c.account, to, amount)
}
