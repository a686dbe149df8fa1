package vault

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
)

type externalCallKey struct{}

// inExternalCall reports whether ctx descends from an asset call made by the
// vault.
func inExternalCall(ctx context.Context) bool {
	_, ok := ctx.Value(externalCallKey{}).(struct{})
	return ok
}

// guard serialises state transitions. Contexts handed to the asset are
// marked so that calls originating from it fail immediately; every other
// caller queues for the single operation slot until its context is done.
//
// The mark only travels in-process. A remote asset calling back into the
// vault over HTTP arrives unmarked and waits like any other caller, bounded
// by its request deadline.
type guard struct {
	slot chan struct{}
	// owed holds ledger updates for transfers that completed while their
	// transaction did not commit, keyed by account.
	owed *xsync.Map[Principal, settlement]
}

func newGuard() *guard {
	return &guard{
		slot: make(chan struct{}, 1),
		owed: xsync.NewMap[Principal, settlement](),
	}
}

// enter takes the operation slot. The returned release must be called
// exactly once.
func (g *guard) enter(ctx context.Context) (func(), error) {
	if inExternalCall(ctx) {
		return nil, ErrReentrantCall
	}
	select {
	case g.slot <- struct{}{}:
		return func() { <-g.slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("vault: wait for operation slot: %w", ctx.Err())
	}
}

// external returns the context an asset call must use.
func (g *guard) external(ctx context.Context) context.Context {
	return context.WithValue(ctx, externalCallKey{}, struct{}{})
}

// owe records a settlement that must be applied before account is touched
// again.
func (g *guard) owe(account Principal, fn settlement) {
	g.owed.Store(account, fn)
}
