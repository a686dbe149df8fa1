package vault

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// InitializeV3 migrates a generation 2 instance to the timelock generation.
func (v *Vault) InitializeV3(ctx context.Context, caller Principal) error {
	if v == nil || v.sealed || v.deps.Repo == nil {
		return ErrAlreadyInitialized
	}
	return v.mutate(ctx, "initialize_v3", nil, func(ctx context.Context, s *session) error {
		if !s.globals.Initialized() {
			return ErrNotInitialized
		}
		if s.globals.SchemaVersion >= V3 {
			return ErrAlreadyInitialized
		}
		if s.globals.SchemaVersion < V2 {
			return ErrNotInitialized
		}
		if s.globals.LogicVersion < V3 {
			return ErrUnsupported
		}
		if err := s.requireRole(ctx, caller, RoleAdmin); err != nil {
			return err
		}
		s.globals.SchemaVersion = V3
		s.globals.WithdrawalDelay = 0
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		event := newEvent(EventInitialized, caller)
		event.Version = V3
		s.emit(event)
		return nil
	})
}

// SetWithdrawalDelay sets the timelock applied to withdrawal requests. Admin only.
func (v *Vault) SetWithdrawalDelay(ctx context.Context, caller Principal, delay time.Duration) error {
	if delay < 0 {
		return fmt.Errorf("%w: negative withdrawal delay", ErrInvalidArgument)
	}
	return v.mutate(ctx, "set_withdrawal_delay", nil, func(ctx context.Context, s *session) error {
		if err := s.require(V3); err != nil {
			return err
		}
		if err := s.requireRole(ctx, caller, RoleAdmin); err != nil {
			return err
		}
		s.globals.WithdrawalDelay = delay.Truncate(time.Second)
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		event := newEvent(EventWithdrawalDelaySet, caller)
		event.Meta = map[string]any{"delay_seconds": int64(s.globals.WithdrawalDelay / time.Second)}
		s.emit(event)
		return nil
	})
}

// GetWithdrawalDelay returns the current timelock.
func (v *Vault) GetWithdrawalDelay(ctx context.Context) (time.Duration, error) {
	var delay time.Duration
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V3); err != nil {
			return err
		}
		delay = s.globals.WithdrawalDelay
		return nil
	})
	return delay, err
}

// RequestWithdrawal records a timelocked request for amount. Funds stay in
// the balance until execution.
func (v *Vault) RequestWithdrawal(ctx context.Context, caller Principal, amount Amount) error {
	if !caller.Valid() || amount.IsZero() {
		return ErrInvalidArgument
	}
	return v.mutate(ctx, "request_withdrawal", []Principal{caller}, func(ctx context.Context, s *session) error {
		if err := s.require(V3); err != nil {
			return err
		}
		acct, err := s.account(ctx, caller)
		if err != nil {
			return err
		}
		if acct.HasPending() {
			return ErrRequestAlreadyPending
		}
		if amount.Cmp(acct.Balance) > 0 {
			return ErrInsufficientBalance
		}
		acct.Pending = &WithdrawalRequest{Amount: amount, RequestedAt: s.at}
		if err := s.saveAccount(ctx, acct); err != nil {
			return err
		}
		event := newEvent(EventWithdrawalRequested, caller)
		event.Subject, event.Amount = caller, amount
		event.Meta = map[string]any{"ready_at": acct.Pending.ReadyAt(s.globals.WithdrawalDelay)}
		s.emit(event)
		return nil
	})
}

// GetWithdrawalRequest returns the pending request of principal, if any.
func (v *Vault) GetWithdrawalRequest(ctx context.Context, principal Principal) (WithdrawalRequest, bool, error) {
	var (
		req WithdrawalRequest
		ok  bool
	)
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V3); err != nil {
			return err
		}
		acct, err := s.account(ctx, principal)
		if err != nil {
			return err
		}
		if acct.HasPending() {
			req, ok = *acct.Pending, true
		}
		return nil
	})
	return req, ok, err
}

// ExecuteWithdrawal pays out the caller's matured request.
func (v *Vault) ExecuteWithdrawal(ctx context.Context, caller Principal) (Amount, error) {
	if !caller.Valid() {
		return Amount{}, ErrInvalidArgument
	}
	var paid Amount
	err := v.mutate(ctx, "execute_withdrawal", []Principal{caller}, func(ctx context.Context, s *session) error {
		if err := s.require(V3); err != nil {
			return err
		}
		acct, err := s.account(ctx, caller)
		if err != nil {
			return err
		}
		if !acct.HasPending() {
			return ErrNoPendingRequest
		}
		req := *acct.Pending
		if s.at.Before(req.ReadyAt(s.globals.WithdrawalDelay)) {
			return ErrWithdrawalNotReady
		}
		event := newEvent(EventWithdrawalExecuted, caller)
		event.Subject, event.Amount = caller, req.Amount
		event.Meta = map[string]any{"requested_at": req.RequestedAt}
		apply := payout(caller, req.Amount, event)
		if err := apply(ctx, s); err != nil {
			return err
		}
		if err := v.push(ctx, caller, req.Amount); err != nil {
			return err
		}
		s.transferred(caller, apply)
		paid = req.Amount
		return nil
	})
	if err != nil {
		return Amount{}, err
	}
	return paid, nil
}

// EmergencyWithdraw pays out the caller's whole balance immediately,
// ignoring the timelock and clearing any pending request.
func (v *Vault) EmergencyWithdraw(ctx context.Context, caller Principal) (Amount, error) {
	if !caller.Valid() {
		return Amount{}, ErrInvalidArgument
	}
	var paid Amount
	err := v.mutate(ctx, "emergency_withdraw", []Principal{caller}, func(ctx context.Context, s *session) error {
		if err := s.require(V3); err != nil {
			return err
		}
		acct, err := s.account(ctx, caller)
		if err != nil {
			return err
		}
		amount := acct.Balance
		if amount.IsZero() {
			return ErrInsufficientBalance
		}
		event := newEvent(EventEmergencyWithdrawal, caller)
		event.Subject, event.Amount = caller, amount
		event.Meta = map[string]any{"cleared_request": acct.HasPending()}
		apply := payout(caller, amount, event)
		if err := apply(ctx, s); err != nil {
			return err
		}
		if err := v.push(ctx, caller, amount); err != nil {
			return err
		}
		s.transferred(caller, apply)
		paid = amount
		return nil
	})
	if err != nil {
		return Amount{}, err
	}
	return paid, nil
}

// MaturedWithdrawals lists pending requests whose timelock has elapsed.
func (v *Vault) MaturedWithdrawals(ctx context.Context) ([]MaturedWithdrawal, error) {
	var out []MaturedWithdrawal
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V3); err != nil {
			return err
		}
		accounts, err := s.tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			if !acct.HasPending() {
				continue
			}
			readyAt := acct.Pending.ReadyAt(s.globals.WithdrawalDelay)
			if s.at.Before(readyAt) {
				continue
			}
			out = append(out, MaturedWithdrawal{Principal: acct.Principal, Request: *acct.Pending, ReadyAt: readyAt})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ReadyAt.Before(out[j].ReadyAt) })
		return nil
	})
	return out, err
}

// payout debits amount from principal and clears any pending request. It is
// the ledger side of a withdrawal and is replayed when the transfer went out
// but the transaction carrying it did not commit.
func payout(principal Principal, amount Amount, event Event) settlement {
	return func(ctx context.Context, s *session) error {
		acct, err := s.account(ctx, principal)
		if err != nil {
			return err
		}
		if err := s.debit(&acct, amount); err != nil {
			return err
		}
		acct.Pending = nil
		if err := s.saveAccount(ctx, acct); err != nil {
			return err
		}
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		s.emit(event)
		return nil
	}
}

// debit removes amount from the account and the running total.
func (s *session) debit(acct *Account, amount Amount) error {
	balance, err := acct.Balance.Sub(amount)
	if err != nil {
		return err
	}
	total, err := s.globals.TotalDeposits.Sub(amount)
	if err != nil {
		return fmt.Errorf("vault: running total %s below debit %s: %w", s.globals.TotalDeposits, amount, err)
	}
	acct.Balance = balance
	s.globals.TotalDeposits = total
	return nil
}
