package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Initialize runs the base initializer. It succeeds only once per instance
// and always fails on a sealed implementation.
func (v *Vault) Initialize(ctx context.Context, params InitParams) error {
	if v == nil || v.sealed || v.deps.Repo == nil {
		return ErrAlreadyInitialized
	}
	return v.initialize(ctx, params, v.version)
}

func (v *Vault) initialize(ctx context.Context, params InitParams, logic Version) error {
	return v.mutate(ctx, "initialize", nil, func(ctx context.Context, s *session) error {
		if s.globals.Initialized() {
			return ErrAlreadyInitialized
		}
		if err := params.Validate(); err != nil {
			return err
		}
		s.globals = Globals{
			SchemaVersion:       V1,
			LogicVersion:        logic,
			Asset:               params.Asset,
			InitialYieldRateBps: params.YieldRateBps,
		}
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		if err := s.tx.SetRole(ctx, RoleAdmin, params.Admin, true); err != nil {
			return err
		}
		event := newEvent(EventInitialized, params.Admin)
		event.Version = V1
		event.Meta = map[string]any{"asset": params.Asset, "logic_version": uint32(logic)}
		s.emit(event)
		granted := newEvent(EventRoleGranted, params.Admin)
		granted.Subject, granted.Role = params.Admin, RoleAdmin
		s.emit(granted)
		return nil
	})
}

// Deposit pulls amount from caller through the asset and credits it.
func (v *Vault) Deposit(ctx context.Context, caller Principal, amount Amount) error {
	if !caller.Valid() || amount.IsZero() {
		return ErrInvalidArgument
	}
	pulled := false
	err := v.mutate(ctx, "deposit", []Principal{caller}, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		if s.globals.SchemaVersion >= V2 && s.globals.DepositsPaused {
			return ErrDepositsPaused
		}
		acct, err := s.account(ctx, caller)
		if err != nil {
			return err
		}
		// Interest earned so far is settled at the old balance so the new
		// principal only accrues from now on.
		var earned Amount
		if s.globals.SchemaVersion >= V2 {
			if earned, err = s.accrue(&acct); err != nil {
				return err
			}
		}
		balance, err := acct.Balance.Add(amount)
		if err != nil {
			return err
		}
		total, err := s.globals.TotalDeposits.Add(amount)
		if err != nil {
			return err
		}
		if err := v.pull(ctx, caller, amount); err != nil {
			return err
		}
		pulled = true
		acct.Balance = balance
		s.globals.TotalDeposits = total
		if err := s.saveAccount(ctx, acct); err != nil {
			return err
		}
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		if !earned.IsZero() {
			claimed := newEvent(EventYieldClaimed, caller)
			claimed.Subject, claimed.Amount = caller, earned
			claimed.Meta = map[string]any{"rate_bps": s.globals.YieldRateBps, "settled_by": "deposit"}
			s.emit(claimed)
		}
		event := newEvent(EventDeposited, caller)
		event.Subject, event.Amount = caller, amount
		s.emit(event)
		return nil
	})
	if err != nil && pulled {
		v.refund(ctx, caller, amount, err)
	}
	return err
}

func (v *Vault) pull(ctx context.Context, from Principal, amount Amount) error {
	if v.deps.Asset == nil {
		return ErrTransferFailed
	}
	callCtx := v.guard.external(ctx)
	if err := v.deps.Asset.Pull(callCtx, from, amount); err != nil {
		if errors.Is(err, ErrReentrantCall) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (v *Vault) push(ctx context.Context, to Principal, amount Amount) error {
	if v.deps.Asset == nil {
		return ErrTransferFailed
	}
	callCtx := v.guard.external(ctx)
	if err := v.deps.Asset.Push(callCtx, to, amount); err != nil {
		if errors.Is(err, ErrReentrantCall) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// refund returns funds pulled by a deposit whose transaction did not commit.
func (v *Vault) refund(ctx context.Context, to Principal, amount Amount, cause error) {
	if err := v.push(context.WithoutCancel(ctx), to, amount); err != nil {
		v.logger.ErrorContext(ctx, "deposit refund failed",
			slog.String("principal", string(to)),
			slog.String("amount", amount.String()),
			slog.Any("cause", cause),
			slog.Any("error", err))
		return
	}
	v.logger.WarnContext(ctx, "deposit refunded", slog.String("principal", string(to)), slog.String("amount", amount.String()), slog.Any("cause", cause))
}

// BalanceOf returns the ledger balance of principal.
func (v *Vault) BalanceOf(ctx context.Context, principal Principal) (Amount, error) {
	var balance Amount
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		acct, err := s.account(ctx, principal)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	return balance, err
}

// Account returns the full record of principal.
func (v *Vault) Account(ctx context.Context, principal Principal) (Account, error) {
	var acct Account
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		var err error
		acct, err = s.account(ctx, principal)
		return err
	})
	return acct, err
}

// TotalDeposits returns the running total of all balances.
func (v *Vault) TotalDeposits(ctx context.Context) (Amount, error) {
	var total Amount
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		total = s.globals.TotalDeposits
		return nil
	})
	return total, err
}

// CurrentVersion returns the persisted schema version.
func (v *Vault) CurrentVersion(ctx context.Context) (Version, error) {
	var version Version
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		version = s.globals.SchemaVersion
		return nil
	})
	return version, err
}

// LogicVersion returns the attached logic generation.
func (v *Vault) LogicVersion(ctx context.Context) (Version, error) {
	var version Version
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		version = s.globals.LogicVersion
		return nil
	})
	return version, err
}

// Summary reports instance-wide state.
func (v *Vault) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		accounts, err := s.tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		out = Summary{
			SchemaVersion:   s.globals.SchemaVersion,
			LogicVersion:    s.globals.LogicVersion,
			Asset:           s.globals.Asset,
			TotalDeposits:   s.globals.TotalDeposits,
			YieldRateBps:    s.globals.YieldRateBps,
			DepositsPaused:  s.globals.DepositsPaused,
			WithdrawalDelay: s.globals.WithdrawalDelay,
			Accounts:        len(accounts),
		}
		for _, acct := range accounts {
			if acct.HasPending() {
				out.PendingRequests++
			}
		}
		return nil
	})
	return out, err
}

// CheckIntegrity compares the running total with the sum of balances.
func (v *Vault) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		accounts, err := s.tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		balances := make([]Amount, 0, len(accounts))
		for _, acct := range accounts {
			balances = append(balances, acct.Balance)
		}
		sum, err := SumAmounts(balances...)
		if err != nil {
			return err
		}
		report = IntegrityReport{TotalDeposits: s.globals.TotalDeposits, SumOfBalances: sum, Accounts: len(accounts)}
		return nil
	})
	return report, err
}
