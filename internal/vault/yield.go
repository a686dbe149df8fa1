package vault

import (
	"context"
	"fmt"
	"math"
	"time"
)

// InitV2Params configures the yield generation initializer.
type InitV2Params struct {
	// Pauser receives the PAUSER role. Defaults to the caller.
	Pauser Principal
}

// InitializeV2 migrates a generation 1 instance to the yield generation.
func (v *Vault) InitializeV2(ctx context.Context, caller Principal, params InitV2Params) error {
	if v == nil || v.sealed || v.deps.Repo == nil {
		return ErrAlreadyInitialized
	}
	return v.mutate(ctx, "initialize_v2", nil, func(ctx context.Context, s *session) error {
		if !s.globals.Initialized() {
			return ErrNotInitialized
		}
		if s.globals.SchemaVersion >= V2 {
			return ErrAlreadyInitialized
		}
		if s.globals.LogicVersion < V2 {
			return ErrUnsupported
		}
		if err := s.requireRole(ctx, caller, RoleAdmin); err != nil {
			return err
		}
		pauser := params.Pauser
		if !pauser.Valid() {
			pauser = caller
		}
		s.globals.SchemaVersion = V2
		s.globals.YieldRateBps = 0
		s.globals.DepositsPaused = false
		accounts, err := s.tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			acct.LastAccrualAt = s.at
			if err := s.saveAccount(ctx, acct); err != nil {
				return err
			}
		}
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		if err := s.tx.SetRole(ctx, RolePauser, pauser, true); err != nil {
			return err
		}
		event := newEvent(EventInitialized, caller)
		event.Version = V2
		event.Meta = map[string]any{"accounts_migrated": len(accounts)}
		s.emit(event)
		granted := newEvent(EventRoleGranted, caller)
		granted.Subject, granted.Role = pauser, RolePauser
		s.emit(granted)
		return nil
	})
}

// SetYieldRate updates the annual yield rate. Admin only.
func (v *Vault) SetYieldRate(ctx context.Context, caller Principal, bps uint32) error {
	return v.mutate(ctx, "set_yield_rate", nil, func(ctx context.Context, s *session) error {
		if err := s.require(V2); err != nil {
			return err
		}
		if err := s.requireRole(ctx, caller, RoleAdmin); err != nil {
			return err
		}
		if bps > MaxYieldRateBps {
			return fmt.Errorf("%w: yield rate %d exceeds %d bps", ErrInvalidArgument, bps, MaxYieldRateBps)
		}
		previous := s.globals.YieldRateBps
		s.globals.YieldRateBps = bps
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		event := newEvent(EventYieldRateSet, caller)
		event.Meta = map[string]any{"previous_bps": previous, "bps": bps}
		s.emit(event)
		return nil
	})
}

// GetYieldRate returns the current annual yield rate in basis points.
func (v *Vault) GetYieldRate(ctx context.Context) (uint32, error) {
	var bps uint32
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V2); err != nil {
			return err
		}
		bps = s.globals.YieldRateBps
		return nil
	})
	return bps, err
}

// ClaimYield credits interest accrued since the caller's last accrual and
// resets the accrual clock.
func (v *Vault) ClaimYield(ctx context.Context, caller Principal) (Amount, error) {
	if !caller.Valid() {
		return Amount{}, ErrInvalidArgument
	}
	var interest Amount
	err := v.mutate(ctx, "claim_yield", []Principal{caller}, func(ctx context.Context, s *session) error {
		if err := s.require(V2); err != nil {
			return err
		}
		acct, err := s.account(ctx, caller)
		if err != nil {
			return err
		}
		if acct.Balance.IsZero() && acct.LastAccrualAt.IsZero() {
			// no record; accounts are only created by deposits
			return nil
		}
		earned, err := s.accrue(&acct)
		if err != nil {
			return err
		}
		if !earned.IsZero() {
			if err := s.saveGlobals(ctx); err != nil {
				return err
			}
		}
		if err := s.saveAccount(ctx, acct); err != nil {
			return err
		}
		event := newEvent(EventYieldClaimed, caller)
		event.Subject, event.Amount = caller, earned
		event.Meta = map[string]any{"rate_bps": s.globals.YieldRateBps}
		s.emit(event)
		interest = earned
		return nil
	})
	return interest, err
}

// PendingYield returns the interest principal could claim now.
func (v *Vault) PendingYield(ctx context.Context, principal Principal) (Amount, error) {
	var earned Amount
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V2); err != nil {
			return err
		}
		acct, err := s.account(ctx, principal)
		if err != nil {
			return err
		}
		earned, err = accrued(acct, s.globals.YieldRateBps, s.at)
		return err
	})
	return earned, err
}

// PauseDeposits stops new deposits. Pauser or admin only.
func (v *Vault) PauseDeposits(ctx context.Context, caller Principal) error {
	return v.setPaused(ctx, caller, true)
}

// UnpauseDeposits resumes deposits. Pauser or admin only.
func (v *Vault) UnpauseDeposits(ctx context.Context, caller Principal) error {
	return v.setPaused(ctx, caller, false)
}

func (v *Vault) setPaused(ctx context.Context, caller Principal, paused bool) error {
	op, kind := "unpause_deposits", EventDepositsUnpaused
	if paused {
		op, kind = "pause_deposits", EventDepositsPaused
	}
	return v.mutate(ctx, op, nil, func(ctx context.Context, s *session) error {
		if err := s.require(V2); err != nil {
			return err
		}
		if err := s.requireRole(ctx, caller, RolePauser, RoleAdmin); err != nil {
			return err
		}
		if s.globals.DepositsPaused == paused {
			return nil
		}
		s.globals.DepositsPaused = paused
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		s.emit(newEvent(kind, caller))
		return nil
	})
}

// DepositsPaused reports whether deposits are currently refused.
func (v *Vault) DepositsPaused(ctx context.Context) (bool, error) {
	var paused bool
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V2); err != nil {
			return err
		}
		paused = s.globals.DepositsPaused
		return nil
	})
	return paused, err
}

// accrue credits the interest acct earned up to the session time to its
// balance and the running total, and restarts its accrual clock.
func (s *session) accrue(acct *Account) (Amount, error) {
	earned, err := accrued(*acct, s.globals.YieldRateBps, s.at)
	if err != nil {
		return Amount{}, err
	}
	if !earned.IsZero() {
		balance, err := acct.Balance.Add(earned)
		if err != nil {
			return Amount{}, err
		}
		total, err := s.globals.TotalDeposits.Add(earned)
		if err != nil {
			return Amount{}, err
		}
		acct.Balance, s.globals.TotalDeposits = balance, total
	}
	acct.LastAccrualAt = s.at
	return earned, nil
}

// accrued computes simple interest on the account balance since its last
// accrual: balance * bps * seconds / (10000 * secondsPerYear), truncated.
func accrued(acct Account, bps uint32, now time.Time) (Amount, error) {
	if bps == 0 || acct.Balance.IsZero() || acct.LastAccrualAt.IsZero() {
		return Amount{}, nil
	}
	elapsed := now.Sub(acct.LastAccrualAt)
	if elapsed <= 0 {
		return Amount{}, nil
	}
	seconds := uint64(elapsed / time.Second)
	if seconds == 0 {
		return Amount{}, nil
	}
	if seconds > math.MaxUint64/uint64(bps) {
		return Amount{}, ErrOverflow
	}
	return acct.Balance.MulDiv(NewAmount(uint64(bps)*seconds), NewAmount(bpsDenominator*SecondsPerYear))
}
