package vault

import (
	"fmt"
	"strings"
	"time"
)

// Version identifies a generation of vault logic or persisted schema.
type Version uint32

const (
	// V1 carries balances and deposits.
	V1 Version = 1
	// V2 adds yield accrual and the deposit pause switch.
	V2 Version = 2
	// V3 adds timelocked and emergency withdrawals.
	V3 Version = 3

	// LatestVersion is the newest generation this build can attach.
	LatestVersion = V3
)

// Principal identifies an account holder or role member.
type Principal string

// Valid reports whether the principal is usable as an identity.
func (p Principal) Valid() bool {
	return strings.TrimSpace(string(p)) != ""
}

// Role enumerates the capabilities granted through access control.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RolePauser Role = "PAUSER"
)

// Valid reports whether the role is known.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RolePauser:
		return true
	default:
		return false
	}
}

// ParseRole normalises a textual role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, raw)
	}
	return role, nil
}

const (
	// MaxYieldRateBps caps the annual yield rate at 100%.
	MaxYieldRateBps uint32 = 10_000
	// SecondsPerYear is the fixed year length used for accrual.
	SecondsPerYear uint64 = 31_536_000
	bpsDenominator uint64 = 10_000
)

// Globals is the instance-wide persisted record. Fields are grouped by the
// generation that introduced them and are mapped onto slots by Layout.
type Globals struct {
	// generation 1
	SchemaVersion       Version
	LogicVersion        Version
	Asset               string
	TotalDeposits       Amount
	InitialYieldRateBps uint32

	// generation 2
	YieldRateBps   uint32
	DepositsPaused bool

	// generation 3
	WithdrawalDelay time.Duration
}

// Initialized reports whether the base initializer has run.
func (g Globals) Initialized() bool {
	return g.SchemaVersion >= V1
}

// WithdrawalRequest is a pending timelocked withdrawal.
type WithdrawalRequest struct {
	Amount      Amount
	RequestedAt time.Time
}

// ReadyAt returns the earliest execution time for the given delay.
func (r WithdrawalRequest) ReadyAt(delay time.Duration) time.Time {
	return r.RequestedAt.Add(delay)
}

// Account is the per-principal persisted record.
type Account struct {
	Principal Principal

	// generation 1
	Balance Amount

	// generation 2
	LastAccrualAt time.Time

	// generation 3
	Pending *WithdrawalRequest
}

// HasPending reports whether a withdrawal request is outstanding.
func (a Account) HasPending() bool {
	return a.Pending != nil && !a.Pending.Amount.IsZero()
}

// InitParams configures the base initializer.
type InitParams struct {
	Asset        string
	Admin        Principal
	YieldRateBps uint32
}

// Validate ensures the initializer arguments are usable.
func (p InitParams) Validate() error {
	var problems []string
	if strings.TrimSpace(p.Asset) == "" {
		problems = append(problems, "asset required")
	}
	if !p.Admin.Valid() {
		problems = append(problems, "admin required")
	}
	if p.YieldRateBps > MaxYieldRateBps {
		problems = append(problems, fmt.Sprintf("yield rate %d exceeds %d bps", p.YieldRateBps, MaxYieldRateBps))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(problems, "; "))
	}
	return nil
}

// Summary is a read model over the instance state.
type Summary struct {
	SchemaVersion   Version
	LogicVersion    Version
	Asset           string
	TotalDeposits   Amount
	YieldRateBps    uint32
	DepositsPaused  bool
	WithdrawalDelay time.Duration
	Accounts        int
	PendingRequests int
}

// IntegrityReport compares the running total against the account sum.
type IntegrityReport struct {
	TotalDeposits Amount
	SumOfBalances Amount
	Accounts      int
}

// Consistent reports whether the totals agree.
func (r IntegrityReport) Consistent() bool {
	return r.TotalDeposits.Cmp(r.SumOfBalances) == 0
}

// MaturedWithdrawal is a pending request whose delay has elapsed.
type MaturedWithdrawal struct {
	Principal Principal
	Request   WithdrawalRequest
	ReadyAt   time.Time
}
