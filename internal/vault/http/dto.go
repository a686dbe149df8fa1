package vaulthttp

import (
	"time"

	"github.com/tokenvault/vault/internal/vault"
)

type amountRequest struct {
	Amount vault.Amount `json:"amount"`
}

type yieldRateRequest struct {
	Bps *uint32 `json:"bps" validate:"required"`
}

type delayRequest struct {
	Seconds *int64 `json:"seconds" validate:"required,gte=0"`
}

type roleRequest struct {
	Role      string `json:"role" validate:"required"`
	Principal string `json:"principal" validate:"required"`
}

type upgradeRequest struct {
	Version uint32 `json:"version" validate:"required,gte=1"`
}

type versionResponse struct {
	SchemaVersion uint32 `json:"schema_version"`
	LogicVersion  uint32 `json:"logic_version"`
	LatestVersion uint32 `json:"latest_version"`
}

type summaryResponse struct {
	Asset                  string       `json:"asset"`
	SchemaVersion          uint32       `json:"schema_version"`
	LogicVersion           uint32       `json:"logic_version"`
	TotalDeposits          vault.Amount `json:"total_deposits"`
	YieldRateBps           uint32       `json:"yield_rate_bps"`
	DepositsPaused         bool         `json:"deposits_paused"`
	WithdrawalDelaySeconds int64        `json:"withdrawal_delay_seconds"`
	Accounts               int          `json:"accounts"`
	PendingRequests        int          `json:"pending_requests"`
}

func newSummaryResponse(s vault.Summary) summaryResponse {
	return summaryResponse{
		Asset:                  s.Asset,
		SchemaVersion:          uint32(s.SchemaVersion),
		LogicVersion:           uint32(s.LogicVersion),
		TotalDeposits:          s.TotalDeposits,
		YieldRateBps:           s.YieldRateBps,
		DepositsPaused:         s.DepositsPaused,
		WithdrawalDelaySeconds: int64(s.WithdrawalDelay / time.Second),
		Accounts:               s.Accounts,
		PendingRequests:        s.PendingRequests,
	}
}

type withdrawalResponse struct {
	Amount      vault.Amount `json:"amount"`
	RequestedAt time.Time    `json:"requested_at"`
	ReadyAt     *time.Time   `json:"ready_at,omitempty"`
}

type accountResponse struct {
	Principal     string              `json:"principal"`
	Balance       vault.Amount        `json:"balance"`
	LastAccrualAt *time.Time          `json:"last_accrual_at,omitempty"`
	PendingYield  *vault.Amount       `json:"pending_yield,omitempty"`
	Pending       *withdrawalResponse `json:"pending_withdrawal,omitempty"`
}

type amountResponse struct {
	Principal string       `json:"principal"`
	Amount    vault.Amount `json:"amount"`
}

type roleResponse struct {
	Role      string `json:"role"`
	Principal string `json:"principal"`
	Granted   bool   `json:"granted"`
}

type roleMembersResponse struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}
