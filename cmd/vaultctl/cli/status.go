package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tokenvault/vault/internal/vault"
)

type statusResult struct {
	Asset           string `json:"asset"`
	SchemaVersion   uint32 `json:"schema_version"`
	LogicVersion    uint32 `json:"logic_version"`
	TotalDeposits   string `json:"total_deposits"`
	Accounts        int    `json:"accounts"`
	YieldRateBps    uint32 `json:"yield_rate_bps"`
	DepositsPaused  bool   `json:"deposits_paused"`
	WithdrawalDelay string `json:"withdrawal_delay"`
	PendingRequests int    `json:"pending_requests"`
	Consistent      bool   `json:"consistent"`
}

func newStatusCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show versions, totals and integrity of the vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := root.Open(cmd.Context(), OpenOptions{Logger: root.logger(cmd.ErrOrStderr())})
			if err != nil {
				return err
			}
			defer session.close()

			summary, err := session.Vault.Summary(cmd.Context())
			if err != nil {
				return err
			}
			report, err := session.Vault.CheckIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			result := newStatusResult(summary, report)
			if err := render(cmd.OutOrStdout(), root.Format, result, func(w io.Writer) {
				fmt.Fprintf(w, "asset:            %s\n", result.Asset)
				fmt.Fprintf(w, "schema version:   v%d\n", result.SchemaVersion)
				fmt.Fprintf(w, "logic version:    v%d\n", result.LogicVersion)
				fmt.Fprintf(w, "total deposits:   %s\n", result.TotalDeposits)
				fmt.Fprintf(w, "accounts:         %d\n", result.Accounts)
				if summary.SchemaVersion >= vault.V2 {
					fmt.Fprintf(w, "yield rate:       %d bps\n", result.YieldRateBps)
					fmt.Fprintf(w, "deposits paused:  %t\n", result.DepositsPaused)
				}
				if summary.SchemaVersion >= vault.V3 {
					fmt.Fprintf(w, "withdrawal delay: %s\n", result.WithdrawalDelay)
					fmt.Fprintf(w, "pending requests: %d\n", result.PendingRequests)
				}
				fmt.Fprintf(w, "consistent:       %t\n", result.Consistent)
			}); err != nil {
				return err
			}
			if !result.Consistent {
				return WrapExitError(ExitFailure, "integrity check failed", nil)
			}
			return nil
		},
	}
}

func newStatusResult(summary vault.Summary, report vault.IntegrityReport) statusResult {
	return statusResult{
		Asset:           summary.Asset,
		SchemaVersion:   uint32(summary.SchemaVersion),
		LogicVersion:    uint32(summary.LogicVersion),
		TotalDeposits:   summary.TotalDeposits.String(),
		Accounts:        summary.Accounts,
		YieldRateBps:    summary.YieldRateBps,
		DepositsPaused:  summary.DepositsPaused,
		WithdrawalDelay: summary.WithdrawalDelay.String(),
		PendingRequests: summary.PendingRequests,
		Consistent:      report.Consistent(),
	}
}
