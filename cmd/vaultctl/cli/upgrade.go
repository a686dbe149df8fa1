package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/internal/vault"
)

type upgradeResult struct {
	From    uint32   `json:"from"`
	To      uint32   `json:"to"`
	Applied []uint32 `json:"applied"`
}

func newUpgradeCommand(root *RootOptions) *cobra.Command {
	var (
		target uint32
		caller string
		pauser string
	)
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Attach and initialize logic generations up to --to",
		Long: `Attach each logic generation after the current one and run its initializer,
one generation at a time. A previously attached generation whose initializer
failed is initialized first. The redis upgrade lock is held for the whole run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := root.logger(cmd.ErrOrStderr())
			if target < uint32(vault.V1) || target > uint32(vault.LatestVersion) {
				return WrapExitError(ExitCommandError, "upgrade", fmt.Errorf("--to must be between %d and %d", vault.V1, vault.LatestVersion))
			}
			session, err := root.Open(cmd.Context(), OpenOptions{Logger: logger})
			if err != nil {
				return err
			}
			defer session.close()

			release, err := lockUpgrade(cmd.Context(), session, logger)
			if err != nil {
				return err
			}
			defer release()

			result, err := upgradeTo(cmd.Context(), session.Vault, vault.Principal(caller), vault.Principal(pauser), vault.Version(target))
			if err != nil {
				return WrapExitError(ExitFailure, "upgrade", err)
			}
			return render(cmd.OutOrStdout(), root.Format, result, func(w io.Writer) {
				if len(result.Applied) == 0 {
					fmt.Fprintf(w, "vault already at v%d\n", result.To)
					return
				}
				fmt.Fprintf(w, "upgraded vault from v%d to v%d\n", result.From, result.To)
			})
		},
	}
	cmd.Flags().Uint32Var(&target, "to", uint32(vault.LatestVersion), "target generation")
	cmd.Flags().StringVar(&caller, "caller", "", "principal holding the ADMIN role (required)")
	cmd.Flags().StringVar(&pauser, "pauser", "", "principal receiving PAUSER when initializing generation 2 (defaults to --caller)")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

func lockUpgrade(ctx context.Context, session *Session, logger *slog.Logger) (func(), error) {
	if session.Locker == nil {
		logger.Warn("redis unavailable, upgrading without the upgrade lock")
		return func() {}, nil
	}
	release, err := session.Locker.Acquire(ctx, shared.UpgradeLockKey(session.Asset), session.LockTTL)
	if errors.Is(err, shared.ErrLockHeld) {
		return nil, WrapExitError(ExitFailure, "another upgrade is in progress", err)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release upgrade lock", slog.Any("error", err))
		}
	}, nil
}

// upgradeTo walks the vault forward one generation at a time.
func upgradeTo(ctx context.Context, v *vault.Vault, caller, pauser vault.Principal, target vault.Version) (upgradeResult, error) {
	logic, err := v.LogicVersion(ctx)
	if err != nil {
		return upgradeResult{}, err
	}
	schema, err := v.CurrentVersion(ctx)
	if err != nil {
		return upgradeResult{}, err
	}
	result := upgradeResult{From: uint32(schema), To: uint32(schema), Applied: []uint32{}}
	if target < logic {
		return result, fmt.Errorf("%w: vault logic is already at v%d", vault.ErrIncompatibleImplementation, logic)
	}

	if schema < logic {
		if err := initialize(ctx, v, caller, pauser, logic); err != nil {
			return result, err
		}
		result.Applied = append(result.Applied, uint32(logic))
		result.To = uint32(logic)
	}
	for next := logic + 1; next <= target; next++ {
		impl, err := vault.NewImplementation(next)
		if err != nil {
			return result, err
		}
		if err := v.AuthorizeUpgrade(ctx, caller, impl); err != nil {
			return result, err
		}
		if err := initialize(ctx, v, caller, pauser, next); err != nil {
			return result, err
		}
		result.Applied = append(result.Applied, uint32(next))
		result.To = uint32(next)
	}
	return result, nil
}

func initialize(ctx context.Context, v *vault.Vault, caller, pauser vault.Principal, gen vault.Version) error {
	if gen == vault.V2 {
		return v.InitializeV2(ctx, caller, vault.InitV2Params{Pauser: pauser})
	}
	return v.InitializeGeneration(ctx, caller, gen)
}
