package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tokenvault/vault/internal/vault"
)

type deployResult struct {
	Asset   string `json:"asset"`
	Admin   string `json:"admin"`
	Version uint32 `json:"version"`
}

func newDeployCommand(root *RootOptions) *cobra.Command {
	var (
		admin    string
		yieldBps uint32
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Initialize an empty store at generation 1",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := OpenOptions{Deploy: true, Admin: admin, Logger: root.logger(cmd.ErrOrStderr())}
			if cmd.Flags().Changed("yield-bps") {
				opts.YieldBps = &yieldBps
			}
			session, err := root.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer session.close()
			if !session.Deployed {
				return WrapExitError(ExitFailure, "deploy", vault.ErrAlreadyInitialized)
			}
			version, err := session.Vault.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			result := deployResult{Asset: session.Asset, Admin: admin, Version: uint32(version)}
			return render(cmd.OutOrStdout(), root.Format, result, func(w io.Writer) {
				fmt.Fprintf(w, "deployed %s vault at v%d (admin %s)\n", result.Asset, result.Version, result.Admin)
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "principal receiving the ADMIN role (required)")
	cmd.Flags().Uint32Var(&yieldBps, "yield-bps", 0, "initial annual yield rate in basis points")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}
