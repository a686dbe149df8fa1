// Package cli implements vaultctl, the operator tool for deploying,
// upgrading and inspecting a vault.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags and the collaborators commands run against.
type RootOptions struct {
	Verbose bool
	Format  string

	Open     Opener
	Migrator Migrator
	Jobs     func(redisAddr string) (JobQueue, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates vaultctl with production collaborators.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{})
}

// NewRootCommandWith creates vaultctl using the collaborators set on opts.
// Nil collaborators fall back to the production implementations.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	if opts.Open == nil {
		opts.Open = OpenFromEnv
	}
	if opts.Migrator == nil {
		opts.Migrator = embeddedMigrator{}
	}
	if opts.Jobs == nil {
		opts.Jobs = func(addr string) (JobQueue, error) { return NewJobsCLI(addr) }
	}

	cmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operate a token vault",
		Long:          "vaultctl deploys, upgrades and inspects a versioned custody vault using the VAULT_* environment.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newDeployCommand(opts))
	cmd.AddCommand(newUpgradeCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newJobsCommand(opts))
	return cmd
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
