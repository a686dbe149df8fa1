package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tokenvault/vault/internal/app"
	"github.com/tokenvault/vault/internal/platform/migrations"
)

// Migrator applies the embedded postgres schema.
type Migrator interface {
	Up(dsn string) (uint, bool, error)
	Version(dsn string) (uint, bool, error)
}

type embeddedMigrator struct{}

func (embeddedMigrator) Up(dsn string) (uint, bool, error)      { return migrations.Up(dsn) }
func (embeddedMigrator) Version(dsn string) (uint, bool, error) { return migrations.Version(dsn) }

type migrateResult struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	Applied bool `json:"applied"`
}

func newMigrateCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending schema migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			version, applied, err := root.Migrator.Up(dsn)
			if err != nil {
				return WrapExitError(ExitFailure, "migrate up", err)
			}
			result := migrateResult{Version: version, Applied: applied}
			return render(cmd.OutOrStdout(), root.Format, result, func(w io.Writer) {
				if applied {
					fmt.Fprintf(w, "schema migrated to %d\n", version)
					return
				}
				fmt.Fprintf(w, "schema already at %d\n", version)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			version, dirty, err := root.Migrator.Version(dsn)
			if err != nil {
				return WrapExitError(ExitFailure, "migrate version", err)
			}
			result := migrateResult{Version: version, Dirty: dirty}
			return render(cmd.OutOrStdout(), root.Format, result, func(w io.Writer) {
				fmt.Fprintf(w, "schema version %d (dirty=%t)\n", version, dirty)
			})
		},
	})
	return cmd
}

func postgresDSN() (string, error) {
	cfg, err := app.LoadConfigWith(func(cfg *app.Config) { cfg.AutoDeploy = false })
	if err != nil {
		return "", WrapExitError(ExitCommandError, "load config", err)
	}
	if cfg.Store != app.StorePostgres {
		return "", WrapExitError(ExitCommandError, "migrate", fmt.Errorf("VAULT_STORE=%s has no schema", cfg.Store))
	}
	return cfg.PGDSN, nil
}
