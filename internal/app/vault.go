package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokenvault/vault/internal/asset"
	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/internal/vault"
)

// VaultRuntime bundles a live vault with the collaborators built for it.
type VaultRuntime struct {
	Vault *vault.Vault
	// Token is set when the asset lives in-process.
	Token   *asset.Token
	Custody *asset.Custody
	// Deployed reports whether this call initialized a fresh instance.
	Deployed bool
}

// VaultOptions carries what BuildVault cannot derive from Config.
type VaultOptions struct {
	Pool     *pgxpool.Pool
	Observer vault.EventObserver
	// Deploy forces initialization of an empty store regardless of
	// Config.AutoDeploy.
	Deploy bool
}

// BuildVault wires the repository, asset and audit ports selected by cfg and
// attaches to the stored instance, deploying generation 1 when the store is
// empty and deployment is enabled.
func BuildVault(ctx context.Context, cfg *Config, logger *slog.Logger, opts VaultOptions) (*VaultRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		repo  vault.RepositoryPort
		audit vault.AuditPort
	)
	switch cfg.Store {
	case StorePostgres:
		if opts.Pool == nil {
			return nil, errors.New("app: postgres store requires a connection pool")
		}
		repo = vault.NewRepository(opts.Pool)
		audit = shared.NewAuditLogger(opts.Pool)
	default:
		repo = vault.NewMemoryRepository()
		audit = shared.NewSlogAuditor(logger.With(slog.String("component", "audit")))
	}

	rt := &VaultRuntime{}
	var ledger asset.Ledger
	if cfg.AssetURL != "" {
		ledger = asset.NewClient(cfg.AssetURL, nil)
	} else {
		rt.Token = asset.NewToken(cfg.AssetSymbol)
		ledger = rt.Token
	}
	rt.Custody = asset.NewCustody(ledger, vault.Principal(cfg.CustodyAccount))

	deps := vault.Dependencies{
		Repo:     repo,
		Asset:    rt.Custody,
		Audit:    audit,
		Observer: opts.Observer,
		Logger:   logger.With(slog.String("component", "vault")),
	}
	v, err := vault.Open(ctx, deps)
	switch {
	case err == nil:
		rt.Vault = v
		return rt, nil
	case !errors.Is(err, vault.ErrNotInitialized):
		return nil, fmt.Errorf("app: open vault: %w", err)
	case !cfg.AutoDeploy && !opts.Deploy:
		return nil, fmt.Errorf("app: open vault: %w", err)
	}

	impl, err := vault.NewImplementation(vault.V1)
	if err != nil {
		return nil, err
	}
	v, err = vault.Deploy(ctx, impl, deps, vault.InitParams{
		Asset:        cfg.AssetSymbol,
		Admin:        vault.Principal(cfg.Admin),
		YieldRateBps: cfg.InitialYieldBps,
	})
	if err != nil {
		return nil, fmt.Errorf("app: deploy vault: %w", err)
	}
	logger.Info("vault deployed", slog.String("asset", cfg.AssetSymbol), slog.String("admin", cfg.Admin), slog.String("store", cfg.Store))
	rt.Vault = v
	rt.Deployed = true
	return rt, nil
}
