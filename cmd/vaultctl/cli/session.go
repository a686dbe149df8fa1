package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/tokenvault/vault/internal/app"
	"github.com/tokenvault/vault/internal/shared"
	"github.com/tokenvault/vault/internal/vault"
)

// Locker guards logic upgrades against concurrent operators.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// OpenOptions selects how a session attaches to the store.
type OpenOptions struct {
	// Deploy initializes an empty store at generation 1.
	Deploy bool
	Admin  string
	// YieldBps is only applied when set.
	YieldBps *uint32
	Logger   *slog.Logger
}

// Session is a live vault opened for one command.
type Session struct {
	Vault    *vault.Vault
	Asset    string
	Deployed bool
	// Locker is nil when redis is unreachable.
	Locker  Locker
	LockTTL time.Duration
	Close   func()
}

// Opener attaches to the configured vault.
type Opener func(ctx context.Context, opts OpenOptions) (*Session, error)

// OpenFromEnv builds a session from the VAULT_* environment.
func OpenFromEnv(ctx context.Context, opts OpenOptions) (*Session, error) {
	cfg, err := app.LoadConfigWith(func(cfg *app.Config) {
		cfg.AutoDeploy = opts.Deploy
		if opts.Admin != "" {
			cfg.Admin = opts.Admin
		}
		if opts.YieldBps != nil {
			cfg.InitialYieldBps = *opts.YieldBps
		}
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Store == app.StoreMemory {
		logger.Warn("memory store selected; state lasts for this command only")
	}

	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt, err := app.BuildVault(ctx, cfg, logger, app.VaultOptions{Pool: infra.Pool})
	if err != nil {
		infra.Close()
		return nil, err
	}
	session := &Session{
		Vault:    rt.Vault,
		Asset:    cfg.AssetSymbol,
		Deployed: rt.Deployed,
		LockTTL:  cfg.UpgradeLockTTL,
		Close:    infra.Close,
	}
	if infra.Redis != nil {
		session.Locker = shared.NewLocker(infra.Redis)
	}
	return session, nil
}

func (s *Session) close() {
	if s != nil && s.Close != nil {
		s.Close()
	}
}
