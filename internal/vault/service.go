package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokenvault/vault/internal/shared"
)

// RepositoryPort abstracts transactional persistence of the vault state.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the state accessors available inside a transaction.
type TxRepository interface {
	LoadGlobals(ctx context.Context) (Globals, error)
	SaveGlobals(ctx context.Context, globals Globals) error
	// LoadAccount returns the zero account for unknown principals.
	LoadAccount(ctx context.Context, principal Principal) (Account, error)
	SaveAccount(ctx context.Context, account Account) error
	ListAccounts(ctx context.Context) ([]Account, error)
	HasRole(ctx context.Context, role Role, principal Principal) (bool, error)
	RoleMembers(ctx context.Context, role Role) ([]Principal, error)
	SetRole(ctx context.Context, role Role, principal Principal, granted bool) error
}

// AssetPort moves the custodied asset between holders and the vault. Both
// calls are atomic: they fully succeed or leave balances untouched.
type AssetPort interface {
	Pull(ctx context.Context, from Principal, amount Amount) error
	Push(ctx context.Context, to Principal, amount Amount) error
}

// AuditPort records vault events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventObserver receives committed events, typically for metrics.
type EventObserver interface {
	ObserveEvent(event Event)
}

// Dependencies wires a live vault to its collaborators.
type Dependencies struct {
	Repo     RepositoryPort
	Asset    AssetPort
	Audit    AuditPort
	Observer EventObserver
	Logger   *slog.Logger
}

// Vault is the stable invocation address of a custody ledger. A live Vault is
// obtained from Deploy or Open; values returned by NewImplementation are
// sealed logic templates that refuse every call.
type Vault struct {
	deps     Dependencies
	logger   *slog.Logger
	now      func() time.Time
	guard    *guard
	sealed   bool
	version  Version
	globals  *Layout[Globals]
	accounts *Layout[Account]
}

// NewImplementation builds the sealed logic for generation v.
func NewImplementation(v Version) (*Vault, error) {
	globals, err := GlobalsLayout(v)
	if err != nil {
		return nil, err
	}
	accounts, err := AccountLayout(v)
	if err != nil {
		return nil, err
	}
	return &Vault{sealed: true, version: v, globals: globals, accounts: accounts}, nil
}

// Deploy places impl behind a new stable address and runs the base
// initializer with params.
func Deploy(ctx context.Context, impl *Vault, deps Dependencies, params InitParams) (*Vault, error) {
	if impl == nil || !impl.sealed {
		return nil, fmt.Errorf("%w: deploy requires a sealed implementation", ErrIncompatibleImplementation)
	}
	v, err := newLive(impl.version, deps)
	if err != nil {
		return nil, err
	}
	if err := v.initialize(ctx, params, impl.version); err != nil {
		return nil, err
	}
	return v, nil
}

// Open attaches to an already initialized vault.
func Open(ctx context.Context, deps Dependencies) (*Vault, error) {
	v, err := newLive(LatestVersion, deps)
	if err != nil {
		return nil, err
	}
	var globals Globals
	err = deps.Repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		globals, err = tx.LoadGlobals(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !globals.Initialized() {
		return nil, ErrNotInitialized
	}
	if globals.LogicVersion > LatestVersion {
		return nil, fmt.Errorf("%w: stored logic v%d is newer than this build", ErrUnsupported, globals.LogicVersion)
	}
	return v, nil
}

func newLive(v Version, deps Dependencies) (*Vault, error) {
	if deps.Repo == nil {
		return nil, fmt.Errorf("%w: repository required", ErrInvalidArgument)
	}
	// Live state is decoded with the newest layout; older records only
	// populate the slots their generation declared.
	globals, err := GlobalsLayout(LatestVersion)
	if err != nil {
		return nil, err
	}
	accounts, err := AccountLayout(LatestVersion)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		deps:     deps,
		logger:   logger,
		now:      time.Now,
		guard:    newGuard(),
		version:  v,
		globals:  globals,
		accounts: accounts,
	}, nil
}

// WithNow overrides the clock for testing.
func (v *Vault) WithNow(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

func (v *Vault) live() error {
	if v == nil || v.sealed || v.deps.Repo == nil {
		return ErrUnauthorized
	}
	return nil
}

// session is the state visible to a single operation.
type session struct {
	v       *Vault
	tx      TxRepository
	globals Globals
	at      time.Time
	events  []Event

	// settle replays the ledger side of a completed outbound transfer when
	// the transaction carrying it does not commit.
	settle  settlement
	settler Principal
}

// settlement applies ledger changes inside a transaction.
type settlement func(ctx context.Context, s *session) error

// transferred registers fn as the settlement owed to account should the
// surrounding transaction fail to commit.
func (s *session) transferred(account Principal, fn settlement) {
	s.settle, s.settler = fn, account
}

// require checks that generation gen is both attached and initialized.
func (s *session) require(gen Version) error {
	if s.globals.LogicVersion < gen {
		return ErrUnsupported
	}
	if s.globals.SchemaVersion < gen {
		return ErrNotInitialized
	}
	return nil
}

func (s *session) requireRole(ctx context.Context, caller Principal, roles ...Role) error {
	if !caller.Valid() {
		return ErrUnauthorized
	}
	for _, role := range roles {
		ok, err := s.tx.HasRole(ctx, role, caller)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrUnauthorized
}

func (s *session) account(ctx context.Context, p Principal) (Account, error) {
	acct, err := s.tx.LoadAccount(ctx, p)
	if err != nil {
		return Account{}, err
	}
	acct.Principal = p
	return acct, nil
}

func (s *session) saveAccount(ctx context.Context, acct Account) error {
	if err := s.v.accounts.CheckWrite(&acct, s.globals.SchemaVersion); err != nil {
		return err
	}
	return s.tx.SaveAccount(ctx, acct)
}

func (s *session) saveGlobals(ctx context.Context) error {
	if err := s.v.globals.CheckWrite(&s.globals, s.globals.SchemaVersion); err != nil {
		return err
	}
	return s.tx.SaveGlobals(ctx, s.globals)
}

func (s *session) emit(event Event) {
	if event.At.IsZero() {
		event.At = s.at
	}
	s.events = append(s.events, event)
}

// mutate runs fn under the operation lock inside one repository transaction
// and publishes the collected events after commit. Settlements owed to any
// of accounts are applied first.
func (v *Vault) mutate(ctx context.Context, op string, accounts []Principal, fn func(context.Context, *session) error) error {
	if err := v.live(); err != nil {
		return err
	}
	release, err := v.guard.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := v.settleOwed(ctx, accounts); err != nil {
		return err
	}
	s := &session{v: v, at: v.now().UTC()}
	err = v.transact(ctx, s, fn)
	if err != nil && s.settle != nil {
		err = v.settleAfter(ctx, op, s, err)
	}
	if err != nil {
		if !isBusinessError(err) {
			v.logger.ErrorContext(ctx, "vault operation failed", slog.String("op", op), slog.Any("error", err))
		}
		return err
	}
	v.publish(ctx, s.events)
	return nil
}

// view runs a read-only fn against a consistent snapshot.
func (v *Vault) view(ctx context.Context, fn func(context.Context, *session) error) error {
	if err := v.live(); err != nil {
		return err
	}
	release, err := v.guard.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	return v.transact(ctx, &session{v: v, at: v.now().UTC()}, fn)
}

func (v *Vault) transact(ctx context.Context, s *session, fn settlement) error {
	return v.deps.Repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		s.tx = tx
		globals, err := tx.LoadGlobals(ctx)
		if err != nil {
			return err
		}
		s.globals = globals
		return fn(ctx, s)
	})
}

// settleAfter replays the settlement of a failed session in a fresh
// transaction. On success the operation counts as done. Otherwise the
// settlement stays owed and blocks the account until it applies.
func (v *Vault) settleAfter(ctx context.Context, op string, failed *session, cause error) error {
	ctx = context.WithoutCancel(ctx)
	s := &session{v: v, at: failed.at}
	if err := v.transact(ctx, s, failed.settle); err != nil {
		v.guard.owe(failed.settler, failed.settle)
		v.logger.ErrorContext(ctx, "ledger settlement after transfer failed",
			slog.String("op", op),
			slog.String("principal", string(failed.settler)),
			slog.Any("cause", cause),
			slog.Any("error", err))
		return fmt.Errorf("%w: %v", ErrUnsettled, cause)
	}
	v.logger.WarnContext(ctx, "ledger settled after commit failure",
		slog.String("op", op),
		slog.String("principal", string(failed.settler)),
		slog.Any("cause", cause))
	failed.events = s.events
	return nil
}

// settleOwed applies outstanding settlements for accounts.
func (v *Vault) settleOwed(ctx context.Context, accounts []Principal) error {
	for _, p := range accounts {
		fn, ok := v.guard.owed.Load(p)
		if !ok {
			continue
		}
		s := &session{v: v, at: v.now().UTC()}
		if err := v.transact(ctx, s, fn); err != nil {
			v.logger.ErrorContext(ctx, "owed ledger settlement failed", slog.String("principal", string(p)), slog.Any("error", err))
			return fmt.Errorf("%w: %v", ErrUnsettled, err)
		}
		v.guard.owed.Delete(p)
		v.logger.InfoContext(ctx, "owed ledger settlement applied", slog.String("principal", string(p)))
		v.publish(ctx, s.events)
	}
	return nil
}

func (v *Vault) publish(ctx context.Context, events []Event) {
	for _, event := range events {
		if v.deps.Audit != nil {
			if err := v.deps.Audit.Record(ctx, event.AuditLog()); err != nil {
				v.logger.WarnContext(ctx, "audit record failed", slog.String("event", string(event.Kind)), slog.Any("error", err))
			}
		}
		if v.deps.Observer != nil {
			v.deps.Observer.ObserveEvent(event)
		}
	}
}

var businessErrors = []error{
	ErrUnauthorized, ErrAlreadyInitialized, ErrNotInitialized, ErrUnsupported,
	ErrInvalidArgument, ErrInsufficientBalance, ErrDepositsPaused,
	ErrRequestAlreadyPending, ErrNoPendingRequest, ErrWithdrawalNotReady,
	ErrTransferFailed, ErrReentrantCall, ErrIncompatibleImplementation,
	ErrOverflow, ErrLastAdmin,
}

func isBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
