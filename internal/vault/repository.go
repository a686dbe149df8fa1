package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokenvault/vault/internal/platform/db"
)

// Repository persists vault state in PostgreSQL. Globals are stored one row
// per layout slot; account fields live in columns added by each
// generation's migration.
type Repository struct {
	pool    *pgxpool.Pool
	globals *Layout[Globals]
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	globals, err := GlobalsLayout(LatestVersion)
	if err != nil {
		panic(err)
	}
	return &Repository{pool: pool, globals: globals}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("vault: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx, globals: r.globals})
	})
}

type pgTx struct {
	tx      pgx.Tx
	globals *Layout[Globals]
}

const selectGlobalsSQL = `SELECT slot, value FROM vault_globals ORDER BY slot FOR UPDATE`

func (t *pgTx) LoadGlobals(ctx context.Context) (Globals, error) {
	rows, err := t.tx.Query(ctx, selectGlobalsSQL)
	if err != nil {
		return Globals{}, err
	}
	defer rows.Close()
	values := map[Slot]string{}
	for rows.Next() {
		var (
			slot  int32
			value string
		)
		if err := rows.Scan(&slot, &value); err != nil {
			return Globals{}, err
		}
		values[Slot(slot)] = value
	}
	if err := rows.Err(); err != nil {
		return Globals{}, err
	}
	return t.globals.Decode(values)
}

const upsertGlobalSQL = `INSERT INTO vault_globals (slot, name, generation, value, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (slot) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
WHERE vault_globals.name = EXCLUDED.name`

func (t *pgTx) SaveGlobals(ctx context.Context, globals Globals) error {
	if err := t.globals.CheckWrite(&globals, globals.SchemaVersion); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	var queued []Field[Globals]
	for _, f := range t.globals.Fields() {
		if f.Generation > globals.SchemaVersion {
			continue
		}
		batch.Queue(upsertGlobalSQL, int32(f.Slot), f.Name, int16(f.Generation), f.Get(&globals))
		queued = append(queued, f)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for _, f := range queued {
		tag, err := results.Exec()
		if err != nil {
			return fmt.Errorf("vault: save global %s: %w", f.Name, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: slot %d is held by another field", ErrLayoutViolation, f.Slot)
		}
	}
	return nil
}

const selectAccountSQL = `SELECT principal, balance::text, last_accrual_at, pending_amount::text, pending_requested_at
FROM vault_accounts`

func scanAccount(row pgx.Row) (Account, error) {
	var (
		principal   string
		balance     string
		lastAccrual pgtype.Timestamptz
		pending     *string
		requestedAt pgtype.Timestamptz
	)
	if err := row.Scan(&principal, &balance, &lastAccrual, &pending, &requestedAt); err != nil {
		return Account{}, err
	}
	acct := Account{Principal: Principal(principal)}
	if err := acct.Balance.UnmarshalText([]byte(balance)); err != nil {
		return Account{}, err
	}
	if lastAccrual.Valid {
		acct.LastAccrualAt = lastAccrual.Time.UTC()
	}
	if pending != nil {
		req := &WithdrawalRequest{}
		if err := req.Amount.UnmarshalText([]byte(*pending)); err != nil {
			return Account{}, err
		}
		if requestedAt.Valid {
			req.RequestedAt = requestedAt.Time.UTC()
		}
		acct.Pending = req
	}
	return acct, nil
}

func (t *pgTx) LoadAccount(ctx context.Context, principal Principal) (Account, error) {
	acct, err := scanAccount(t.tx.QueryRow(ctx, selectAccountSQL+` WHERE principal = $1 FOR UPDATE`, string(principal)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{Principal: principal}, nil
	}
	return acct, err
}

const upsertAccountSQL = `INSERT INTO vault_accounts (principal, balance, last_accrual_at, pending_amount, pending_requested_at, updated_at)
VALUES ($1, $2::numeric, $3, $4::numeric, $5, NOW())
ON CONFLICT (principal) DO UPDATE SET
	balance = EXCLUDED.balance,
	last_accrual_at = EXCLUDED.last_accrual_at,
	pending_amount = EXCLUDED.pending_amount,
	pending_requested_at = EXCLUDED.pending_requested_at,
	updated_at = NOW()`

func (t *pgTx) SaveAccount(ctx context.Context, account Account) error {
	if !account.Principal.Valid() {
		return ErrInvalidArgument
	}
	var (
		lastAccrual pgtype.Timestamptz
		pending     *string
		requestedAt pgtype.Timestamptz
	)
	if !account.LastAccrualAt.IsZero() {
		lastAccrual = pgtype.Timestamptz{Time: account.LastAccrualAt, Valid: true}
	}
	if account.Pending != nil {
		amount := account.Pending.Amount.String()
		pending = &amount
		requestedAt = pgtype.Timestamptz{Time: account.Pending.RequestedAt, Valid: true}
	}
	_, err := t.tx.Exec(ctx, upsertAccountSQL, string(account.Principal), account.Balance.String(), lastAccrual, pending, requestedAt)
	return err
}

func (t *pgTx) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := t.tx.Query(ctx, selectAccountSQL+` ORDER BY principal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (t *pgTx) HasRole(ctx context.Context, role Role, principal Principal) (bool, error) {
	var held bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vault_roles WHERE role = $1 AND principal = $2)`, string(role), string(principal)).Scan(&held)
	return held, err
}

func (t *pgTx) RoleMembers(ctx context.Context, role Role) ([]Principal, error) {
	rows, err := t.tx.Query(ctx, `SELECT principal FROM vault_roles WHERE role = $1 ORDER BY principal FOR UPDATE`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []Principal
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		members = append(members, Principal(p))
	}
	return members, rows.Err()
}

func (t *pgTx) SetRole(ctx context.Context, role Role, principal Principal, granted bool) error {
	if granted {
		_, err := t.tx.Exec(ctx, `INSERT INTO vault_roles (role, principal, granted_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`, string(role), string(principal))
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM vault_roles WHERE role = $1 AND principal = $2`, string(role), string(principal))
	return err
}

// SchemaGeneration reports the highest vault generation recorded in the
// database, or zero for an empty instance.
func (r *Repository) SchemaGeneration(ctx context.Context) (Version, error) {
	var raw *string
	err := r.pool.QueryRow(ctx, `SELECT value FROM vault_globals WHERE name = 'schema_version'`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) || raw == nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(*raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return Version(n), nil
}
