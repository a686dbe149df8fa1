package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MaxIdempotencyKeyLength bounds client supplied keys.
const MaxIdempotencyKeyLength = 128

var (
	// ErrIdempotencyConflict reports a key that was already reserved in its scope.
	ErrIdempotencyConflict = errors.New("shared: idempotency key already used")
	// ErrIdempotencyKeyInvalid reports an empty, oversized or non-printable key.
	ErrIdempotencyKeyInvalid = errors.New("shared: invalid idempotency key")
)

// IdempotencyStore reserves Idempotency-Key values in the idempotency_keys
// table. A key is unique per scope, so the same client key may be reused
// across endpoints and principals.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// WithNow overrides the clock used to stamp reservations.
func (s *IdempotencyStore) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ValidateIdempotencyKey checks a client key before it reaches storage.
func ValidateIdempotencyKey(key string) error {
	if key == "" || len(key) > MaxIdempotencyKeyLength {
		return fmt.Errorf("%w: length must be 1..%d", ErrIdempotencyKeyInvalid, MaxIdempotencyKeyLength)
	}
	if strings.IndexFunc(key, func(r rune) bool { return r < 0x21 || r > 0x7e }) >= 0 {
		return fmt.Errorf("%w: printable ASCII only", ErrIdempotencyKeyInvalid)
	}
	return nil
}

// Reserve claims key within scope. A second reservation of the same pair
// fails with ErrIdempotencyConflict until it is released or pruned.
func (s *IdempotencyStore) Reserve(ctx context.Context, key, scope string) error {
	if s == nil || s.pool == nil {
		return errors.New("shared: idempotency store not configured")
	}
	if err := ValidateIdempotencyKey(key); err != nil {
		return err
	}
	if scope == "" {
		return errors.New("shared: idempotency scope required")
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)
ON CONFLICT (key, module) DO NOTHING`, key, scope, s.now().UTC())
	if err != nil {
		return fmt.Errorf("shared: reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Release forgets a reservation so the client may retry a failed request.
func (s *IdempotencyStore) Release(ctx context.Context, key, scope string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND module = $2`, key, scope)
	if err != nil {
		return fmt.Errorf("shared: release idempotency key: %w", err)
	}
	return nil
}

// Cleanup prunes reservations older than the retention window.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil || s.pool == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-olderThan)
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff); err != nil {
		return fmt.Errorf("shared: prune idempotency keys: %w", err)
	}
	return nil
}
