package shared

import "errors"

var (
	// ErrPrincipalMissing indicates a request without caller identity.
	ErrPrincipalMissing = errors.New("principal missing")
	// ErrLockHeld indicates another process owns the lock.
	ErrLockHeld = errors.New("lock held by another process")
)
