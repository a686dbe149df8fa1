package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates the caller lacks the required role, or the
	// call targeted a bare implementation.
	ErrUnauthorized = errors.New("vault: unauthorized")
	// ErrAlreadyInitialized indicates an initializer already ran.
	ErrAlreadyInitialized = errors.New("vault: already initialized")
	// ErrNotInitialized indicates the generation initializer has not run.
	ErrNotInitialized = errors.New("vault: not initialized")
	// ErrUnsupported indicates the attached logic predates the operation.
	ErrUnsupported = errors.New("vault: operation not supported by attached logic")
	// ErrInvalidArgument indicates malformed input.
	ErrInvalidArgument = errors.New("vault: invalid argument")
	// ErrLastAdmin blocks removing the final administrator.
	ErrLastAdmin = fmt.Errorf("%w: cannot revoke the last admin", ErrInvalidArgument)
	// ErrInsufficientBalance indicates the account cannot cover the amount.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	// ErrDepositsPaused indicates deposits are switched off.
	ErrDepositsPaused = errors.New("vault: deposits paused")
	// ErrRequestAlreadyPending indicates an outstanding withdrawal request.
	ErrRequestAlreadyPending = errors.New("vault: withdrawal request already pending")
	// ErrNoPendingRequest indicates nothing to execute.
	ErrNoPendingRequest = errors.New("vault: no pending withdrawal request")
	// ErrWithdrawalNotReady indicates the timelock has not elapsed.
	ErrWithdrawalNotReady = errors.New("vault: withdrawal not ready")
	// ErrTransferFailed indicates the asset refused a movement.
	ErrTransferFailed = errors.New("vault: asset transfer failed")
	// ErrReentrantCall indicates a nested call during an external transfer.
	ErrReentrantCall = errors.New("vault: reentrant call")
	// ErrIncompatibleImplementation rejects an upgrade target.
	ErrIncompatibleImplementation = errors.New("vault: incompatible implementation")
	// ErrLayoutViolation indicates a write outside the declared layout.
	ErrLayoutViolation = errors.New("vault: layout violation")
	// ErrOverflow indicates an amount exceeded the representable range.
	ErrOverflow = fmt.Errorf("%w: amount overflow", ErrInvalidArgument)
	// ErrUnsettled indicates an asset transfer went out but its ledger entry
	// is still owed. The account refuses changes until it is applied.
	ErrUnsettled = errors.New("vault: transfer completed but ledger not settled")
)
