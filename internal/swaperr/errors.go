// Package swaperr defines the error kinds shared by every swap component.
// Callers match them with errors.Is; components wrap them with context.
package swaperr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSecret means a secret did not hash to the expected hashlock
	// or was not exactly 32 bytes.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrInsufficientFunds means the funding inputs do not cover amount plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTimeoutNotReached means a refund or expiry was attempted before the timeout.
	ErrTimeoutNotReached = errors.New("timeout not reached")

	// ErrAlreadySettled means the escrow or swap has already been claimed,
	// refunded or otherwise finalized.
	ErrAlreadySettled = errors.New("already settled")

	// ErrArtifactMissing means the escrow contract artifact could not be loaded.
	ErrArtifactMissing = errors.New("contract artifact missing")

	// ErrChainCall means a call to a chain node or API failed. Retryable.
	ErrChainCall = errors.New("chain call failed")
)

// ChainCall wraps err as a chain failure for the named operation.
// Returns nil when err is nil.
func ChainCall(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChainCall) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrChainCall, op, err)
}

// IsRetryable reports whether the operation that produced err may succeed
// if attempted again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChainCall) || errors.Is(err, ErrTimeoutNotReached)
}
