// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates unusable caller input
	// (unknown strategy, manual resolution without a payload, etc.).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyResolved indicates an attempt to resolve a conflict twice.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrIntegrityViolation indicates a stored checksum no longer matches
	// its payload. Reported, never auto-corrected.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrDependencyUnmet indicates a queue item depending on an operation
	// that failed permanently, so the item can never become eligible.
	ErrDependencyUnmet = errors.New("dependency unmet")

	// ErrRetriesExhausted indicates a queue item that failed permanently.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrExecutorFailure wraps a transport-level execution error; retryable
	// up to the item's max retries.
	ErrExecutorFailure = errors.New("executor failure")

	// ErrVersionConflict indicates a concurrent writer took the version slot
	// (internal optimistic-retry signal, normally not seen by callers).
	ErrVersionConflict = errors.New("version conflict")

	// ErrLeaseHeld indicates another drain currently holds the owner's lease.
	ErrLeaseHeld = errors.New("drain lease held")
)
