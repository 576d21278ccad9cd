// Package errs defines the failure taxonomy returned across the ironpass
// core. Callers match with errors.Is on the sentinels or errors.AsType on
// the typed errors.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyUnavailable indicates a wrapped share key could not be unwrapped
	// with the user's address key. The share stays unusable until a forced
	// key refresh succeeds.
	ErrKeyUnavailable = errors.New("key unavailable")
	// ErrRevisionConflict indicates a write was based on a revision that is
	// no longer current. Callers must re-read and retry.
	ErrRevisionConflict = errors.New("revision conflict")
	// ErrDecryption indicates a single payload failed to decrypt.
	ErrDecryption = errors.New("decryption failure")
	// ErrTransientNetwork indicates a retryable failure of the remote
	// collaborator. The core never retries on its own.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrInvariantViolation indicates a broken protocol invariant, such as an
	// out-of-order event token.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrUnauthorized indicates the share role does not permit the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound indicates the share or item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// ConflictError carries the revisions involved in a rejected write.
type ConflictError struct {
	ShareID  string
	ItemID   string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s/%s: expected %d, current %d", e.ShareID, e.ItemID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrRevisionConflict }

// InvariantError describes a protocol invariant that was broken while
// processing a share.
type InvariantError struct {
	ShareID string
	Reason  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on share %s: %s", e.ShareID, e.Reason)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariantViolation }

// ValidationError describes malformed input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// Validationf formats a ValidationError.
func Validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a retryable network failure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientNetwork, err)
}

// IsRetryable reports whether the caller may retry the failed call verbatim.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
