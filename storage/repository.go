// Package storage provides the local persistent store used by the ironpass
// core. Records are sealed envelopes addressed by (scope, record type,
// record id); a scope is a share ID or a per-user namespace.
package storage

import (
	"errors"
	"strconv"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// ReadTx reads a consistent snapshot.
type ReadTx interface {
	Get(scope, recordType, recordID string) (*Envelope, error)
	// List returns record IDs of the given type in ascending order.
	List(scope, recordType string) ([]string, error)
}

// BatchTx groups writes that commit atomically. Implementations must not be
// used after the enclosing Batch call returns, and the callback must not
// call back into the Repository.
type BatchTx interface {
	ReadTx
	Put(scope, recordType, recordID string, envelope *Envelope) error
	PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(scope, recordType, recordID string) error
	// DeleteScope removes every record of scope. Missing scopes are not an error.
	DeleteScope(scope string) error
}

// Repository is the local record store. It must provide read-your-writes
// consistency within a process.
type Repository interface {
	Put(scope, recordType, recordID string, envelope *Envelope) error
	Get(scope, recordType, recordID string) (*Envelope, error)
	List(scope, recordType string) ([]string, error)
	Delete(scope, recordType, recordID string) error
	PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	// View runs fn against a read-only snapshot.
	View(fn func(tx ReadTx) error) error
	// Batch runs fn in a transaction spanning any number of scopes. If fn
	// returns an error no write is visible.
	Batch(fn func(tx BatchTx) error) error
}

// DeleteIfExists deletes a record, treating a missing record as success.
func DeleteIfExists(tx BatchTx, scope, recordType, recordID string) error {
	if err := tx.Delete(scope, recordType, recordID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// FormatUint renders numeric record IDs (rotations) so that lexical order
// equals numeric order.
func FormatUint(n uint64) string {
	s := strconv.FormatUint(n, 10)
	const width = 20
	if len(s) >= width {
		return s
	}
	pad := make([]byte, width-len(s))
	for i := range pad {
		pad[i] = '0'
	}
	return string(pad) + s
}

// ParseUint reverses FormatUint.
func ParseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
