// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/ironpass/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for tests, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(scope, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(scope, recordType, recordID, envelope)
}

func (r *Repository) putLocked(scope, recordType, recordID string, envelope *storage.Envelope) error {
	if _, ok := r.data[scope]; !ok {
		r.data[scope] = make(map[string]*storage.Envelope)
	}
	r.data[scope][makeKey(recordType, recordID)] = envelope.Clone()
	return nil
}

func (r *Repository) Get(scope, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(scope, recordType, recordID)
}

func (r *Repository) getLocked(scope, recordType, recordID string) (*storage.Envelope, error) {
	env, ok := r.data[scope][makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return env.Clone(), nil
}

func (r *Repository) List(scope, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(scope, recordType), nil
}

func (r *Repository) listLocked(scope, recordType string) []string {
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[scope] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) Delete(scope, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(scope, recordType, recordID)
}

func (r *Repository) deleteLocked(scope, recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	scopeData, ok := r.data[scope]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := scopeData[k]; !ok {
		return storage.ErrNotFound
	}
	delete(scopeData, k)
	if len(scopeData) == 0 {
		delete(r.data, scope)
	}
	return nil
}

func (r *Repository) PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(scope, recordType, recordID, expectedVersion, envelope)
}

func (r *Repository) putCASLocked(scope, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := r.getLocked(scope, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(scope, recordType, recordID, envelope)
	}
	if existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(scope, recordType, recordID, envelope)
}

// View runs fn under the read lock.
func (r *Repository) View(fn func(tx storage.ReadTx) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(&memoryReadTx{repo: r})
}

// Batch executes fn within a batch transaction. Each scope is snapshotted
// on its first write; on error every touched scope is restored.
func (r *Repository) Batch(fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryBatchTx{memoryReadTx: memoryReadTx{repo: r}, snapshots: make(map[string]map[string]*storage.Envelope)}
	if err := fn(tx); err != nil {
		for scope, snapshot := range tx.snapshots {
			r.restoreScope(scope, snapshot)
		}
		return err
	}
	return nil
}

func (r *Repository) snapshotScope(scope string) map[string]*storage.Envelope {
	original, ok := r.data[scope]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restoreScope(scope string, snapshot map[string]*storage.Envelope) {
	if snapshot == nil {
		delete(r.data, scope)
	} else {
		r.data[scope] = snapshot
	}
}

type memoryReadTx struct {
	repo *Repository
}

func (tx *memoryReadTx) Get(scope, recordType, recordID string) (*storage.Envelope, error) {
	return tx.repo.getLocked(scope, recordType, recordID)
}

func (tx *memoryReadTx) List(scope, recordType string) ([]string, error) {
	return tx.repo.listLocked(scope, recordType), nil
}

type memoryBatchTx struct {
	memoryReadTx
	snapshots map[string]map[string]*storage.Envelope
}

func (tx *memoryBatchTx) touch(scope string) {
	if _, ok := tx.snapshots[scope]; !ok {
		tx.snapshots[scope] = tx.repo.snapshotScope(scope)
	}
}

func (tx *memoryBatchTx) Put(scope, recordType, recordID string, envelope *storage.Envelope) error {
	tx.touch(scope)
	return tx.repo.putLocked(scope, recordType, recordID, envelope)
}

func (tx *memoryBatchTx) PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	tx.touch(scope)
	return tx.repo.putCASLocked(scope, recordType, recordID, expectedVersion, envelope)
}

func (tx *memoryBatchTx) Delete(scope, recordType, recordID string) error {
	tx.touch(scope)
	return tx.repo.deleteLocked(scope, recordType, recordID)
}

func (tx *memoryBatchTx) DeleteScope(scope string) error {
	tx.touch(scope)
	delete(tx.repo.data, scope)
	return nil
}
