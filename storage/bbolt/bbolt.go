// Package bbolt provides a BBolt-backed storage repository. Each scope is a
// top-level bucket; records are keyed "type:id" inside it.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironpass/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// DB returns the underlying database, for components that keep their own
// buckets next to the records (the rotation cache).
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func (s *Store) Put(scope, recordType, recordID string, envelope *storage.Envelope) error {
	return s.Batch(func(tx storage.BatchTx) error {
		return tx.Put(scope, recordType, recordID, envelope)
	})
}

func (s *Store) Get(scope, recordType, recordID string) (*storage.Envelope, error) {
	var env *storage.Envelope
	err := s.View(func(tx storage.ReadTx) error {
		var err error
		env, err = tx.Get(scope, recordType, recordID)
		return err
	})
	return env, err
}

func (s *Store) List(scope, recordType string) ([]string, error) {
	var ids []string
	err := s.View(func(tx storage.ReadTx) error {
		var err error
		ids, err = tx.List(scope, recordType)
		return err
	})
	return ids, err
}

func (s *Store) Delete(scope, recordType, recordID string) error {
	return s.Batch(func(tx storage.BatchTx) error {
		return tx.Delete(scope, recordType, recordID)
	})
}

func (s *Store) PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(func(tx storage.BatchTx) error {
		return tx.PutCAS(scope, recordType, recordID, expectedVersion, envelope)
	})
}

func (s *Store) View(fn func(tx storage.ReadTx) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bbolt.Tx
}

var _ storage.BatchTx = (*boltTx)(nil)

func (t *boltTx) Get(scope, recordType, recordID string) (*storage.Envelope, error) {
	b := t.tx.Bucket([]byte(scope))
	if b == nil {
		return nil, fmt.Errorf("%s: %w", scope, storage.ErrNotFound)
	}
	data := b.Get(recordKey(recordType, recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var env storage.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", recordType, recordID, err)
	}
	return &env, nil
}

func (t *boltTx) List(scope, recordType string) ([]string, error) {
	b := t.tx.Bucket([]byte(scope))
	if b == nil {
		return nil, nil
	}
	var ids []string
	prefix := []byte(recordType + ":")
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids, nil
}

func (t *boltTx) Put(scope, recordType, recordID string, envelope *storage.Envelope) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(scope))
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func (t *boltTx) PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(scope))
	if err != nil {
		return err
	}
	existingData := b.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Envelope
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func (t *boltTx) Delete(scope, recordType, recordID string) error {
	b := t.tx.Bucket([]byte(scope))
	key := recordKey(recordType, recordID)
	if b == nil || b.Get(key) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return b.Delete(key)
}

func (t *boltTx) DeleteScope(scope string) error {
	if t.tx.Bucket([]byte(scope)) == nil {
		return nil
	}
	return t.tx.DeleteBucket([]byte(scope))
}
