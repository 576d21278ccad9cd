// Package sqlite implements storage.Repository on an embedded SQLite
// database (modernc.org/sqlite, no cgo). The schema is managed by goose.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/jmcleod/ironpass/storage"
	"github.com/jmcleod/ironpass/storage/sqlite/migrations"
)

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// RunMigrations brings the schema up to date.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if needed) the database file at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serialises writers; transactions never nest.
	db.SetMaxOpenConns(1)
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(scope, recordType, recordID string, envelope *storage.Envelope) error {
	return s.Batch(func(tx storage.BatchTx) error {
		return tx.Put(scope, recordType, recordID, envelope)
	})
}

func (s *Store) Get(scope, recordType, recordID string) (*storage.Envelope, error) {
	return (&sqlTx{q: s.db}).Get(scope, recordType, recordID)
}

func (s *Store) List(scope, recordType string) ([]string, error) {
	return (&sqlTx{q: s.db}).List(scope, recordType)
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
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	return fn(&sqlTx{q: tx})
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqlTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	q querier
}

var _ storage.BatchTx = (*sqlTx)(nil)

func (t *sqlTx) Get(scope, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := t.q.QueryRowContext(context.Background(),
		`SELECT ver, scheme, nonce, ciphertext, version
		 FROM records WHERE scope = ? AND record_type = ? AND record_id = ?`,
		scope, recordType, recordID).Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &env.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (t *sqlTx) List(scope, recordType string) ([]string, error) {
	rows, err := t.q.QueryContext(context.Background(),
		`SELECT record_id FROM records WHERE scope = ? AND record_type = ? ORDER BY record_id`,
		scope, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *sqlTx) Put(scope, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := t.q.ExecContext(context.Background(),
		`INSERT INTO records (scope, record_type, record_id, ver, scheme, nonce, ciphertext, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope, record_type, record_id)
		 DO UPDATE SET ver = excluded.ver, scheme = excluded.scheme, nonce = excluded.nonce,
		               ciphertext = excluded.ciphertext, version = excluded.version`,
		scope, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, int64(envelope.Version))
	return err
}

func (t *sqlTx) PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	var current int64
	err := t.q.QueryRowContext(context.Background(),
		`SELECT version FROM records WHERE scope = ? AND record_type = ? AND record_id = ?`,
		scope, recordType, recordID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	default:
		if expectedVersion == 0 || uint64(current) != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return t.Put(scope, recordType, recordID, envelope)
}

func (t *sqlTx) Delete(scope, recordType, recordID string) error {
	res, err := t.q.ExecContext(context.Background(),
		`DELETE FROM records WHERE scope = ? AND record_type = ? AND record_id = ?`,
		scope, recordType, recordID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) DeleteScope(scope string) error {
	_, err := t.q.ExecContext(context.Background(), `DELETE FROM records WHERE scope = ?`, scope)
	return err
}
