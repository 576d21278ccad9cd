// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (scope, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Envelope fields are stored as individual columns so nonce and
// ciphertext use native BYTEA storage.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironpass/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool, shared with the rotation cache.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(scope, recordType, recordID string, envelope *storage.Envelope) error {
	return (&pgTx{q: s.pool}).Put(scope, recordType, recordID, envelope)
}

func (s *Store) Get(scope, recordType, recordID string) (*storage.Envelope, error) {
	return (&pgTx{q: s.pool}).Get(scope, recordType, recordID)
}

func (s *Store) List(scope, recordType string) ([]string, error) {
	return (&pgTx{q: s.pool}).List(scope, recordType)
}

func (s *Store) Delete(scope, recordType, recordID string) error {
	return (&pgTx{q: s.pool}).Delete(scope, recordType, recordID)
}

func (s *Store) PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(func(tx storage.BatchTx) error {
		return tx.PutCAS(scope, recordType, recordID, expectedVersion, envelope)
	})
}

func (s *Store) View(fn func(tx storage.ReadTx) error) error {
	ctx := context.Background()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	return fn(&pgTx{q: tx})
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier abstracts both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q querier
}

var _ storage.BatchTx = (*pgTx)(nil)

func (t *pgTx) Get(scope, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := t.q.QueryRow(context.Background(),
		`SELECT ver, scheme, nonce, ciphertext, version
		 FROM records WHERE scope = $1 AND record_type = $2 AND record_id = $3`,
		scope, recordType, recordID).Scan(
		&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &env.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (t *pgTx) List(scope, recordType string) ([]string, error) {
	rows, err := t.q.Query(context.Background(),
		`SELECT record_id FROM records WHERE scope = $1 AND record_type = $2 ORDER BY record_id`,
		scope, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *pgTx) Put(scope, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := t.q.Exec(context.Background(),
		`INSERT INTO records (scope, record_type, record_id, ver, scheme, nonce, ciphertext, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (scope, record_type, record_id)
		 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7, version = $8`,
		scope, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, envelope.Version)
	return err
}

// PutCAS locks the row with FOR UPDATE, so it must run inside a transaction.
func (t *pgTx) PutCAS(scope, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	ctx := context.Background()
	var currentVersion uint64
	err := t.q.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE scope = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		scope, recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = t.q.Exec(ctx,
			`INSERT INTO records (scope, record_type, record_id, ver, scheme, nonce, ciphertext, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			scope, recordType, recordID,
			envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, envelope.Version)
		return err
	}
	if err != nil {
		return err
	}
	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = t.q.Exec(ctx,
		`UPDATE records SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7, version = $8
		 WHERE scope = $1 AND record_type = $2 AND record_id = $3`,
		scope, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, envelope.Version)
	return err
}

func (t *pgTx) Delete(scope, recordType, recordID string) error {
	tag, err := t.q.Exec(context.Background(),
		`DELETE FROM records WHERE scope = $1 AND record_type = $2 AND record_id = $3`,
		scope, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteScope(scope string) error {
	_, err := t.q.Exec(context.Background(), `DELETE FROM records WHERE scope = $1`, scope)
	return err
}
