// Package storagetest holds the behavioural suite every storage.Repository
// backend must pass.
package storagetest

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/jmcleod/ironpass/storage"
)

func envelope(version uint64, marker byte) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte{marker, 'c', 't'},
		Version:    version,
	}
}

// Run exercises a fresh repository returned by newRepo for each subtest.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		repo := newRepo(t)
		env := envelope(1, 'a')
		if err := repo.Put("share1", "ITEM", "id1", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get("share1", "ITEM", "id1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 1 || !bytes.Equal(got.Ciphertext, env.Ciphertext) || !bytes.Equal(got.Nonce, env.Nonce) {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}

		got.Ciphertext[0] = 'X'
		again, _ := repo.Get("share1", "ITEM", "id1")
		if again.Ciphertext[0] == 'X' {
			t.Error("repository must not alias returned envelopes")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.Get("missing", "ITEM", "id1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing scope, got %v", err)
		}
		_ = repo.Put("share1", "ITEM", "id1", envelope(1, 'a'))
		if _, err := repo.Get("share1", "ITEM", "other"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing record, got %v", err)
		}
	})

	t.Run("ListSortedAndTyped", func(t *testing.T) {
		repo := newRepo(t)
		for _, id := range []string{"c", "a", "b"} {
			_ = repo.Put("share1", "ITEM", id, envelope(1, 'a'))
		}
		_ = repo.Put("share1", "KEY", "z", envelope(1, 'a'))
		_ = repo.Put("share2", "ITEM", "d", envelope(1, 'a'))

		ids, err := repo.List("share1", "ITEM")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if !slices.Equal(ids, []string{"a", "b", "c"}) {
			t.Errorf("List = %v", ids)
		}
		ids, _ = repo.List("missing", "ITEM")
		if len(ids) != 0 {
			t.Errorf("expected no ids for missing scope, got %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		_ = repo.Put("share1", "ITEM", "id1", envelope(1, 'a'))
		if err := repo.Delete("share1", "ITEM", "id1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := repo.Delete("share1", "ITEM", "id1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second Delete should be ErrNotFound, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.PutCAS("share1", "ITEM", "id1", 0, envelope(1, 'a')); err != nil {
			t.Fatalf("create-only PutCAS failed: %v", err)
		}
		if err := repo.PutCAS("share1", "ITEM", "id1", 0, envelope(1, 'b')); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("create over existing: expected ErrCASFailed, got %v", err)
		}
		if err := repo.PutCAS("share1", "ITEM", "other", 1, envelope(1, 'a')); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("update of missing: expected ErrCASFailed, got %v", err)
		}
		if err := repo.PutCAS("share1", "ITEM", "id1", 1, envelope(2, 'b')); err != nil {
			t.Fatalf("update PutCAS failed: %v", err)
		}
		if err := repo.PutCAS("share1", "ITEM", "id1", 1, envelope(3, 'c')); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("stale update: expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("BatchCommitsAcrossScopes", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Batch(func(tx storage.BatchTx) error {
			if err := tx.Put("share1", "ITEM", "id1", envelope(1, 'a')); err != nil {
				return err
			}
			if err := tx.Put("share2", "ITEM", "id2", envelope(1, 'a')); err != nil {
				return err
			}
			// Writes are visible to reads inside the same batch.
			if _, err := tx.Get("share1", "ITEM", "id1"); err != nil {
				return fmt.Errorf("read-your-writes: %w", err)
			}
			return tx.PutCAS("user", "CURSOR", "share1", 0, envelope(1, 'a'))
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		for _, ref := range [][3]string{{"share1", "ITEM", "id1"}, {"share2", "ITEM", "id2"}, {"user", "CURSOR", "share1"}} {
			if _, err := repo.Get(ref[0], ref[1], ref[2]); err != nil {
				t.Errorf("%v missing after batch: %v", ref, err)
			}
		}
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		_ = repo.Put("share1", "ITEM", "id1", envelope(1, 'a'))

		boom := errors.New("simulated error")
		err := repo.Batch(func(tx storage.BatchTx) error {
			_ = tx.Put("share1", "ITEM", "id1", envelope(2, 'b'))
			_ = tx.Put("share1", "ITEM", "id2", envelope(1, 'a'))
			_ = tx.Put("share2", "ITEM", "id3", envelope(1, 'a'))
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected simulated error, got %v", err)
		}
		got, _ := repo.Get("share1", "ITEM", "id1")
		if got == nil || got.Version != 1 {
			t.Errorf("id1 should be restored to version 1, got %+v", got)
		}
		if _, err := repo.Get("share1", "ITEM", "id2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("id2 should not exist after rollback, got %v", err)
		}
		if _, err := repo.Get("share2", "ITEM", "id3"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("id3 should not exist after rollback, got %v", err)
		}
	})

	t.Run("DeleteScope", func(t *testing.T) {
		repo := newRepo(t)
		_ = repo.Put("share1", "ITEM", "id1", envelope(1, 'a'))
		_ = repo.Put("share1", "KEY", "1", envelope(1, 'a'))
		_ = repo.Put("share2", "ITEM", "id1", envelope(1, 'a'))

		err := repo.Batch(func(tx storage.BatchTx) error {
			if err := tx.DeleteScope("share1"); err != nil {
				return err
			}
			return tx.DeleteScope("never-existed")
		})
		if err != nil {
			t.Fatalf("DeleteScope failed: %v", err)
		}
		if ids, _ := repo.List("share1", "ITEM"); len(ids) != 0 {
			t.Errorf("share1 items remain: %v", ids)
		}
		if ids, _ := repo.List("share1", "KEY"); len(ids) != 0 {
			t.Errorf("share1 keys remain: %v", ids)
		}
		if _, err := repo.Get("share2", "ITEM", "id1"); err != nil {
			t.Errorf("share2 should be untouched: %v", err)
		}
	})

	t.Run("ViewSeesCommittedState", func(t *testing.T) {
		repo := newRepo(t)
		_ = repo.Put("share1", "ITEM", "id1", envelope(1, 'a'))
		err := repo.View(func(tx storage.ReadTx) error {
			ids, err := tx.List("share1", "ITEM")
			if err != nil {
				return err
			}
			if len(ids) != 1 {
				return fmt.Errorf("expected 1 id, got %v", ids)
			}
			_, err = tx.Get("share1", "ITEM", "id1")
			return err
		})
		if err != nil {
			t.Fatalf("View failed: %v", err)
		}
	})

	t.Run("ConcurrentBatches", func(t *testing.T) {
		repo := newRepo(t)
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Go(func() {
				_ = repo.Batch(func(tx storage.BatchTx) error {
					return tx.Put("share1", "ITEM", fmt.Sprintf("id%d", i), envelope(1, 'a'))
				})
			})
		}
		wg.Wait()
		ids, _ := repo.List("share1", "ITEM")
		if len(ids) != 8 {
			t.Errorf("expected 8 ids after concurrent batches, got %d", len(ids))
		}
	})
}
