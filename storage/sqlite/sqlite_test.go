package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/jmcleod/ironpass/storage"
	"github.com/jmcleod/ironpass/storage/storagetest"
)

func TestSQLiteStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s, err := Open(t.Context(), filepath.Join(t.TempDir(), "ironpass.sqlite"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ironpass.sqlite")
	s, err := Open(t.Context(), path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Put("share1", "ITEM", "i1", &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: []byte{1}, Ciphertext: []byte{2}, Version: 9}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	s, err = Open(t.Context(), path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()
	got, err := s.Get("share1", "ITEM", "i1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 9 {
		t.Errorf("expected version 9, got %d", got.Version)
	}
}
