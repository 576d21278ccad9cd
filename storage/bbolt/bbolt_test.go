package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/jmcleod/ironpass/storage"
	"github.com/jmcleod/ironpass/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "ironpass.db"), nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ironpass.db")
	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put("share1", "ITEM", "i1", &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Version: 4}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get("share1", "ITEM", "i1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Version != 4 {
		t.Errorf("expected version 4, got %d", got.Version)
	}
}
