package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/ironpass/internal/config"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/storage"
	bboltstore "github.com/jmcleod/ironpass/storage/bbolt"
	"github.com/jmcleod/ironpass/storage/memory"
	"github.com/jmcleod/ironpass/storage/postgres"
	"github.com/jmcleod/ironpass/storage/sqlite"
)

const storeSaltFile = "store.salt"

// Store is an opened local store and the rotation high-water marks that
// belong with it.
type Store struct {
	Repo      storage.Repository
	Codec     *storage.Codec
	Rotations key.RotationCache
	close     func() error
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStore opens the backend named by cfg.Store. Records are sealed under
// keys derived from rootKey. OpenStore takes ownership of rootKey and wipes
// it; callers reopening a store must pass a fresh copy.
func OpenStore(ctx context.Context, cfg *config.Config, rootKey []byte) (*Store, error) {
	codec := storage.NewCodec(rootKey)
	s := &Store{Codec: codec}

	switch cfg.Store {
	case config.StoreMemory:
		s.Repo = memory.NewRepository()
	case config.StoreBBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		repo, err := bboltstore.NewRepositoryFromFile(cfg.StorePath(), nil)
		if err != nil {
			return nil, fmt.Errorf("opening bbolt store: %w", err)
		}
		s.Repo, s.close = repo, repo.Close
	case config.StoreSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		repo, err := sqlite.Open(ctx, cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		s.Repo, s.close = repo, repo.Close
	case config.StorePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		rc, err := postgres.NewRotationCache(ctx, repo.Pool())
		if err != nil {
			repo.Close()
			return nil, err
		}
		s.Repo, s.Rotations = repo, rc
		s.close = func() error { repo.Close(); return nil }
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	rc, err := key.NewStoreRotationCache(s.Repo, codec)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Rotations = rc
	return s, nil
}

// LocalStoreKey derives the root key of the local store from passphrase.
// The Argon2id salt is created in dataDir on first use.
func LocalStoreKey(dataDir, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	path := filepath.Join(dataDir, storeSaltFile)
	salt, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if salt, err = util.RandomBytes(16); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		if err := os.WriteFile(path, salt, 0o600); err != nil {
			return nil, fmt.Errorf("writing store salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading store salt: %w", err)
	}
	normalized := []byte(util.Normalize(passphrase))
	defer util.WipeBytes(normalized)
	return util.DeriveArgon2idKey(normalized, salt, util.DefaultArgon2idParams())
}
