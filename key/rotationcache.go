package key

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/storage"
)

// ErrRollbackDetected is returned when the remote reports a latest rotation
// older than one already seen for the share.
var ErrRollbackDetected = fmt.Errorf("%w: key rotation rolled back", errs.ErrInvariantViolation)

// RotationCache tracks the highest rotation seen per share.
type RotationCache interface {
	MaxRotationSeen(shareID string) uint64
	SetMaxRotationSeen(shareID string, rotation uint64) error
	Forget(shareID string) error
}

// MemoryRotationCache is an in-memory implementation suitable for tests.
type MemoryRotationCache struct {
	mu        sync.RWMutex
	rotations map[string]uint64
}

func NewMemoryRotationCache() *MemoryRotationCache {
	return &MemoryRotationCache{rotations: make(map[string]uint64)}
}

func (c *MemoryRotationCache) MaxRotationSeen(shareID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rotations[shareID]
}

func (c *MemoryRotationCache) SetMaxRotationSeen(shareID string, rotation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rotation < c.rotations[shareID] {
		return ErrRollbackDetected
	}
	c.rotations[shareID] = rotation
	return nil
}

func (c *MemoryRotationCache) Forget(shareID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rotations, shareID)
	return nil
}

const (
	rotationCacheScope = "__rotation_cache"
	rotationCacheType  = "ROTATION"
)

// StoreRotationCache persists high-water marks in a storage.Repository so
// rollback protection survives restarts. The mark is carried in the clear
// envelope Version; the sealed payload is empty.
type StoreRotationCache struct {
	repo  storage.Repository
	codec *storage.Codec
	mu    sync.RWMutex
	cache map[string]uint64
}

// NewStoreRotationCache loads every stored mark into memory.
func NewStoreRotationCache(repo storage.Repository, codec *storage.Codec) (*StoreRotationCache, error) {
	c := &StoreRotationCache{repo: repo, codec: codec, cache: make(map[string]uint64)}
	err := repo.View(func(tx storage.ReadTx) error {
		ids, err := tx.List(rotationCacheScope, rotationCacheType)
		if err != nil {
			return err
		}
		for _, id := range ids {
			env, err := tx.Get(rotationCacheScope, rotationCacheType, id)
			if err != nil {
				return err
			}
			var empty struct{}
			if err := codec.Open(rotationCacheScope, rotationCacheType, id, env, &empty); err != nil {
				return err
			}
			c.cache[id] = env.Version
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading rotation cache: %w", err)
	}
	return c, nil
}

func (c *StoreRotationCache) MaxRotationSeen(shareID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[shareID]
}

func (c *StoreRotationCache) SetMaxRotationSeen(shareID string, rotation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rotation < c.cache[shareID] {
		return ErrRollbackDetected
	}
	if rotation == c.cache[shareID] {
		return nil
	}
	err := c.repo.Batch(func(tx storage.BatchTx) error {
		return c.codec.Store(tx, rotationCacheScope, rotationCacheType, shareID, rotation, struct{}{})
	})
	if err != nil {
		return err
	}
	c.cache[shareID] = rotation
	return nil
}

func (c *StoreRotationCache) Forget(shareID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.repo.Batch(func(tx storage.BatchTx) error {
		return storage.DeleteIfExists(tx, rotationCacheScope, rotationCacheType, shareID)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	delete(c.cache, shareID)
	return nil
}
