package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironpass/key"
)

// RotationCache implements key.RotationCache backed by PostgreSQL.
//
// Reads come from an in-memory map; writes persist to PostgreSQL and then
// update the map under the same lock.
type RotationCache struct {
	pool  *pgxpool.Pool
	mu    sync.RWMutex
	cache map[string]uint64
}

var _ key.RotationCache = (*RotationCache)(nil)

// NewRotationCache loads every stored high-water mark into memory.
func NewRotationCache(ctx context.Context, pool *pgxpool.Pool) (*RotationCache, error) {
	c := &RotationCache{
		pool:  pool,
		cache: make(map[string]uint64),
	}

	rows, err := pool.Query(ctx, `SELECT share_id, max_rotation FROM rotation_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var shareID string
		var rotation uint64
		if err := rows.Scan(&shareID, &rotation); err != nil {
			return nil, err
		}
		c.cache[shareID] = rotation
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RotationCache) MaxRotationSeen(shareID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[shareID]
}

// SetMaxRotationSeen returns key.ErrRollbackDetected if rotation is below
// the stored mark.
func (c *RotationCache) SetMaxRotationSeen(shareID string, rotation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rotation < c.cache[shareID] {
		return key.ErrRollbackDetected
	}
	if rotation == c.cache[shareID] {
		return nil
	}

	_, err := c.pool.Exec(context.Background(),
		`INSERT INTO rotation_cache (share_id, max_rotation) VALUES ($1, $2)
		 ON CONFLICT (share_id) DO UPDATE SET max_rotation = $2`,
		shareID, rotation)
	if err != nil {
		return err
	}
	c.cache[shareID] = rotation
	return nil
}

func (c *RotationCache) Forget(shareID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.pool.Exec(context.Background(), `DELETE FROM rotation_cache WHERE share_id = $1`, shareID); err != nil {
		return err
	}
	delete(c.cache, shareID)
	return nil
}
