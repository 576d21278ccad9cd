package itemsync

import (
	"errors"
	"time"

	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/storage"
)

// SyncState is where a share stands in its sync lifecycle.
type SyncState int

const (
	// StateFresh: never synced.
	StateFresh SyncState = iota
	StateSyncing
	StateSynced
	// StateStale: an event gap was detected; only a full refresh recovers.
	StateStale
)

func (s SyncState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

const (
	cursorRecordType = "CURSOR"
	cursorRecordID   = "events"
)

// cursor is the persisted event position of one share. It lives in the
// share's scope so share deletion removes it.
type cursor struct {
	Token    remote.EventToken `json:"token"`
	Stale    bool              `json:"stale,omitempty"`
	SyncedAt time.Time         `json:"synced_at"`
}

func (e *Engine) loadCursor(tx storage.ReadTx, shareID string) (*cursor, error) {
	var c cursor
	err := e.codec.Load(tx, shareID, cursorRecordType, cursorRecordID, &c)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (e *Engine) storeCursor(tx storage.BatchTx, shareID string, c *cursor) error {
	return e.codec.Store(tx, shareID, cursorRecordType, cursorRecordID, 0, c)
}

func (e *Engine) cursor(shareID string) (*cursor, error) {
	var c *cursor
	err := e.repo.View(func(tx storage.ReadTx) error {
		var err error
		c, err = e.loadCursor(tx, shareID)
		return err
	})
	return c, err
}
