// Package itemsync keeps the local item store of each share in step with
// the remote authority. Every share has a single writer: sync cycles and
// mutation commits for one share are serialised, different shares run in
// parallel.
package itemsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/internal/flight"
	"github.com/jmcleod/ironpass/internal/observe"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/internal/validate"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/share"
	"github.com/jmcleod/ironpass/storage"
)

// RecordType is the storage record type of items, kept in the share scope.
const RecordType = "ITEM"

// Remote is the part of the authority the engine talks to.
type Remote interface {
	remote.ItemAPI
	remote.EventAPI
}

// Shares resolves the user's locally known shares.
type Shares interface {
	Get(ctx context.Context, shareID string) (*share.Share, error)
	List(ctx context.Context) ([]share.Share, error)
}

type Engine struct {
	userID   string
	remote   Remote
	shares   Shares
	keys     *key.Hierarchy
	repo     storage.Repository
	codec    *storage.Codec
	hub      *observe.Hub
	logger   *zap.Logger
	pageSize int

	group flight.Group
	locks sync.Map // shareID -> *sync.Mutex

	mu      sync.Mutex
	syncing map[string]int
	gens    map[string]uint64
}

func NewEngine(userID string, rem Remote, shares Shares, keys *key.Hierarchy, repo storage.Repository, codec *storage.Codec, opts ...Option) *Engine {
	o := engineOptions{pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Engine{
		userID:   userID,
		remote:   rem,
		shares:   shares,
		keys:     keys,
		repo:     repo,
		codec:    codec,
		hub:      observe.NewHub(),
		logger:   o.logger.With(zap.String("user_id", userID)),
		pageSize: o.pageSize,
		syncing:  make(map[string]int),
		gens:     make(map[string]uint64),
	}
}

func (e *Engine) lock(shareID string) func() {
	v, _ := e.locks.LoadOrStore(shareID, new(sync.Mutex))
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (e *Engine) generation(shareID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gens[shareID]
}

// checkGeneration fails when shareID was deleted after gen was taken.
func (e *Engine) checkGeneration(shareID string, gen uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gens[shareID] != gen {
		return fmt.Errorf("share %s was removed during sync: %w", shareID, errs.ErrNotFound)
	}
	return nil
}

func (e *Engine) beginSync(shareID string) func() {
	e.mu.Lock()
	e.syncing[shareID]++
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.syncing[shareID]--; e.syncing[shareID] == 0 {
			delete(e.syncing, shareID)
		}
	}
}

// State reports the sync state of shareID.
func (e *Engine) State(_ context.Context, shareID string) (SyncState, error) {
	e.mu.Lock()
	busy := e.syncing[shareID] > 0
	e.mu.Unlock()
	if busy {
		return StateSyncing, nil
	}
	c, err := e.cursor(shareID)
	switch {
	case err != nil:
		return StateFresh, err
	case c == nil:
		return StateFresh, nil
	case c.Stale:
		return StateStale, nil
	default:
		return StateSynced, nil
	}
}

// DeleteShareTx implements share.Cascade. Items and the cursor live in the
// share scope, which the registry drops in the same batch; in-flight syncs
// of the share are invalidated.
func (e *Engine) DeleteShareTx(_ storage.BatchTx, shareID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gens[shareID]++
	return nil
}

// ShareDeleted implements share.Cascade.
func (e *Engine) ShareDeleted(shareID string) {
	e.mu.Lock()
	e.gens[shareID]++
	e.mu.Unlock()
	e.hub.Publish()
}

var _ share.Cascade = (*Engine)(nil)

// GetItem returns one stored item.
func (e *Engine) GetItem(_ context.Context, shareID, itemID string) (*item.Item, error) {
	var it *item.Item
	err := e.repo.View(func(tx storage.ReadTx) error {
		var err error
		it, err = e.loadItem(tx, shareID, itemID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("item %s/%s: %w", shareID, itemID, errs.ErrNotFound)
	}
	return it, nil
}

func (e *Engine) loadItem(tx storage.ReadTx, shareID, itemID string) (*item.Item, error) {
	var it item.Item
	err := e.codec.Load(tx, shareID, RecordType, itemID, &it)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (e *Engine) storeItem(tx storage.BatchTx, it *item.Item) error {
	return e.codec.Store(tx, it.ShareID, RecordType, it.ItemID, it.Revision, it)
}

// storeIfNewer writes it when its revision is above the stored one,
// carrying over the local overlay. It reports whether it wrote.
func (e *Engine) storeIfNewer(tx storage.BatchTx, it *item.Item) (bool, error) {
	local, err := e.loadItem(tx, it.ShareID, it.ItemID)
	if err != nil {
		return false, err
	}
	if local != nil && it.Revision <= local.Revision {
		return false, nil
	}
	it.WithOverlay(local)
	return true, e.storeItem(tx, it)
}

// Items returns the items matching f, ordered by share then item ID. All
// shares are read in one transaction.
func (e *Engine) Items(ctx context.Context, f Filter) ([]item.Item, error) {
	shareIDs := f.Shares
	if shareIDs == nil {
		shares, err := e.shares.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range shares {
			shareIDs = append(shareIDs, s.ID)
		}
	}
	shareIDs = append([]string(nil), shareIDs...)
	sort.Strings(shareIDs)

	var out []item.Item
	err := e.repo.View(func(tx storage.ReadTx) error {
		for _, shareID := range shareIDs {
			ids, err := tx.List(shareID, RecordType)
			if err != nil {
				return err
			}
			for _, id := range ids {
				var it item.Item
				if err := e.codec.Load(tx, shareID, RecordType, id, &it); err != nil {
					return err
				}
				if f.Match(&it) {
					out = append(out, it)
				}
			}
		}
		return nil
	})
	return out, err
}

// ObserveItems emits the items matching f now and after every committed
// batch until ctx is done.
func (e *Engine) ObserveItems(ctx context.Context, f Filter) <-chan []item.Item {
	return observe.Watch(ctx, e.hub, func(ctx context.Context) ([]item.Item, error) {
		return e.Items(ctx, f)
	}, func(err error) {
		e.logger.Warn("loading items for observer", zap.Error(err))
	})
}

// DecryptItem opens the content of it with the key of its recorded
// rotation.
func (e *Engine) DecryptItem(ctx context.Context, it *item.Item) (*item.Payload, error) {
	pt, err := e.keys.Decrypt(ctx, it.ShareID, it.Rotation, it.ItemID, it.Content)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(pt)
	p, err := item.Decode(pt)
	if err != nil {
		return nil, fmt.Errorf("%w: item %s: %w", errs.ErrDecryption, it.ItemID, err)
	}
	return p, nil
}

// materialize decrypts a remote item far enough to index it.
func (e *Engine) materialize(ctx context.Context, shareID string, d *remote.ItemDescriptor) (*item.Item, error) {
	it := &item.Item{
		ShareID:    shareID,
		ItemID:     d.ItemID,
		Revision:   d.Revision,
		Rotation:   d.Rotation,
		Content:    d.Content,
		State:      d.State,
		Flags:      d.Flags,
		CreateTime: d.CreateTime,
		ModifyTime: d.ModifyTime,
	}
	p, err := e.DecryptItem(ctx, it)
	if err != nil {
		return nil, err
	}
	it.ApplyIndex(p.Index())
	return it, nil
}

func checkDescriptor(shareID string, d *remote.ItemDescriptor) error {
	switch {
	case d == nil:
		return &errs.InvariantError{ShareID: shareID, Reason: "upsert without item"}
	case validate.ID(d.ItemID, "item id") != nil:
		return &errs.InvariantError{ShareID: shareID, Reason: fmt.Sprintf("malformed item id %q", d.ItemID)}
	case d.Revision == 0:
		return &errs.InvariantError{ShareID: shareID, Reason: fmt.Sprintf("item %s has revision 0", d.ItemID)}
	case d.Rotation == key.LatestRotation:
		return &errs.InvariantError{ShareID: shareID, Reason: fmt.Sprintf("item %s has rotation 0", d.ItemID)}
	case d.State != item.StateActive && d.State != item.StateTrashed:
		return &errs.InvariantError{ShareID: shareID, Reason: fmt.Sprintf("item %s has state %d", d.ItemID, d.State)}
	}
	return nil
}

// isolated reports whether err affects only the item it was raised for.
func isolated(err error) bool {
	return errors.Is(err, errs.ErrDecryption)
}
