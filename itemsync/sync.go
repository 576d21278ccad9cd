package itemsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/storage"
)

// RefreshResult summarises a full pull.
type RefreshResult struct {
	Stored  int
	Removed int
	Skipped int
	Token   remote.EventToken
}

// ApplyResult summarises applied events.
type ApplyResult struct {
	Upserted  int
	Deleted   int
	Ignored   int
	Skipped   int
	Rotations int
}

func (r *ApplyResult) add(o ApplyResult) {
	r.Upserted += o.Upserted
	r.Deleted += o.Deleted
	r.Ignored += o.Ignored
	r.Skipped += o.Skipped
	r.Rotations += o.Rotations
}

// RefreshItems pulls every item of shareID and merges the snapshot into the
// local store: remote rows replace local ones unless the local revision is
// higher, rows missing remotely are removed and the local overlay is kept.
// Concurrent callers for the same share share one pull.
func (e *Engine) RefreshItems(ctx context.Context, shareID string) (RefreshResult, error) {
	v, err := e.group.Do(ctx, "refresh/"+shareID, func(ctx context.Context) (any, error) {
		unlock := e.lock(shareID)
		defer unlock()
		return e.refresh(ctx, shareID)
	})
	if err != nil {
		return RefreshResult{}, err
	}
	return v.(RefreshResult), nil
}

func (e *Engine) refresh(ctx context.Context, shareID string) (RefreshResult, error) {
	if _, err := e.shares.Get(ctx, shareID); err != nil {
		return RefreshResult{}, err
	}
	gen := e.generation(shareID)
	done := e.beginSync(shareID)
	defer done()

	// Token first: events after it are picked up by the next event sync,
	// and re-applying one that the pull already covered is a no-op.
	token, err := e.remote.FetchLatestEventToken(ctx, shareID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("fetching event token: %w", err)
	}
	// The pull skips the rotation changes in between, so pick up the
	// latest key explicitly.
	if _, err := e.keys.Refresh(ctx, shareID, key.LatestRotation); err != nil {
		return RefreshResult{}, fmt.Errorf("refreshing latest key: %w", err)
	}
	descs, err := e.fetchAll(ctx, shareID)
	if err != nil {
		return RefreshResult{}, err
	}

	local := make(map[string]uint64)
	err = e.repo.View(func(tx storage.ReadTx) error {
		ids, err := tx.List(shareID, RecordType)
		if err != nil {
			return err
		}
		for _, id := range ids {
			it, err := e.loadItem(tx, shareID, id)
			if err != nil {
				return err
			}
			local[id] = it.Revision
		}
		return nil
	})
	if err != nil {
		return RefreshResult{}, err
	}

	res := RefreshResult{Token: token}
	present := make(map[string]struct{}, len(descs))
	var incoming []*item.Item
	for i := range descs {
		d := &descs[i]
		if err := checkDescriptor(shareID, d); err != nil {
			e.logger.Error("rejecting item list", zap.String("share_id", shareID), zap.Error(err))
			return RefreshResult{}, err
		}
		present[d.ItemID] = struct{}{}
		if rev, ok := local[d.ItemID]; ok && d.Revision <= rev {
			continue
		}
		it, err := e.materialize(ctx, shareID, d)
		if err != nil {
			if !isolated(err) {
				return RefreshResult{}, err
			}
			e.logger.Warn("skipping undecryptable item",
				zap.String("share_id", shareID), zap.String("item_id", d.ItemID),
				zap.Uint64("rotation", d.Rotation), zap.Error(err))
			res.Skipped++
			continue
		}
		incoming = append(incoming, it)
	}

	if err := ctx.Err(); err != nil {
		return RefreshResult{}, err
	}
	err = e.repo.Batch(func(tx storage.BatchTx) error {
		if err := e.checkGeneration(shareID, gen); err != nil {
			return err
		}
		for _, it := range incoming {
			stored, err := e.storeIfNewer(tx, it)
			if err != nil {
				return err
			}
			if stored {
				res.Stored++
			}
		}
		ids, err := tx.List(shareID, RecordType)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := present[id]; ok {
				continue
			}
			if err := tx.Delete(shareID, RecordType, id); err != nil {
				return err
			}
			res.Removed++
		}
		return e.storeCursor(tx, shareID, &cursor{Token: token, SyncedAt: time.Now().UTC()})
	})
	if err != nil {
		return RefreshResult{}, fmt.Errorf("storing items: %w", err)
	}
	e.hub.Publish()

	e.logger.Debug("items refreshed",
		zap.String("share_id", shareID), zap.Int("stored", res.Stored),
		zap.Int("removed", res.Removed), zap.Int("skipped", res.Skipped))
	return res, nil
}

func (e *Engine) fetchAll(ctx context.Context, shareID string) ([]remote.ItemDescriptor, error) {
	var (
		all  []remote.ItemDescriptor
		page = remote.Page{Size: e.pageSize}
		seen = make(map[string]struct{})
	)
	for {
		p, err := e.remote.FetchItems(ctx, e.userID, shareID, page)
		if err != nil {
			return nil, fmt.Errorf("fetching items: %w", err)
		}
		all = append(all, p.Items...)
		if p.Next == "" {
			return all, nil
		}
		if _, dup := seen[p.Next]; dup {
			return nil, &errs.InvariantError{ShareID: shareID, Reason: fmt.Sprintf("item page token %q repeated", p.Next)}
		}
		seen[p.Next] = struct{}{}
		page.Token = p.Next
	}
}

// ApplyEvents applies one ordered event batch for shareID, which must
// belong to addressID. Deletes always win; upserts apply only above the
// stored revision; a rotation change refreshes that rotation's key before
// later events are decrypted. A batch that does not start at the stored
// cursor marks the share stale and fails. Re-applying the batch that
// produced the stored cursor is a no-op.
func (e *Engine) ApplyEvents(ctx context.Context, addressID, shareID string, list *remote.EventList) (ApplyResult, error) {
	unlock := e.lock(shareID)
	defer unlock()
	return e.apply(ctx, addressID, shareID, list)
}

type eventOp struct {
	itemID string
	item   *item.Item // nil for deletes
}

func (e *Engine) apply(ctx context.Context, addressID, shareID string, list *remote.EventList) (ApplyResult, error) {
	if list == nil {
		return ApplyResult{}, errs.Validationf("event list must not be nil")
	}
	if list.ShareID != "" && list.ShareID != shareID {
		return ApplyResult{}, &errs.InvariantError{ShareID: shareID, Reason: fmt.Sprintf("events belong to share %s", list.ShareID)}
	}
	s, err := e.shares.Get(ctx, shareID)
	if err != nil {
		return ApplyResult{}, err
	}
	if addressID != "" && s.AddressID != addressID {
		return ApplyResult{}, &errs.InvariantError{
			ShareID: shareID,
			Reason:  fmt.Sprintf("events for address %s, share belongs to %s", addressID, s.AddressID),
		}
	}
	gen := e.generation(shareID)

	cur, err := e.cursor(shareID)
	if err != nil {
		return ApplyResult{}, err
	}
	var at remote.EventToken
	if cur != nil {
		if cur.Stale {
			return ApplyResult{}, &errs.InvariantError{ShareID: shareID, Reason: "share is stale, full refresh required"}
		}
		if list.Next == cur.Token {
			return ApplyResult{}, nil
		}
		at = cur.Token
	}
	if list.Since != at {
		e.markStale(shareID, gen, cur)
		e.logger.Error("event batch does not follow cursor",
			zap.String("share_id", shareID), zap.String("since", string(list.Since)), zap.String("cursor", string(at)))
		return ApplyResult{}, &errs.InvariantError{
			ShareID: shareID,
			Reason:  fmt.Sprintf("events since %q applied at cursor %q", list.Since, at),
		}
	}

	done := e.beginSync(shareID)
	defer done()

	ops, res, err := e.prepare(ctx, shareID, list.Events)
	if err != nil {
		return ApplyResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, err
	}

	err = e.repo.Batch(func(tx storage.BatchTx) error {
		if err := e.checkGeneration(shareID, gen); err != nil {
			return err
		}
		for _, op := range ops {
			if op.item == nil {
				if err := storage.DeleteIfExists(tx, shareID, RecordType, op.itemID); err != nil {
					return err
				}
				res.Deleted++
				continue
			}
			stored, err := e.storeIfNewer(tx, op.item)
			if err != nil {
				return err
			}
			if stored {
				res.Upserted++
			} else {
				res.Ignored++
			}
		}
		return e.storeCursor(tx, shareID, &cursor{Token: list.Next, SyncedAt: time.Now().UTC()})
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("applying events: %w", err)
	}
	e.hub.Publish()

	e.logger.Debug("events applied",
		zap.String("share_id", shareID), zap.String("next", string(list.Next)),
		zap.Int("upserted", res.Upserted), zap.Int("deleted", res.Deleted),
		zap.Int("ignored", res.Ignored), zap.Int("skipped", res.Skipped))
	return res, nil
}

// prepare runs the network and crypto phase of an event batch. Upserts
// already covered by a stored or earlier-in-batch revision are dropped
// without decrypting.
func (e *Engine) prepare(ctx context.Context, shareID string, events []remote.Event) ([]eventOp, ApplyResult, error) {
	var res ApplyResult
	known := make(map[string]uint64)
	err := e.repo.View(func(tx storage.ReadTx) error {
		for _, ev := range events {
			if ev.Kind != remote.EventUpsert || ev.Item == nil {
				continue
			}
			if _, ok := known[ev.Item.ItemID]; ok {
				continue
			}
			it, err := e.loadItem(tx, shareID, ev.Item.ItemID)
			if err != nil {
				return err
			}
			if it != nil {
				known[it.ItemID] = it.Revision
			}
		}
		return nil
	})
	if err != nil {
		return nil, res, err
	}

	ops := make([]eventOp, 0, len(events))
	for _, ev := range events {
		switch ev.Kind {
		case remote.EventRotationChanged:
			if ev.Rotation == 0 {
				return nil, res, &errs.InvariantError{ShareID: shareID, Reason: "rotation change to rotation 0"}
			}
			if _, err := e.keys.Refresh(ctx, shareID, ev.Rotation); err != nil {
				return nil, res, fmt.Errorf("refreshing key rotation %d: %w", ev.Rotation, err)
			}
			res.Rotations++
		case remote.EventDelete:
			if ev.ItemID == "" {
				return nil, res, &errs.InvariantError{ShareID: shareID, Reason: "delete without item id"}
			}
			delete(known, ev.ItemID)
			ops = append(ops, eventOp{itemID: ev.ItemID})
		case remote.EventUpsert:
			if err := checkDescriptor(shareID, ev.Item); err != nil {
				return nil, res, err
			}
			if rev, ok := known[ev.Item.ItemID]; ok && ev.Item.Revision <= rev {
				res.Ignored++
				continue
			}
			it, err := e.materialize(ctx, shareID, ev.Item)
			if err != nil {
				if !isolated(err) {
					return nil, res, err
				}
				e.logger.Warn("skipping undecryptable item",
					zap.String("share_id", shareID), zap.String("item_id", ev.Item.ItemID),
					zap.Uint64("rotation", ev.Item.Rotation), zap.Error(err))
				res.Skipped++
				continue
			}
			known[it.ItemID] = it.Revision
			ops = append(ops, eventOp{itemID: it.ItemID, item: it})
		default:
			return nil, res, &errs.InvariantError{ShareID: shareID, Reason: fmt.Sprintf("unknown event kind %d", ev.Kind)}
		}
	}
	return ops, res, nil
}

func (e *Engine) markStale(shareID string, gen uint64, cur *cursor) {
	c := cursor{Stale: true}
	if cur != nil {
		c = *cur
		c.Stale = true
	}
	err := e.repo.Batch(func(tx storage.BatchTx) error {
		if err := e.checkGeneration(shareID, gen); err != nil {
			return err
		}
		return e.storeCursor(tx, shareID, &c)
	})
	if err != nil {
		e.logger.Warn("marking share stale", zap.String("share_id", shareID), zap.Error(err))
		return
	}
	e.hub.Publish()
}

// SyncEvents brings shareID up to date: a full refresh when the share is
// fresh or stale, otherwise event batches until the remote reports no
// more. Concurrent callers for the same share share one run.
func (e *Engine) SyncEvents(ctx context.Context, shareID string) (ApplyResult, error) {
	v, err := e.group.Do(ctx, "events/"+shareID, func(ctx context.Context) (any, error) {
		return e.syncEvents(ctx, shareID)
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return v.(ApplyResult), nil
}

func (e *Engine) syncEvents(ctx context.Context, shareID string) (ApplyResult, error) {
	s, err := e.shares.Get(ctx, shareID)
	if err != nil {
		return ApplyResult{}, err
	}
	var total ApplyResult
	for {
		cur, err := e.cursor(shareID)
		if err != nil {
			return total, err
		}
		if cur == nil || cur.Stale {
			r, err := e.RefreshItems(ctx, shareID)
			if err != nil {
				return total, err
			}
			total.Upserted += r.Stored
			total.Deleted += r.Removed
			total.Skipped += r.Skipped
			return total, nil
		}
		list, err := e.remote.FetchEvents(ctx, shareID, cur.Token)
		if err != nil {
			return total, fmt.Errorf("fetching events: %w", err)
		}
		r, err := e.ApplyEvents(ctx, s.AddressID, shareID, list)
		if err != nil {
			return total, err
		}
		total.add(r)
		if !list.More || list.Next == cur.Token {
			return total, nil
		}
	}
}
