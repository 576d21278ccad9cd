package itemsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/attachment"
	"github.com/jmcleod/ironpass/errs"
	icrypto "github.com/jmcleod/ironpass/internal/crypto"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/internal/validate"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/storage"
)

type mutation struct {
	link  *attachment.Link
	flags *item.Flags
}

// MutationOption configures CreateItem and UpdateItem.
type MutationOption func(*mutation)

// WithAttachments sends the staged attachment changes of l with the
// mutation. On success l is committed with the item row; on failure it is
// left for the caller to release or retry.
func WithAttachments(l *attachment.Link) MutationOption {
	return func(m *mutation) { m.link = l }
}

// WithFlags replaces the item flags sent to the authority.
func WithFlags(f item.Flags) MutationOption {
	return func(m *mutation) { m.flags = &f }
}

func newMutation(opts []MutationOption) *mutation {
	m := &mutation{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *mutation) linksAttachments() bool {
	return m.link != nil && len(m.link.ToLink()) > 0
}

func encodePayload(p *item.Payload) ([]byte, error) {
	if p == nil || p.Content == nil {
		return nil, errs.Validationf("item payload and content must be set")
	}
	pt, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding item payload: %w", err)
	}
	if err := validate.Content(pt); err != nil {
		util.WipeBytes(pt)
		return nil, err
	}
	return pt, nil
}

// sealLinks encrypts each staged attachment key with the share key the
// item content was encrypted with.
func (e *Engine) sealLinks(ctx context.Context, shareID, itemID string, rotation uint64, m *mutation) ([]remote.AttachmentLink, []string, error) {
	if m.link == nil || m.link.Empty() {
		return nil, nil, nil
	}
	k, err := e.keys.KeyByRotation(ctx, shareID, rotation)
	if err != nil {
		return nil, nil, err
	}
	var links []remote.AttachmentLink
	for _, p := range m.link.ToLink() {
		err := p.WithKey(func(raw []byte) error {
			ct, err := k.Encrypt(icrypto.AADAttachmentKey(shareID, itemID, p.ID, rotation), raw)
			if err != nil {
				return err
			}
			links = append(links, remote.AttachmentLink{PendingID: p.ID, Key: ct})
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("sealing attachment key %s: %w", p.ID, err)
		}
	}
	return links, m.link.ToUnlink(), nil
}

// commitItem stores it unless a newer revision arrived meanwhile, and
// commits the attachment link in the same batch. It returns the row now
// stored.
func (e *Engine) commitItem(shareID string, gen uint64, it *item.Item, m *mutation) (*item.Item, error) {
	unlock := e.lock(shareID)
	defer unlock()

	out := it
	err := e.repo.Batch(func(tx storage.BatchTx) error {
		if err := e.checkGeneration(shareID, gen); err != nil {
			return err
		}
		stored, err := e.storeIfNewer(tx, it)
		if err != nil {
			return err
		}
		if !stored {
			if out, err = e.loadItem(tx, shareID, it.ItemID); err != nil {
				return err
			}
		}
		if m.link != nil {
			return m.link.Commit(tx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing item: %w", err)
	}
	if m.link != nil {
		m.link.Committed()
	}
	e.hub.Publish()
	return out, nil
}

// CreateItem encrypts p under the latest key of shareID, submits it and
// stores the accepted row. Nothing is stored when the submit fails.
func (e *Engine) CreateItem(ctx context.Context, shareID string, p *item.Payload, opts ...MutationOption) (*item.Item, error) {
	m := newMutation(opts)
	pt, err := encodePayload(p)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(pt)
	if _, err := e.shares.Get(ctx, shareID); err != nil {
		return nil, err
	}
	gen := e.generation(shareID)

	itemID := uuid.NewString()
	ct, rotation, err := e.keys.Encrypt(ctx, shareID, itemID, pt)
	if err != nil {
		return nil, err
	}
	links, unlinks, err := e.sealLinks(ctx, shareID, itemID, rotation, m)
	if err != nil {
		return nil, err
	}
	var flags item.Flags
	if m.flags != nil {
		flags = *m.flags
	}

	res, err := e.remote.SubmitItem(ctx, shareID, remote.SubmitRequest{
		ItemID:            itemID,
		Rotation:          rotation,
		Content:           ct,
		Flags:             flags,
		LinkAttachments:   links,
		UnlinkAttachments: unlinks,
	})
	if err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	it := &item.Item{
		ShareID:    shareID,
		ItemID:     itemID,
		Revision:   res.Revision,
		Rotation:   rotation,
		Content:    ct,
		State:      item.StateActive,
		Flags:      res.Flags,
		CreateTime: res.ModifyTime,
		ModifyTime: res.ModifyTime,
	}
	if m.linksAttachments() {
		it.Flags |= item.FlagHasAttachments
	}
	it.ApplyIndex(p.Index())
	return e.commitItem(shareID, gen, it, m)
}

// UpdateItem replaces the content of an item last seen at
// expectedRevision. A stale expectedRevision fails with a
// *errs.ConflictError before anything is sent.
func (e *Engine) UpdateItem(ctx context.Context, shareID, itemID string, expectedRevision uint64, p *item.Payload, opts ...MutationOption) (*item.Item, error) {
	m := newMutation(opts)
	pt, err := encodePayload(p)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(pt)
	gen := e.generation(shareID)

	local, err := e.GetItem(ctx, shareID, itemID)
	if err != nil {
		return nil, err
	}
	if local.Revision != expectedRevision {
		return nil, &errs.ConflictError{ShareID: shareID, ItemID: itemID, Expected: expectedRevision, Actual: local.Revision}
	}

	ct, rotation, err := e.keys.Encrypt(ctx, shareID, itemID, pt)
	if err != nil {
		return nil, err
	}
	links, unlinks, err := e.sealLinks(ctx, shareID, itemID, rotation, m)
	if err != nil {
		return nil, err
	}
	flags := local.Flags
	if m.flags != nil {
		flags = *m.flags
	}

	res, err := e.remote.SubmitItem(ctx, shareID, remote.SubmitRequest{
		ItemID:            itemID,
		ExpectedRevision:  expectedRevision,
		Rotation:          rotation,
		Content:           ct,
		Flags:             flags,
		LinkAttachments:   links,
		UnlinkAttachments: unlinks,
	})
	if err != nil {
		return nil, fmt.Errorf("updating item: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	it := local.Clone()
	it.Revision = res.Revision
	it.Rotation = rotation
	it.Content = ct
	it.Flags = res.Flags
	it.ModifyTime = res.ModifyTime
	if m.linksAttachments() {
		it.Flags |= item.FlagHasAttachments
	}
	it.ApplyIndex(p.Index())
	return e.commitItem(shareID, gen, it, m)
}

// checkRevisions fails with a *errs.ConflictError on the first item whose
// stored revision differs from the caller's.
func (e *Engine) checkRevisions(shareID string, refs []remote.ItemRevision) error {
	return e.repo.View(func(tx storage.ReadTx) error {
		for _, ref := range refs {
			it, err := e.loadItem(tx, shareID, ref.ItemID)
			if err != nil {
				return err
			}
			if it == nil {
				return fmt.Errorf("item %s/%s: %w", shareID, ref.ItemID, errs.ErrNotFound)
			}
			if it.Revision != ref.Revision {
				return &errs.ConflictError{ShareID: shareID, ItemID: ref.ItemID, Expected: ref.Revision, Actual: it.Revision}
			}
		}
		return nil
	})
}

// TrashItems moves items to the trash.
func (e *Engine) TrashItems(ctx context.Context, shareID string, refs []remote.ItemRevision) ([]item.Item, error) {
	return e.setState(ctx, shareID, refs, item.StateTrashed)
}

// RestoreItems moves trashed items back.
func (e *Engine) RestoreItems(ctx context.Context, shareID string, refs []remote.ItemRevision) ([]item.Item, error) {
	return e.setState(ctx, shareID, refs, item.StateActive)
}

func (e *Engine) setState(ctx context.Context, shareID string, refs []remote.ItemRevision, state item.State) ([]item.Item, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if _, err := e.shares.Get(ctx, shareID); err != nil {
		return nil, err
	}
	gen := e.generation(shareID)
	if err := e.checkRevisions(shareID, refs); err != nil {
		return nil, err
	}
	results, err := e.remote.SetItemState(ctx, shareID, refs, state)
	if err != nil {
		return nil, fmt.Errorf("setting item state to %s: %w", state, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := e.lock(shareID)
	defer unlock()
	var out []item.Item
	err = e.repo.Batch(func(tx storage.BatchTx) error {
		if err := e.checkGeneration(shareID, gen); err != nil {
			return err
		}
		for _, res := range results {
			it, err := e.loadItem(tx, shareID, res.ItemID)
			if err != nil {
				return err
			}
			if it == nil {
				continue
			}
			if res.Revision > it.Revision {
				it.State = state
				it.Revision = res.Revision
				it.ModifyTime = res.ModifyTime
				if err := e.storeItem(tx, it); err != nil {
					return err
				}
			}
			out = append(out, *it)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing item state: %w", err)
	}
	e.hub.Publish()
	return out, nil
}

// DeleteItems deletes items for good.
func (e *Engine) DeleteItems(ctx context.Context, shareID string, refs []remote.ItemRevision) error {
	if len(refs) == 0 {
		return nil
	}
	gen := e.generation(shareID)
	if err := e.checkRevisions(shareID, refs); err != nil {
		return err
	}
	if err := e.remote.DeleteItems(ctx, shareID, refs); err != nil {
		return fmt.Errorf("deleting items: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := e.lock(shareID)
	defer unlock()
	err := e.repo.Batch(func(tx storage.BatchTx) error {
		if err := e.checkGeneration(shareID, gen); err != nil {
			return err
		}
		for _, ref := range refs {
			if err := storage.DeleteIfExists(tx, shareID, RecordType, ref.ItemID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting local items: %w", err)
	}
	e.hub.Publish()
	return nil
}

// MigrateItem moves an item to destShareID, re-encrypted under the
// destination's latest key. The local move is one batch: the item is
// either in the destination or still in the source.
func (e *Engine) MigrateItem(ctx context.Context, sourceShareID, destShareID, itemID string) (*item.Item, error) {
	if sourceShareID == destShareID {
		return nil, errs.Validationf("source and destination share are both %s", sourceShareID)
	}
	src, err := e.shares.Get(ctx, sourceShareID)
	if err != nil {
		return nil, err
	}
	if !src.Role.CanWrite() {
		return nil, fmt.Errorf("moving out of share %s with role %s: %w", sourceShareID, src.Role, errs.ErrUnauthorized)
	}
	if _, err := e.shares.Get(ctx, destShareID); err != nil {
		return nil, err
	}
	srcGen, dstGen := e.generation(sourceShareID), e.generation(destShareID)

	local, err := e.GetItem(ctx, sourceShareID, itemID)
	if err != nil {
		return nil, err
	}
	pt, err := e.keys.Decrypt(ctx, sourceShareID, local.Rotation, itemID, local.Content)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(pt)
	ct, rotation, err := e.keys.Encrypt(ctx, destShareID, itemID, pt)
	if err != nil {
		return nil, err
	}

	d, err := e.remote.MigrateItem(ctx, remote.MigrateRequest{
		SourceShareID:    sourceShareID,
		DestShareID:      destShareID,
		ItemID:           itemID,
		ExpectedRevision: local.Revision,
		Rotation:         rotation,
		Content:          ct,
	})
	if err != nil {
		return nil, fmt.Errorf("migrating item: %w", err)
	}
	if err := checkDescriptor(destShareID, d); err != nil {
		return nil, err
	}
	if d.ItemID != itemID || d.Rotation != rotation {
		return nil, &errs.InvariantError{
			ShareID: destShareID,
			Reason:  fmt.Sprintf("migrated %s/%d, got %s/%d", itemID, rotation, d.ItemID, d.Rotation),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	moved := &item.Item{
		ShareID:    destShareID,
		ItemID:     d.ItemID,
		Revision:   d.Revision,
		Rotation:   d.Rotation,
		Content:    d.Content,
		State:      d.State,
		Flags:      d.Flags,
		CreateTime: d.CreateTime,
		ModifyTime: d.ModifyTime,
	}
	moved.ApplyIndex(item.Index{Type: local.Type, Title: local.Title, URLs: local.URLs, PackageNames: local.PackageNames})
	moved.WithOverlay(local)

	first, second := sourceShareID, destShareID
	if second < first {
		first, second = second, first
	}
	unlockFirst := e.lock(first)
	defer unlockFirst()
	unlockSecond := e.lock(second)
	defer unlockSecond()

	out := moved
	err = e.repo.Batch(func(tx storage.BatchTx) error {
		if err := e.checkGeneration(sourceShareID, srcGen); err != nil {
			return err
		}
		if err := e.checkGeneration(destShareID, dstGen); err != nil {
			return err
		}
		if err := storage.DeleteIfExists(tx, sourceShareID, RecordType, itemID); err != nil {
			return err
		}
		stored, err := e.storeIfNewer(tx, moved)
		if err != nil {
			return err
		}
		if !stored {
			out, err = e.loadItem(tx, destShareID, moved.ItemID)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storing migrated item: %w", err)
	}
	e.hub.Publish()
	e.logger.Debug("item migrated",
		zap.String("item_id", itemID), zap.String("from", sourceShareID), zap.String("to", destShareID))
	return out, nil
}

// SetPinned updates the local-only pinned flag.
func (e *Engine) SetPinned(ctx context.Context, shareID, itemID string, pinned bool) error {
	return e.updateLocal(ctx, shareID, itemID, func(it *item.Item) { it.Pinned = pinned })
}

// MarkUsed records a local-only last use time.
func (e *Engine) MarkUsed(ctx context.Context, shareID, itemID string, at time.Time) error {
	at = at.UTC()
	return e.updateLocal(ctx, shareID, itemID, func(it *item.Item) { it.LastUsedAt = &at })
}

func (e *Engine) updateLocal(_ context.Context, shareID, itemID string, fn func(*item.Item)) error {
	unlock := e.lock(shareID)
	defer unlock()
	err := e.repo.Batch(func(tx storage.BatchTx) error {
		it, err := e.loadItem(tx, shareID, itemID)
		if err != nil {
			return err
		}
		if it == nil {
			return fmt.Errorf("item %s/%s: %w", shareID, itemID, errs.ErrNotFound)
		}
		fn(it)
		return e.storeItem(tx, it)
	})
	if err != nil {
		return err
	}
	e.hub.Publish()
	return nil
}
