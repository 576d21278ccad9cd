package key

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/internal/flight"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/keystore"
	"github.com/jmcleod/ironpass/storage"
)

// RecordType is the storage record type of persisted wrapped keys. Records
// live in the share's scope keyed by storage.FormatUint(rotation).
const RecordType = "KEY"

// Hierarchy resolves share keys. Resolution order is keystore, then the
// local wrapped-key records, then the remote authority; fetched keys are
// persisted still wrapped. A key reaches the keystore only after it has
// been unwrapped successfully.
type Hierarchy struct {
	store     *keystore.Store
	repo      storage.Repository
	codec     *storage.Codec
	fetcher   Fetcher
	unwrapper Unwrapper
	rotations RotationCache
	logger    *zap.Logger

	accessMu sync.RWMutex
	access   AccessChecker

	group flight.Group

	mu      sync.Mutex
	blocked map[string]error
	gens    map[string]uint64
}

func NewHierarchy(store *keystore.Store, repo storage.Repository, codec *storage.Codec, fetcher Fetcher, unwrapper Unwrapper, opts ...Option) *Hierarchy {
	o := hierarchyOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.rotations == nil {
		o.rotations = NewMemoryRotationCache()
	}
	return &Hierarchy{
		store:     store,
		repo:      repo,
		codec:     codec,
		fetcher:   fetcher,
		unwrapper: unwrapper,
		rotations: o.rotations,
		logger:    o.logger,
		access:    o.access,
		blocked:   make(map[string]error),
		gens:      make(map[string]uint64),
	}
}

// SetAccessChecker installs the role policy after construction; the share
// registry needs the hierarchy before it exists.
func (h *Hierarchy) SetAccessChecker(a AccessChecker) {
	h.accessMu.Lock()
	defer h.accessMu.Unlock()
	h.access = a
}

func (h *Hierarchy) checkEncrypt(ctx context.Context, shareID string) error {
	h.accessMu.RLock()
	a := h.access
	h.accessMu.RUnlock()
	if a == nil {
		return nil
	}
	return a.CheckEncrypt(ctx, shareID)
}

func (h *Hierarchy) checkBlocked(shareID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cause, ok := h.blocked[shareID]; ok {
		return fmt.Errorf("share %s blocked until forced refresh: %w", shareID, cause)
	}
	return nil
}

func (h *Hierarchy) generation(shareID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gens[shareID]
}

// LatestKey returns the highest known rotation key of shareID.
func (h *Hierarchy) LatestKey(ctx context.Context, shareID string) (*Key, error) {
	if err := h.checkBlocked(shareID); err != nil {
		return nil, err
	}
	if r, ok := h.store.Latest(shareID); ok {
		return h.KeyByRotation(ctx, shareID, r)
	}

	v, err := h.group.Do(ctx, "latest/"+shareID, func(ctx context.Context) (any, error) {
		r, err := h.latestLocalRotation(shareID)
		if err != nil {
			return nil, err
		}
		if r != LatestRotation {
			k, err := h.KeyByRotation(ctx, shareID, r)
			if err != nil {
				return nil, err
			}
			h.store.SetLatest(shareID, r)
			return k, nil
		}
		return h.resolve(ctx, shareID, LatestRotation, true)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Key), nil
}

// KeyByRotation returns the key of exactly rotation. It never substitutes
// another rotation.
func (h *Hierarchy) KeyByRotation(ctx context.Context, shareID string, rotation uint64) (*Key, error) {
	if rotation == LatestRotation {
		return nil, errs.Validationf("rotation must be positive")
	}
	if err := h.checkBlocked(shareID); err != nil {
		return nil, err
	}
	if e, ok := h.store.Get(shareID, rotation); ok {
		return newKey(e), nil
	}
	v, err := h.group.Do(ctx, "rotation/"+shareID+"/"+strconv.FormatUint(rotation, 10), func(ctx context.Context) (any, error) {
		return h.resolve(ctx, shareID, rotation, false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Key), nil
}

// Refresh bypasses the keystore and the local records and fetches rotation
// (or the latest, for LatestRotation) from the remote authority. A success
// lifts a block set by an earlier unwrap failure, and a rotation above the
// cached latest becomes the latest.
func (h *Hierarchy) Refresh(ctx context.Context, shareID string, rotation uint64) (*Key, error) {
	v, err := h.group.Do(ctx, "refresh/"+shareID+"/"+strconv.FormatUint(rotation, 10), func(ctx context.Context) (any, error) {
		return h.resolve(ctx, shareID, rotation, true)
	})
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	delete(h.blocked, shareID)
	h.mu.Unlock()

	k := v.(*Key)
	if latest, ok := h.store.Latest(shareID); ok && k.Rotation() > latest {
		h.store.SetLatest(shareID, k.Rotation())
	}
	return k, nil
}

// Encrypt seals item content under the latest key and reports the rotation
// used.
func (h *Hierarchy) Encrypt(ctx context.Context, shareID, itemID string, plaintext []byte) ([]byte, uint64, error) {
	if err := h.checkEncrypt(ctx, shareID); err != nil {
		return nil, 0, err
	}
	k, err := h.LatestKey(ctx, shareID)
	if err != nil {
		return nil, 0, err
	}
	ct, err := k.EncryptItem(itemID, plaintext)
	if err != nil {
		return nil, 0, err
	}
	return ct, k.Rotation(), nil
}

// EncryptForRotation seals item content under the key of rotation.
func (h *Hierarchy) EncryptForRotation(ctx context.Context, shareID string, rotation uint64, itemID string, plaintext []byte) ([]byte, error) {
	if err := h.checkEncrypt(ctx, shareID); err != nil {
		return nil, err
	}
	k, err := h.KeyByRotation(ctx, shareID, rotation)
	if err != nil {
		return nil, err
	}
	return k.EncryptItem(itemID, plaintext)
}

// Decrypt opens item content recorded at rotation.
func (h *Hierarchy) Decrypt(ctx context.Context, shareID string, rotation uint64, itemID string, ciphertext []byte) ([]byte, error) {
	k, err := h.KeyByRotation(ctx, shareID, rotation)
	if err != nil {
		return nil, err
	}
	return k.DecryptItem(itemID, ciphertext)
}

// Forget drops every cached key of shareID and any block on it. Persisted
// wrapped-key records are removed by the caller's cascade batch.
func (h *Hierarchy) Forget(shareID string) {
	h.mu.Lock()
	h.gens[shareID]++
	delete(h.blocked, shareID)
	h.mu.Unlock()

	h.store.Forget(shareID)
	if err := h.rotations.Forget(shareID); err != nil {
		h.logger.Warn("forgetting rotation mark", zap.String("share_id", shareID), zap.Error(err))
	}
}

// Install persists and caches a wrapped key produced locally (for example
// the first rotation of a new vault).
func (h *Hierarchy) Install(ctx context.Context, wk *WrappedKey) (*Key, error) {
	return h.unwrapAndCache(ctx, wk, h.generation(wk.ShareID), true, true)
}

// Open unwraps wk without caching or persisting it. Used to encrypt with a
// rotation the remote authority has not accepted yet.
func (h *Hierarchy) Open(wk *WrappedKey) (*Key, error) {
	material, err := h.unwrapper.Unwrap(wk.AddressID, &wk.Wrap, wk.AAD())
	if err != nil {
		return nil, err
	}
	return newKey(keystore.NewEntry(wk.ShareID, wk.Rotation, wk.Type.String(), material)), nil
}

func (h *Hierarchy) latestLocalRotation(shareID string) (uint64, error) {
	ids, err := h.repo.List(shareID, RecordType)
	if err != nil {
		return 0, fmt.Errorf("listing wrapped keys: %w", err)
	}
	if len(ids) == 0 {
		return LatestRotation, nil
	}
	// Record IDs are zero-padded, so the last one is the highest rotation.
	return storage.ParseUint(ids[len(ids)-1])
}

func (h *Hierarchy) loadLocal(shareID string, rotation uint64) (*WrappedKey, error) {
	var wk WrappedKey
	err := h.repo.View(func(tx storage.ReadTx) error {
		return h.codec.Load(tx, shareID, RecordType, storage.FormatUint(rotation), &wk)
	})
	if err != nil {
		return nil, err
	}
	return &wk, nil
}

func (h *Hierarchy) resolve(ctx context.Context, shareID string, rotation uint64, force bool) (*Key, error) {
	gen := h.generation(shareID)

	if !force {
		wk, err := h.loadLocal(shareID, rotation)
		switch {
		case err == nil:
			return h.unwrapAndCache(ctx, wk, gen, false, false)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wk, err := h.fetcher.FetchWrappedKey(ctx, shareID, rotation)
	if err != nil {
		return nil, fmt.Errorf("fetching wrapped key for share %s rotation %d: %w", shareID, rotation, err)
	}
	if wk.ShareID != shareID || (rotation != LatestRotation && wk.Rotation != rotation) || wk.Rotation == LatestRotation {
		return nil, &errs.InvariantError{
			ShareID: shareID,
			Reason:  fmt.Sprintf("asked for rotation %d, remote returned %s/%d", rotation, wk.ShareID, wk.Rotation),
		}
	}
	if rotation == LatestRotation {
		if seen := h.rotations.MaxRotationSeen(shareID); wk.Rotation < seen {
			h.logger.Error("remote latest rotation went backwards",
				zap.String("share_id", shareID), zap.Uint64("rotation", wk.Rotation), zap.Uint64("seen", seen))
			return nil, fmt.Errorf("share %s: latest %d < seen %d: %w", shareID, wk.Rotation, seen, ErrRollbackDetected)
		}
	}
	return h.unwrapAndCache(ctx, wk, gen, true, rotation == LatestRotation)
}

func (h *Hierarchy) unwrapAndCache(ctx context.Context, wk *WrappedKey, gen uint64, persist, latest bool) (*Key, error) {
	material, err := h.unwrapper.Unwrap(wk.AddressID, &wk.Wrap, wk.AAD())
	if err != nil {
		if !errors.Is(err, errs.ErrKeyUnavailable) {
			err = fmt.Errorf("%w: %w", errs.ErrKeyUnavailable, err)
		}
		h.mu.Lock()
		h.blocked[wk.ShareID] = err
		h.mu.Unlock()
		h.logger.Error("share key unavailable",
			zap.String("share_id", wk.ShareID), zap.Uint64("rotation", wk.Rotation), zap.Error(err))
		return nil, err
	}
	defer util.WipeBytes(material)

	// A cancelled caller commits nothing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.generation(wk.ShareID) != gen {
		return nil, errShareRemoved(wk.ShareID)
	}
	if persist {
		err := h.repo.Batch(func(tx storage.BatchTx) error {
			return h.codec.Store(tx, wk.ShareID, RecordType, storage.FormatUint(wk.Rotation), 0, wk)
		})
		if err != nil {
			return nil, fmt.Errorf("persisting wrapped key: %w", err)
		}
	}
	if err := h.rotations.SetMaxRotationSeen(wk.ShareID, wk.Rotation); err != nil && !errors.Is(err, ErrRollbackDetected) {
		return nil, err
	}

	h.mu.Lock()
	if h.gens[wk.ShareID] != gen {
		h.mu.Unlock()
		h.discard(wk, persist)
		return nil, errShareRemoved(wk.ShareID)
	}
	defer h.mu.Unlock()
	e := h.store.Put(wk.ShareID, wk.Rotation, wk.Type.String(), util.CopyBytes(material))
	if latest {
		h.store.SetLatest(wk.ShareID, wk.Rotation)
	}
	h.logger.Debug("share key resolved",
		zap.String("share_id", wk.ShareID), zap.Uint64("rotation", wk.Rotation), zap.Bool("fetched", persist))
	return newKey(e), nil
}

func errShareRemoved(shareID string) error {
	return fmt.Errorf("share %s was removed during key resolution: %w", shareID, errs.ErrNotFound)
}

// discard undoes the writes of a resolution that lost a race with Forget.
func (h *Hierarchy) discard(wk *WrappedKey, persisted bool) {
	if persisted {
		err := h.repo.Batch(func(tx storage.BatchTx) error {
			return storage.DeleteIfExists(tx, wk.ShareID, RecordType, storage.FormatUint(wk.Rotation))
		})
		if err != nil {
			h.logger.Warn("discarding wrapped key", zap.String("share_id", wk.ShareID), zap.Error(err))
		}
	}
	if err := h.rotations.Forget(wk.ShareID); err != nil {
		h.logger.Warn("forgetting rotation mark", zap.String("share_id", wk.ShareID), zap.Error(err))
	}
}
