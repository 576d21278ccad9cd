package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/errs"
	icrypto "github.com/jmcleod/ironpass/internal/crypto"
	"github.com/jmcleod/ironpass/internal/flight"
	"github.com/jmcleod/ironpass/internal/observe"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/internal/validate"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/storage"
)

// RecordType is the storage record type of shares, kept in the user scope.
const RecordType = "SHARE"

// Scope returns the storage scope holding a user's share records.
func Scope(userID string) string {
	return "user:" + userID
}

// Remote is the share half of the remote authority.
type Remote interface {
	FetchShares(ctx context.Context, userID string) ([]Descriptor, error)
	CreateVault(ctx context.Context, userID string, req CreateVaultRequest) (*Descriptor, error)
	UpdateVault(ctx context.Context, userID, shareID string, rotation uint64, content []byte) (*Descriptor, error)
	DeleteVault(ctx context.Context, userID, shareID string) error
	MarkPrimary(ctx context.Context, userID, shareID string) error
}

// Cascade is implemented by components holding per-share state that must
// go away with the share.
type Cascade interface {
	// DeleteShareTx runs inside the batch that deletes the share.
	DeleteShareTx(tx storage.BatchTx, shareID string) error
	// ShareDeleted runs after that batch committed.
	ShareDeleted(shareID string)
}

// RefreshResult lists every known share and those seen for the first time.
type RefreshResult struct {
	All []string
	New []string
}

// Registry is the local source of truth for a user's shares.
type Registry struct {
	userID string
	remote Remote
	repo   storage.Repository
	codec  *storage.Codec
	keys   *key.Hierarchy
	hub    *observe.Hub
	logger *zap.Logger

	// mu serialises local commits. It is never held across a remote call.
	mu       sync.Mutex
	group    flight.Group
	cascades []Cascade
}

func NewRegistry(userID string, remote Remote, repo storage.Repository, codec *storage.Codec, keys *key.Hierarchy, opts ...Option) *Registry {
	o := registryOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Registry{
		userID: userID,
		remote: remote,
		repo:   repo,
		codec:  codec,
		keys:   keys,
		hub:    observe.NewHub(),
		logger: o.logger.With(zap.String("user_id", userID)),
	}
}

// AddCascade registers c for every future share deletion.
func (r *Registry) AddCascade(c Cascade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cascades = append(r.cascades, c)
}

func (r *Registry) scope() string { return Scope(r.userID) }

// Get returns one locally known share.
func (r *Registry) Get(_ context.Context, shareID string) (*Share, error) {
	var s Share
	err := r.repo.View(func(tx storage.ReadTx) error {
		return r.codec.Load(tx, r.scope(), RecordType, shareID, &s)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("share %s: %w", shareID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// List returns every locally known share, oldest first.
func (r *Registry) List(_ context.Context) ([]Share, error) {
	var shares []Share
	err := r.repo.View(func(tx storage.ReadTx) error {
		var err error
		shares, err = r.listTx(tx)
		return err
	})
	return shares, err
}

func (r *Registry) listTx(tx storage.ReadTx) ([]Share, error) {
	ids, err := tx.List(r.scope(), RecordType)
	if err != nil {
		return nil, err
	}
	shares := make([]Share, 0, len(ids))
	for _, id := range ids {
		var s Share
		if err := r.codec.Load(tx, r.scope(), RecordType, id, &s); err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	sort.SliceStable(shares, func(i, j int) bool {
		if !shares[i].CreatedAt.Equal(shares[j].CreatedAt) {
			return shares[i].CreatedAt.Before(shares[j].CreatedAt)
		}
		return shares[i].ID < shares[j].ID
	})
	return shares, nil
}

// ObserveAllShares emits the full share list now and after every committed
// change, until ctx is done.
func (r *Registry) ObserveAllShares(ctx context.Context) <-chan []Share {
	return observe.Watch(ctx, r.hub, r.List, func(err error) {
		r.logger.Warn("loading shares for observer", zap.Error(err))
	})
}

// RefreshShares fetches the authoritative share list, stores it and
// cascades shares that disappeared. Concurrent callers share one call.
func (r *Registry) RefreshShares(ctx context.Context) (RefreshResult, error) {
	v, err := r.group.Do(ctx, "refresh", func(ctx context.Context) (any, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return RefreshResult{}, err
	}
	return v.(RefreshResult), nil
}

func (r *Registry) refresh(ctx context.Context) (RefreshResult, error) {
	// Only shares stored before the fetch may be cascaded: a vault created
	// while the request is in flight is absent from the answer.
	local, err := r.List(ctx)
	if err != nil {
		return RefreshResult{}, err
	}

	descs, err := r.remote.FetchShares(ctx, r.userID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("fetching shares: %w", err)
	}
	if err := r.checkDescriptors(descs); err != nil {
		r.logger.Error("rejecting share list", zap.Error(err))
		return RefreshResult{}, err
	}

	known := make(map[string]*Share, len(local))
	for i := range local {
		known[local[i].ID] = &local[i]
	}

	shares := make([]Share, 0, len(descs))
	remoteIDs := make(map[string]struct{}, len(descs))
	var res RefreshResult
	for _, d := range descs {
		remoteIDs[d.ID] = struct{}{}
		s := Share{Descriptor: d, UserID: r.userID}
		s.Vault = r.vaultContent(ctx, &s, known[d.ID])
		shares = append(shares, s)
		res.All = append(res.All, d.ID)
		if _, ok := known[d.ID]; !ok {
			res.New = append(res.New, d.ID)
		}
	}
	var removed []string
	for id := range known {
		if _, ok := remoteIDs[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(res.All)
	sort.Strings(res.New)
	sort.Strings(removed)

	if err := ctx.Err(); err != nil {
		return RefreshResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	err = r.repo.Batch(func(tx storage.BatchTx) error {
		for i := range shares {
			if err := r.codec.Store(tx, r.scope(), RecordType, shares[i].ID, 0, &shares[i]); err != nil {
				return err
			}
		}
		for _, id := range removed {
			if err := r.deleteTx(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RefreshResult{}, fmt.Errorf("storing shares: %w", err)
	}
	r.afterDelete(removed)
	r.hub.Publish()

	r.logger.Debug("shares refreshed",
		zap.Int("all", len(res.All)), zap.Int("new", len(res.New)), zap.Int("removed", len(removed)))
	return res, nil
}

func (r *Registry) checkDescriptors(descs []Descriptor) error {
	seen := make(map[string]struct{}, len(descs))
	var primaries []string
	for _, d := range descs {
		if err := validate.ID(d.ID, "share id"); err != nil {
			return err
		}
		if _, dup := seen[d.ID]; dup {
			return &errs.InvariantError{ShareID: d.ID, Reason: "share listed twice"}
		}
		seen[d.ID] = struct{}{}
		if d.Primary {
			if d.Kind != KindVault {
				return &errs.InvariantError{ShareID: d.ID, Reason: "item share marked primary"}
			}
			primaries = append(primaries, d.ID)
		}
	}
	if len(primaries) > 1 {
		return &errs.InvariantError{
			ShareID: primaries[1],
			Reason:  fmt.Sprintf("%d primary vaults reported", len(primaries)),
		}
	}
	return nil
}

// vaultContent decrypts a vault's presentation data, reusing the previous
// result when the ciphertext did not change. Failures are logged and leave
// the content unset.
func (r *Registry) vaultContent(ctx context.Context, s *Share, prev *Share) *VaultContent {
	if !s.IsVault() || len(s.Content) == 0 {
		return nil
	}
	if prev != nil && prev.Vault != nil && prev.ContentRotation == s.ContentRotation && slices.Equal(prev.Content, s.Content) {
		return prev.Vault
	}
	vc, err := r.decryptVault(ctx, s)
	if err != nil {
		r.logger.Warn("decrypting vault content",
			zap.String("share_id", s.ID), zap.Uint64("rotation", s.ContentRotation), zap.Error(err))
		return nil
	}
	return vc
}

func (r *Registry) decryptVault(ctx context.Context, s *Share) (*VaultContent, error) {
	k, err := r.keys.KeyByRotation(ctx, s.ID, s.ContentRotation)
	if err != nil {
		return nil, err
	}
	pt, err := k.Decrypt(icrypto.AADVaultContent(s.ID, s.ContentRotation), s.Content)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(pt)
	var vc VaultContent
	if err := json.Unmarshal(pt, &vc); err != nil {
		return nil, fmt.Errorf("decoding vault content: %w", err)
	}
	return &vc, nil
}

func encryptVault(k *key.Key, vc VaultContent) ([]byte, error) {
	pt, err := json.Marshal(vc)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(pt)
	return k.Encrypt(icrypto.AADVaultContent(k.ShareID(), k.Rotation()), pt)
}

// deleteTx removes the share record, everything in the share's scope
// (items, wrapped keys, sync cursor) and the state of every cascade.
func (r *Registry) deleteTx(tx storage.BatchTx, shareID string) error {
	if err := tx.DeleteScope(shareID); err != nil {
		return err
	}
	if err := storage.DeleteIfExists(tx, r.scope(), RecordType, shareID); err != nil {
		return err
	}
	for _, c := range r.cascades {
		if err := c.DeleteShareTx(tx, shareID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) afterDelete(ids []string) {
	for _, id := range ids {
		r.keys.Forget(id)
		for _, c := range r.cascades {
			c.ShareDeleted(id)
		}
		r.logger.Info("share removed locally", zap.String("share_id", id))
	}
}

func (r *Registry) commit(fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.repo.Batch(fn); err != nil {
		return err
	}
	r.hub.Publish()
	return nil
}

// CreateVault creates a vault owned by the user, with a first key rotation
// generated locally and sealed to address.
func (r *Registry) CreateVault(ctx context.Context, address key.Sealer, content VaultContent) (*Share, error) {
	if content.Name == "" {
		return nil, errs.Validationf("vault name must not be empty")
	}
	shareID := uuid.NewString()
	wk, err := key.NewRotation(address, shareID, 1, key.VaultKey)
	if err != nil {
		return nil, err
	}
	k, err := r.keys.Open(wk)
	if err != nil {
		return nil, err
	}
	ct, err := encryptVault(k, content)
	if err != nil {
		return nil, err
	}

	d, err := r.remote.CreateVault(ctx, r.userID, CreateVaultRequest{
		ShareID:   shareID,
		AddressID: address.ID(),
		Key:       wk,
		Content:   ct,
	})
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := r.keys.Install(ctx, wk); err != nil {
		return nil, err
	}

	s := &Share{Descriptor: *d, UserID: r.userID, Vault: &content}
	err = r.commit(func(tx storage.BatchTx) error {
		return r.codec.Store(tx, r.scope(), RecordType, s.ID, 0, s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateVault replaces a vault's presentation data. It is re-encrypted
// under the latest rotation.
func (r *Registry) UpdateVault(ctx context.Context, shareID string, content VaultContent) (*Share, error) {
	s, err := r.Get(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if !s.IsVault() {
		return nil, fmt.Errorf("share %s: %w", shareID, ErrNotVault)
	}
	if s.Role != RoleAdmin && !s.Owner {
		return nil, fmt.Errorf("updating vault %s as %s: %w", shareID, s.Role, errs.ErrUnauthorized)
	}
	k, err := r.keys.LatestKey(ctx, shareID)
	if err != nil {
		return nil, err
	}
	ct, err := encryptVault(k, content)
	if err != nil {
		return nil, err
	}
	d, err := r.remote.UpdateVault(ctx, r.userID, shareID, k.Rotation(), ct)
	if err != nil {
		return nil, fmt.Errorf("updating vault: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	updated := &Share{Descriptor: *d, UserID: r.userID, Vault: &content}
	err = r.commit(func(tx storage.BatchTx) error {
		return r.codec.Store(tx, r.scope(), RecordType, shareID, 0, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkAsPrimary makes shareID the user's only primary vault.
func (r *Registry) MarkAsPrimary(ctx context.Context, shareID string) error {
	s, err := r.Get(ctx, shareID)
	if err != nil {
		return err
	}
	if !s.IsVault() {
		return fmt.Errorf("share %s: %w", shareID, ErrNotVault)
	}
	if err := r.remote.MarkPrimary(ctx, r.userID, shareID); err != nil {
		return fmt.Errorf("marking primary: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.commit(func(tx storage.BatchTx) error {
		shares, err := r.listTx(tx)
		if err != nil {
			return err
		}
		for i := range shares {
			want := shares[i].ID == shareID
			if shares[i].Primary == want {
				continue
			}
			shares[i].Primary = want
			if err := r.codec.Store(tx, r.scope(), RecordType, shares[i].ID, 0, &shares[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteVault deletes an owned vault remotely and cascades locally.
func (r *Registry) DeleteVault(ctx context.Context, shareID string) error {
	s, err := r.Get(ctx, shareID)
	if err != nil {
		return err
	}
	if !s.IsVault() {
		return fmt.Errorf("share %s: %w", shareID, ErrNotVault)
	}
	if !s.Owner {
		return fmt.Errorf("deleting vault %s: %w", shareID, errs.ErrUnauthorized)
	}
	if err := r.remote.DeleteVault(ctx, r.userID, shareID); err != nil {
		return fmt.Errorf("deleting vault: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.deleteLocal([]string{shareID})
}

// DeleteSharesForUser drops every local share of the user, with the full
// cascade. The remote is not contacted.
func (r *Registry) DeleteSharesForUser(ctx context.Context) error {
	shares, err := r.List(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(shares))
	for _, s := range shares {
		ids = append(ids, s.ID)
	}
	return r.deleteLocal(ids)
}

func (r *Registry) deleteLocal(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.repo.Batch(func(tx storage.BatchTx) error {
		for _, id := range ids {
			if err := r.deleteTx(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting shares: %w", err)
	}
	r.afterDelete(ids)
	r.hub.Publish()
	return nil
}

// CheckEncrypt implements key.AccessChecker: read-only shares never get an
// encryption operation.
func (r *Registry) CheckEncrypt(ctx context.Context, shareID string) error {
	s, err := r.Get(ctx, shareID)
	if err != nil {
		return err
	}
	if !s.Role.CanWrite() {
		return fmt.Errorf("share %s has role %s: %w", shareID, s.Role, errs.ErrUnauthorized)
	}
	return nil
}

var _ key.AccessChecker = (*Registry)(nil)
