// Package client wires one signed-in user's session: the local store, the
// key hierarchy, the share registry, the item sync engine and the pending
// attachment reconciler, all talking to one remote authority.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ironpass/attachment"
	"github.com/jmcleod/ironpass/crypto"
	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/itemsync"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/keystore"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/share"
)

const defaultSyncConcurrency = 4

type clientOptions struct {
	logger          *zap.Logger
	blobs           attachment.BlobStore
	pageSize        int
	syncConcurrency int
}

// Option configures a Client.
type Option func(*clientOptions)

func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithBlobStore sets where uploaded attachments are kept until linked.
// The default is an in-memory store.
func WithBlobStore(b attachment.BlobStore) Option {
	return func(o *clientOptions) { o.blobs = b }
}

func WithPageSize(n int) Option {
	return func(o *clientOptions) { o.pageSize = n }
}

// WithSyncConcurrency bounds how many shares Sync processes at once.
func WithSyncConcurrency(n int) Option {
	return func(o *clientOptions) { o.syncConcurrency = n }
}

// Client is one user's session. It owns the keystore, the address keyring
// and the store.
type Client struct {
	userID    string
	api       remote.API
	store     *Store
	keystore  *keystore.Store
	addresses *crypto.Keyring
	keys      *key.Hierarchy
	shares    *share.Registry
	items     *itemsync.Engine
	links     *attachment.Reconciler
	uploads   *attachment.Uploader
	logger    *zap.Logger
	syncLimit int
}

// New builds a session for userID over store. Staged attachment changes
// left by an earlier session are reloaded.
func New(ctx context.Context, userID string, api remote.API, addresses *crypto.Keyring, store *Store, opts ...Option) (*Client, error) {
	if userID == "" {
		return nil, errs.Validationf("user ID must not be empty")
	}
	o := clientOptions{syncConcurrency: defaultSyncConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.blobs == nil {
		o.blobs = attachment.NewMemoryBlobStore()
	}
	if o.syncConcurrency <= 0 {
		o.syncConcurrency = defaultSyncConcurrency
	}

	c := &Client{
		userID:    userID,
		api:       api,
		store:     store,
		keystore:  keystore.New(),
		addresses: addresses,
		logger:    o.logger.With(zap.String("user_id", userID)),
		syncLimit: o.syncConcurrency,
	}

	keyOpts := []key.Option{key.WithLogger(o.logger)}
	if store.Rotations != nil {
		keyOpts = append(keyOpts, key.WithRotationCache(store.Rotations))
	}
	c.keys = key.NewHierarchy(c.keystore, store.Repo, store.Codec, api, addresses, keyOpts...)
	c.shares = share.NewRegistry(userID, api, store.Repo, store.Codec, c.keys, share.WithLogger(o.logger))
	c.keys.SetAccessChecker(c.shares)

	engOpts := []itemsync.Option{itemsync.WithLogger(o.logger)}
	if o.pageSize > 0 {
		engOpts = append(engOpts, itemsync.WithPageSize(o.pageSize))
	}
	c.items = itemsync.NewEngine(userID, api, c.shares, c.keys, store.Repo, store.Codec, engOpts...)
	c.shares.AddCascade(c.items)

	c.links = attachment.NewReconciler(share.Scope(userID), store.Repo, store.Codec, attachment.WithLogger(o.logger))
	if err := c.links.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading staged attachments: %w", err)
	}
	c.uploads = attachment.NewUploader(o.blobs, c.links)
	return c, nil
}

func (c *Client) UserID() string { return c.userID }
func (c *Client) AddressIDs() []string { return c.addresses.IDs() }
func (c *Client) Keys() *key.Hierarchy { return c.keys }
func (c *Client) Shares() *share.Registry { return c.shares }
func (c *Client) Items() *itemsync.Engine { return c.items }
func (c *Client) Attachments() *attachment.Reconciler { return c.links }
func (c *Client) Uploader() *attachment.Uploader { return c.uploads }

// CreateVault creates a vault whose first key is sealed to addressID.
func (c *Client) CreateVault(ctx context.Context, addressID string, content share.VaultContent) (*share.Share, error) {
	addr, ok := c.addresses.Get(addressID)
	if !ok {
		return nil, fmt.Errorf("address %s: %w", addressID, errs.ErrNotFound)
	}
	return c.shares.CreateVault(ctx, addr, content)
}

// CreateItem creates an item carrying every staged attachment change.
func (c *Client) CreateItem(ctx context.Context, shareID string, p *item.Payload) (*item.Item, error) {
	link, err := c.links.Begin()
	if err != nil {
		return nil, err
	}
	defer link.Release()
	return c.items.CreateItem(ctx, shareID, p, itemsync.WithAttachments(link))
}

// UpdateItem updates an item carrying every staged attachment change.
func (c *Client) UpdateItem(ctx context.Context, shareID, itemID string, expectedRevision uint64, p *item.Payload) (*item.Item, error) {
	link, err := c.links.Begin()
	if err != nil {
		return nil, err
	}
	defer link.Release()
	return c.items.UpdateItem(ctx, shareID, itemID, expectedRevision, p, itemsync.WithAttachments(link))
}

// SyncReport is the outcome of Sync. Shares that failed appear in Failed
// and not in Applied.
type SyncReport struct {
	Shares  share.RefreshResult
	Applied map[string]itemsync.ApplyResult
	Failed  map[string]error
}

// FailedShares returns the IDs in Failed, sorted.
func (r SyncReport) FailedShares() []string {
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sync refreshes the share list and then brings every share's items up to
// date. Shares are synced independently: a failing share is reported and
// the others still complete. The returned error joins the per-share
// failures.
func (c *Client) Sync(ctx context.Context) (SyncReport, error) {
	refreshed, err := c.shares.RefreshShares(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("refreshing shares: %w", err)
	}
	report := SyncReport{
		Shares:  refreshed,
		Applied: make(map[string]itemsync.ApplyResult, len(refreshed.All)),
		Failed:  make(map[string]error),
	}

	type outcome struct {
		shareID string
		res     itemsync.ApplyResult
		err     error
	}
	outcomes := make([]outcome, len(refreshed.All))

	var g errgroup.Group
	g.SetLimit(c.syncLimit)
	for i, id := range refreshed.All {
		g.Go(func() error {
			res, err := c.items.SyncEvents(ctx, id)
			outcomes[i] = outcome{shareID: id, res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var failures []error
	for _, o := range outcomes {
		if o.err != nil {
			c.logger.Warn("share sync failed", zap.String("share_id", o.shareID), zap.Error(o.err))
			report.Failed[o.shareID] = o.err
			failures = append(failures, fmt.Errorf("share %s: %w", o.shareID, o.err))
			continue
		}
		report.Applied[o.shareID] = o.res
	}
	return report, errors.Join(failures...)
}

// Logout removes every local trace of the user: share records with their
// cascades, staged attachments and all key material. The client must not
// be used afterwards except for Close.
func (c *Client) Logout(ctx context.Context) error {
	var errList []error
	if err := c.shares.DeleteSharesForUser(ctx); err != nil {
		errList = append(errList, fmt.Errorf("deleting shares: %w", err))
	}
	if err := c.links.ClearAll(ctx); err != nil {
		errList = append(errList, fmt.Errorf("clearing staged attachments: %w", err))
	}
	c.keystore.Purge()
	c.addresses.Destroy()
	return errors.Join(errList...)
}

// Close purges unwrapped key material from memory and closes the store.
// Local records remain for the next session.
func (c *Client) Close() error {
	c.keystore.Purge()
	return c.store.Close()
}
