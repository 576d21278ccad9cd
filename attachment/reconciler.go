// Package attachment stages attachment links for the next item mutation.
//
// An upload creates a pending attachment remotely and stages its key here
// with AddToLink. The next mutation of the owning item takes a Link
// snapshot with Begin, sends it along, and either commits it with the item
// row or releases it untouched for a verbatim retry.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/internal/validate"
	"github.com/jmcleod/ironpass/storage"
)

const (
	linkRecordType   = "ATTACH_LINK"
	unlinkRecordType = "ATTACH_UNLINK"
)

// ErrLinkInFlight is returned by Begin while another mutation holds a Link.
var ErrLinkInFlight = errors.New("attachment link already in flight")

type linkRecord struct {
	Key []byte `json:"key"`
}

type unlinkRecord struct{}

// PendingKey is a staged attachment key.
type PendingKey struct {
	ID      string
	enclave *memguard.Enclave
}

// WithKey calls fn with the key bytes. The bytes are only valid inside fn.
func (p PendingKey) WithKey(fn func(key []byte) error) error {
	buf, err := p.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening attachment key %s: %w", p.ID, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Reconciler is the per-user staging table of attachment links.
type Reconciler struct {
	scope  string
	repo   storage.Repository
	codec  *storage.Codec
	logger *zap.Logger

	mu       sync.Mutex
	toLink   map[string]*memguard.Enclave
	toUnlink map[string]struct{}
	inFlight *Link
}

type reconcilerOptions struct {
	logger *zap.Logger
}

// Option configures a Reconciler.
type Option func(*reconcilerOptions)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *reconcilerOptions) { o.logger = l }
}

// NewReconciler stages links in scope, normally the user's share scope.
func NewReconciler(scope string, repo storage.Repository, codec *storage.Codec, opts ...Option) *Reconciler {
	o := reconcilerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Reconciler{
		scope:    scope,
		repo:     repo,
		codec:    codec,
		logger:   o.logger,
		toLink:   make(map[string]*memguard.Enclave),
		toUnlink: make(map[string]struct{}),
	}
}

// Load restores staged state persisted by an earlier process.
func (r *Reconciler) Load(_ context.Context) error {
	toLink := make(map[string]*memguard.Enclave)
	toUnlink := make(map[string]struct{})
	err := r.repo.View(func(tx storage.ReadTx) error {
		ids, err := tx.List(r.scope, linkRecordType)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var rec linkRecord
			if err := r.codec.Load(tx, r.scope, linkRecordType, id, &rec); err != nil {
				return err
			}
			toLink[id] = memguard.NewEnclave(rec.Key)
		}
		ids, err = tx.List(r.scope, unlinkRecordType)
		if err != nil {
			return err
		}
		for _, id := range ids {
			toUnlink[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading staged attachments: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.toLink = toLink
	r.toUnlink = toUnlink
	return nil
}

// AddToLink stages key for pendingID, replacing any earlier key. The
// caller's key slice is wiped.
func (r *Reconciler) AddToLink(_ context.Context, pendingID string, key []byte) error {
	defer util.WipeBytes(key)
	if err := validate.ID(pendingID, "pending attachment id"); err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("attachment key for %s is empty", pendingID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.repo.Batch(func(tx storage.BatchTx) error {
		return r.codec.Store(tx, r.scope, linkRecordType, pendingID, 0, linkRecord{Key: key})
	})
	if err != nil {
		return fmt.Errorf("staging attachment link: %w", err)
	}
	r.toLink[pendingID] = memguard.NewEnclave(util.CopyBytes(key))
	return nil
}

// AddToUnlink stages the removal of a linked attachment.
func (r *Reconciler) AddToUnlink(_ context.Context, attachmentID string) error {
	if err := validate.ID(attachmentID, "attachment id"); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.repo.Batch(func(tx storage.BatchTx) error {
		return r.codec.Store(tx, r.scope, unlinkRecordType, attachmentID, 0, unlinkRecord{})
	})
	if err != nil {
		return fmt.Errorf("staging attachment unlink: %w", err)
	}
	r.toUnlink[attachmentID] = struct{}{}
	return nil
}

// GetAllToLink returns the staged keys sorted by pending ID.
func (r *Reconciler) GetAllToLink() []PendingKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linkSnapshot()
}

// GetAllToUnlink returns the staged removals, sorted.
func (r *Reconciler) GetAllToUnlink() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.toUnlink))
}

func (r *Reconciler) linkSnapshot() []PendingKey {
	out := make([]PendingKey, 0, len(r.toLink))
	for _, id := range slices.Sorted(maps.Keys(r.toLink)) {
		out = append(out, PendingKey{ID: id, enclave: r.toLink[id]})
	}
	return out
}

// Begin snapshots the staged sets for one item mutation.
func (r *Reconciler) Begin() (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight != nil {
		return nil, ErrLinkInFlight
	}
	l := &Link{
		r:        r,
		toLink:   r.linkSnapshot(),
		toUnlink: slices.Sorted(maps.Keys(r.toUnlink)),
	}
	r.inFlight = l
	return l, nil
}

// ClearAll drops every staged link and unlink, both persisted and cached.
func (r *Reconciler) ClearAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.repo.Batch(func(tx storage.BatchTx) error {
		for id := range r.toLink {
			if err := storage.DeleteIfExists(tx, r.scope, linkRecordType, id); err != nil {
				return err
			}
		}
		for id := range r.toUnlink {
			if err := storage.DeleteIfExists(tx, r.scope, unlinkRecordType, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing staged attachments: %w", err)
	}
	clear(r.toLink)
	clear(r.toUnlink)
	if r.inFlight != nil {
		r.inFlight.done = true
		r.inFlight = nil
	}
	r.logger.Debug("staged attachments cleared")
	return nil
}

// Link is the snapshot consumed by exactly one item mutation.
type Link struct {
	r        *Reconciler
	toLink   []PendingKey
	toUnlink []string
	done     bool
}

// ToLink returns the snapshot's staged keys.
func (l *Link) ToLink() []PendingKey { return l.toLink }

// ToUnlink returns the snapshot's staged removals.
func (l *Link) ToUnlink() []string { return l.toUnlink }

// Empty reports whether the snapshot carries nothing.
func (l *Link) Empty() bool { return len(l.toLink) == 0 && len(l.toUnlink) == 0 }

// Commit deletes the snapshot's persisted records inside tx. Call
// Committed once tx has been committed.
func (l *Link) Commit(tx storage.BatchTx) error {
	for _, p := range l.toLink {
		if err := storage.DeleteIfExists(tx, l.r.scope, linkRecordType, p.ID); err != nil {
			return err
		}
	}
	for _, id := range l.toUnlink {
		if err := storage.DeleteIfExists(tx, l.r.scope, unlinkRecordType, id); err != nil {
			return err
		}
	}
	return nil
}

// Committed drops the snapshot from memory and ends the mutation. Entries
// re-staged after Begin are kept.
func (l *Link) Committed() {
	r := l.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.done {
		return
	}
	for _, p := range l.toLink {
		if r.toLink[p.ID] == p.enclave {
			delete(r.toLink, p.ID)
		}
	}
	for _, id := range l.toUnlink {
		delete(r.toUnlink, id)
	}
	l.done = true
	r.inFlight = nil
}

// Release ends the mutation and leaves the staged sets as they were. It is
// a no-op after Committed.
func (l *Link) Release() {
	r := l.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	r.inFlight = nil
}
