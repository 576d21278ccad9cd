// Package memory is an in-process remote authority. It enforces roles,
// item revisions and event ordering the way the real service does and
// backs the tests, the example and the development server.
package memory

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/errs"
	icrypto "github.com/jmcleod/ironpass/internal/crypto"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/share"
)

const (
	defaultPageSize      = 50
	defaultEventPageSize = 50
)

type member struct {
	addressID string
	role      share.Role
	owner     bool
	primary   bool
}

type itemState struct {
	desc        remote.ItemDescriptor
	attachments map[string][]byte
}

type shareState struct {
	id              string
	kind            share.Kind
	createdAt       time.Time
	contentRotation uint64
	content         []byte
	rotation        uint64
	members         map[string]*member          // userID
	wraps           map[string][]key.WrappedKey // addressID, ordered by rotation
	items           map[string]*itemState
	events          []remote.Event
}

// Authority holds the state of every user and share.
type Authority struct {
	mu            sync.Mutex
	addresses     map[string]map[string][32]byte // userID -> addressID -> public key
	shares        map[string]*shareState
	now           func() time.Time
	pageSize      int
	eventPageSize int
	logger        *zap.Logger

	fail  map[Op][]error
	calls map[Op]int
	holds map[Op]chan struct{}
}

type authorityOptions struct {
	logger        *zap.Logger
	now           func() time.Time
	pageSize      int
	eventPageSize int
}

// Option configures an Authority.
type Option func(*authorityOptions)

func WithLogger(l *zap.Logger) Option {
	return func(o *authorityOptions) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *authorityOptions) { o.now = now }
}

// WithPageSize caps item pages regardless of the requested size.
func WithPageSize(n int) Option {
	return func(o *authorityOptions) { o.pageSize = n }
}

// WithEventPageSize caps event batches.
func WithEventPageSize(n int) Option {
	return func(o *authorityOptions) { o.eventPageSize = n }
}

func NewAuthority(opts ...Option) *Authority {
	o := authorityOptions{
		now:           time.Now,
		pageSize:      defaultPageSize,
		eventPageSize: defaultEventPageSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Authority{
		addresses:     make(map[string]map[string][32]byte),
		shares:        make(map[string]*shareState),
		now:           func() time.Time { return o.now().UTC() },
		pageSize:      o.pageSize,
		eventPageSize: o.eventPageSize,
		logger:        o.logger,
		fail:          make(map[Op][]error),
		calls:         make(map[Op]int),
		holds:         make(map[Op]chan struct{}),
	}
}

// Session returns the view of the authority for one authenticated user.
func (a *Authority) Session(userID string) *Session {
	return &Session{a: a, userID: userID}
}

func token(seq int) remote.EventToken {
	return remote.EventToken(strconv.Itoa(seq))
}

func parseToken(t remote.EventToken) (int, error) {
	if t == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(string(t))
	if err != nil || n < 0 {
		return 0, errs.Validationf("malformed event token %q", t)
	}
	return n, nil
}

func keyType(k share.Kind) key.Type {
	if k == share.KindItem {
		return key.ItemKey
	}
	return key.VaultKey
}

func (st *shareState) descriptor(m *member) share.Descriptor {
	return share.Descriptor{
		ID:              st.id,
		AddressID:       m.addressID,
		Kind:            st.kind,
		Role:            m.role,
		Owner:           m.owner,
		Primary:         m.primary,
		Members:         len(st.members),
		CreatedAt:       st.createdAt,
		ContentRotation: st.contentRotation,
		Content:         slices.Clone(st.content),
	}
}

func (st *shareState) appendEvent(ev remote.Event) {
	st.events = append(st.events, ev)
}

func (st *shareState) upsertEvent(it *itemState) {
	d := it.desc
	d.Content = slices.Clone(d.Content)
	st.appendEvent(remote.Event{Kind: remote.EventUpsert, Item: &d})
}

// lookup returns the share and the user's membership. Shares the user is
// not a member of are reported as not found. Callers hold a.mu.
func (a *Authority) lookup(shareID, userID string) (*shareState, *member, error) {
	st, ok := a.shares[shareID]
	if !ok {
		return nil, nil, fmt.Errorf("share %s: %w", shareID, errs.ErrNotFound)
	}
	m, ok := st.members[userID]
	if !ok {
		return nil, nil, fmt.Errorf("share %s: %w", shareID, errs.ErrNotFound)
	}
	return st, m, nil
}

func (a *Authority) writable(shareID, userID string) (*shareState, *member, error) {
	st, m, err := a.lookup(shareID, userID)
	if err != nil {
		return nil, nil, err
	}
	if !m.role.CanWrite() {
		return nil, nil, fmt.Errorf("share %s role %s: %w", shareID, m.role, errs.ErrUnauthorized)
	}
	return st, m, nil
}

// RotateShare generates a new key rotation for shareID, seals it to every
// member's address and records a rotation change event.
func (a *Authority) RotateShare(shareID string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.shares[shareID]
	if !ok {
		return 0, fmt.Errorf("share %s: %w", shareID, errs.ErrNotFound)
	}
	material, err := util.NewAESKey()
	if err != nil {
		return 0, err
	}
	defer util.WipeBytes(material)

	next := st.rotation + 1
	wraps := make(map[string]key.WrappedKey, len(st.members))
	for userID, m := range st.members {
		pub, ok := a.addresses[userID][m.addressID]
		if !ok {
			return 0, fmt.Errorf("address %s of %s not registered: %w", m.addressID, userID, errs.ErrNotFound)
		}
		wk := key.WrappedKey{ShareID: shareID, Rotation: next, Type: keyType(st.kind), AddressID: m.addressID}
		wrap, err := icrypto.SealToAddress(pub, material, wk.AAD())
		if err != nil {
			return 0, err
		}
		wk.Wrap = *wrap
		wraps[m.addressID] = wk
	}
	for addressID, wk := range wraps {
		st.wraps[addressID] = append(st.wraps[addressID], wk)
	}
	st.rotation = next
	st.appendEvent(remote.Event{Kind: remote.EventRotationChanged, Rotation: next})
	a.logger.Info("share rotated", zap.String("share_id", shareID), zap.Uint64("rotation", next))
	return next, nil
}

// SetRole changes a member's role.
func (a *Authority) SetRole(shareID, userID string, role share.Role) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, m, err := a.lookup(shareID, userID)
	if err != nil {
		return err
	}
	m.role = role
	return nil
}

// RemoveMember revokes a user's access. The share goes away with its last
// member.
func (a *Authority) RemoveMember(shareID, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.lookup(shareID, userID)
	if err != nil {
		return err
	}
	delete(st.members, userID)
	if len(st.members) == 0 {
		delete(a.shares, shareID)
	}
	return nil
}

// Attachments returns the pending IDs linked to an item.
func (a *Authority) Attachments(shareID, itemID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.shares[shareID]
	if !ok {
		return nil
	}
	it, ok := st.items[itemID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(it.attachments))
	for id := range it.attachments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Revision returns the current revision of an item, or 0.
func (a *Authority) Revision(shareID, itemID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.shares[shareID]; ok {
		if it, ok := st.items[itemID]; ok {
			return it.desc.Revision
		}
	}
	return 0
}
