package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/internal/validate"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/share"
)

// Session is the authority as seen by one authenticated user.
type Session struct {
	a      *Authority
	userID string
}

var _ remote.API = (*Session)(nil)

func (s *Session) UserID() string { return s.userID }

// checkUser rejects calls made on behalf of another user.
func (s *Session) checkUser(userID string) error {
	if userID != s.userID {
		return fmt.Errorf("session of %s acting for %s: %w", s.userID, userID, errs.ErrUnauthorized)
	}
	return nil
}

func (s *Session) RegisterAddress(ctx context.Context, userID, addressID string, publicKey [32]byte) error {
	if err := s.a.enter(ctx, OpRegisterAddress); err != nil {
		return err
	}
	if err := s.checkUser(userID); err != nil {
		return err
	}
	if err := validate.ID(addressID, "address id"); err != nil {
		return err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.addresses[userID] == nil {
		a.addresses[userID] = make(map[string][32]byte)
	}
	a.addresses[userID][addressID] = publicKey
	return nil
}

func (s *Session) FetchShares(ctx context.Context, userID string) ([]share.Descriptor, error) {
	if err := s.a.enter(ctx, OpFetchShares); err != nil {
		return nil, err
	}
	if err := s.checkUser(userID); err != nil {
		return nil, err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []share.Descriptor{}
	for _, st := range a.shares {
		if m, ok := st.members[userID]; ok {
			out = append(out, st.descriptor(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Session) CreateVault(ctx context.Context, userID string, req share.CreateVaultRequest) (*share.Descriptor, error) {
	if err := s.a.enter(ctx, OpCreateVault); err != nil {
		return nil, err
	}
	if err := s.checkUser(userID); err != nil {
		return nil, err
	}
	if err := validate.ID(req.ShareID, "share id"); err != nil {
		return nil, err
	}
	if err := validate.Content(req.Content); err != nil {
		return nil, err
	}
	wk := req.Key
	switch {
	case wk == nil:
		return nil, errs.Validationf("vault key is required")
	case wk.ShareID != req.ShareID || wk.Rotation != 1 || wk.Type != key.VaultKey || wk.AddressID != req.AddressID:
		return nil, errs.Validationf("vault key must be rotation 1 of %s sealed to %s", req.ShareID, req.AddressID)
	}

	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.addresses[userID][req.AddressID]; !ok {
		return nil, errs.Validationf("address %s is not registered", req.AddressID)
	}
	if _, exists := a.shares[req.ShareID]; exists {
		return nil, errs.Validationf("share %s already exists", req.ShareID)
	}
	primary := true
	for _, st := range a.shares {
		if m, ok := st.members[userID]; ok && m.primary {
			primary = false
			break
		}
	}
	m := &member{addressID: req.AddressID, role: share.RoleAdmin, owner: true, primary: primary}
	st := &shareState{
		id:              req.ShareID,
		kind:            share.KindVault,
		createdAt:       a.now(),
		contentRotation: 1,
		content:         slices.Clone(req.Content),
		rotation:        1,
		members:         map[string]*member{userID: m},
		wraps:           map[string][]key.WrappedKey{req.AddressID: {*wk}},
		items:           make(map[string]*itemState),
	}
	a.shares[st.id] = st
	a.logger.Info("vault created", zap.String("share_id", st.id), zap.String("user_id", userID))
	d := st.descriptor(m)
	return &d, nil
}

func (s *Session) UpdateVault(ctx context.Context, userID, shareID string, rotation uint64, content []byte) (*share.Descriptor, error) {
	if err := s.a.enter(ctx, OpUpdateVault); err != nil {
		return nil, err
	}
	if err := s.checkUser(userID); err != nil {
		return nil, err
	}
	if err := validate.Content(content); err != nil {
		return nil, err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, m, err := a.lookup(shareID, userID)
	if err != nil {
		return nil, err
	}
	if m.role != share.RoleAdmin && !m.owner {
		return nil, fmt.Errorf("updating vault %s: %w", shareID, errs.ErrUnauthorized)
	}
	if rotation == 0 || rotation > st.rotation {
		return nil, errs.Validationf("rotation %d does not exist on %s", rotation, shareID)
	}
	st.contentRotation = rotation
	st.content = slices.Clone(content)
	d := st.descriptor(m)
	return &d, nil
}

func (s *Session) DeleteVault(ctx context.Context, userID, shareID string) error {
	if err := s.a.enter(ctx, OpDeleteVault); err != nil {
		return err
	}
	if err := s.checkUser(userID); err != nil {
		return err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	_, m, err := a.lookup(shareID, userID)
	if err != nil {
		return err
	}
	if !m.owner {
		return fmt.Errorf("deleting vault %s: %w", shareID, errs.ErrUnauthorized)
	}
	delete(a.shares, shareID)
	return nil
}

func (s *Session) MarkPrimary(ctx context.Context, userID, shareID string) error {
	if err := s.a.enter(ctx, OpMarkPrimary); err != nil {
		return err
	}
	if err := s.checkUser(userID); err != nil {
		return err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.lookup(shareID, userID)
	if err != nil {
		return err
	}
	if st.kind != share.KindVault {
		return errs.Validationf("share %s is not a vault", shareID)
	}
	for id, other := range a.shares {
		if m, ok := other.members[userID]; ok {
			m.primary = id == shareID
		}
	}
	return nil
}

func (s *Session) FetchWrappedKey(ctx context.Context, shareID string, rotation uint64) (*key.WrappedKey, error) {
	if err := s.a.enter(ctx, OpFetchWrappedKey); err != nil {
		return nil, err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, m, err := a.lookup(shareID, s.userID)
	if err != nil {
		return nil, err
	}
	wraps := st.wraps[m.addressID]
	if len(wraps) == 0 {
		return nil, fmt.Errorf("no key for %s on %s: %w", m.addressID, shareID, errs.ErrNotFound)
	}
	if rotation == key.LatestRotation {
		wk := wraps[len(wraps)-1]
		return &wk, nil
	}
	for _, wk := range wraps {
		if wk.Rotation == rotation {
			return &wk, nil
		}
	}
	return nil, fmt.Errorf("rotation %d of %s: %w", rotation, shareID, errs.ErrNotFound)
}

func (s *Session) FetchItems(ctx context.Context, userID, shareID string, page remote.Page) (*remote.ItemPage, error) {
	if err := s.a.enter(ctx, OpFetchItems); err != nil {
		return nil, err
	}
	if err := s.checkUser(userID); err != nil {
		return nil, err
	}
	offset := 0
	if page.Token != "" {
		n, err := strconv.Atoi(page.Token)
		if err != nil || n < 0 {
			return nil, errs.Validationf("malformed page token %q", page.Token)
		}
		offset = n
	}

	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.lookup(shareID, userID)
	if err != nil {
		return nil, err
	}
	size := page.Size
	if size <= 0 || size > a.pageSize {
		size = a.pageSize
	}
	ids := make([]string, 0, len(st.items))
	for id := range st.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if offset > len(ids) {
		offset = len(ids)
	}
	end := min(offset+size, len(ids))

	out := &remote.ItemPage{Items: make([]remote.ItemDescriptor, 0, end-offset)}
	for _, id := range ids[offset:end] {
		d := st.items[id].desc
		d.Content = slices.Clone(d.Content)
		out.Items = append(out.Items, d)
	}
	if end < len(ids) {
		out.Next = strconv.Itoa(end)
	}
	return out, nil
}

func (s *Session) SubmitItem(ctx context.Context, shareID string, req remote.SubmitRequest) (*remote.ItemResult, error) {
	if err := s.a.enter(ctx, OpSubmitItem); err != nil {
		return nil, err
	}
	if err := validate.ID(req.ItemID, "item id"); err != nil {
		return nil, err
	}
	if err := validate.Content(req.Content); err != nil {
		return nil, err
	}

	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.writable(shareID, s.userID)
	if err != nil {
		return nil, err
	}
	if req.Rotation != st.rotation {
		return nil, errs.Validationf("content encrypted with rotation %d, latest is %d", req.Rotation, st.rotation)
	}

	now := a.now()
	it, exists := st.items[req.ItemID]
	switch {
	case req.ExpectedRevision == 0 && exists:
		return nil, &errs.ConflictError{ShareID: shareID, ItemID: req.ItemID, Expected: 0, Actual: it.desc.Revision}
	case req.ExpectedRevision == 0:
		it = &itemState{
			desc: remote.ItemDescriptor{
				ItemID:     req.ItemID,
				State:      item.StateActive,
				CreateTime: now,
			},
			attachments: make(map[string][]byte),
		}
		st.items[req.ItemID] = it
	case !exists:
		return nil, fmt.Errorf("item %s/%s: %w", shareID, req.ItemID, errs.ErrNotFound)
	case it.desc.Revision != req.ExpectedRevision:
		return nil, &errs.ConflictError{ShareID: shareID, ItemID: req.ItemID, Expected: req.ExpectedRevision, Actual: it.desc.Revision}
	}

	for _, l := range req.LinkAttachments {
		it.attachments[l.PendingID] = slices.Clone(l.Key)
	}
	for _, id := range req.UnlinkAttachments {
		delete(it.attachments, id)
	}
	flags := req.Flags &^ item.FlagHasAttachments
	if len(it.attachments) > 0 {
		flags |= item.FlagHasAttachments
	}

	it.desc.Revision++
	it.desc.Rotation = req.Rotation
	it.desc.Content = slices.Clone(req.Content)
	it.desc.Flags = flags
	it.desc.ModifyTime = now
	st.upsertEvent(it)

	return &remote.ItemResult{
		ItemID:     req.ItemID,
		Revision:   it.desc.Revision,
		ModifyTime: now,
		Flags:      flags,
	}, nil
}

// checkRefs verifies every reference before anything changes. Callers
// hold a.mu.
func checkRefs(st *shareState, refs []remote.ItemRevision) error {
	for _, ref := range refs {
		it, ok := st.items[ref.ItemID]
		if !ok {
			return fmt.Errorf("item %s/%s: %w", st.id, ref.ItemID, errs.ErrNotFound)
		}
		if it.desc.Revision != ref.Revision {
			return &errs.ConflictError{ShareID: st.id, ItemID: ref.ItemID, Expected: ref.Revision, Actual: it.desc.Revision}
		}
	}
	return nil
}

func (s *Session) SetItemState(ctx context.Context, shareID string, refs []remote.ItemRevision, state item.State) ([]remote.ItemResult, error) {
	if err := s.a.enter(ctx, OpSetItemState); err != nil {
		return nil, err
	}
	if state != item.StateActive && state != item.StateTrashed {
		return nil, errs.Validationf("unknown item state %d", state)
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.writable(shareID, s.userID)
	if err != nil {
		return nil, err
	}
	if err := checkRefs(st, refs); err != nil {
		return nil, err
	}
	now := a.now()
	out := make([]remote.ItemResult, 0, len(refs))
	for _, ref := range refs {
		it := st.items[ref.ItemID]
		if it.desc.State != state {
			it.desc.State = state
			it.desc.Revision++
			it.desc.ModifyTime = now
			st.upsertEvent(it)
		}
		out = append(out, remote.ItemResult{
			ItemID:     ref.ItemID,
			Revision:   it.desc.Revision,
			ModifyTime: it.desc.ModifyTime,
			Flags:      it.desc.Flags,
		})
	}
	return out, nil
}

func (s *Session) DeleteItems(ctx context.Context, shareID string, refs []remote.ItemRevision) error {
	if err := s.a.enter(ctx, OpDeleteItems); err != nil {
		return err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.writable(shareID, s.userID)
	if err != nil {
		return err
	}
	if err := checkRefs(st, refs); err != nil {
		return err
	}
	for _, ref := range refs {
		delete(st.items, ref.ItemID)
		st.appendEvent(remote.Event{Kind: remote.EventDelete, ItemID: ref.ItemID})
	}
	return nil
}

func (s *Session) MigrateItem(ctx context.Context, req remote.MigrateRequest) (*remote.ItemDescriptor, error) {
	if err := s.a.enter(ctx, OpMigrateItem); err != nil {
		return nil, err
	}
	if err := validate.Content(req.Content); err != nil {
		return nil, err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	src, _, err := a.writable(req.SourceShareID, s.userID)
	if err != nil {
		return nil, err
	}
	dst, _, err := a.writable(req.DestShareID, s.userID)
	if err != nil {
		return nil, err
	}
	if err := checkRefs(src, []remote.ItemRevision{{ItemID: req.ItemID, Revision: req.ExpectedRevision}}); err != nil {
		return nil, err
	}
	if req.Rotation != dst.rotation {
		return nil, errs.Validationf("content encrypted with rotation %d, latest is %d", req.Rotation, dst.rotation)
	}
	if existing, ok := dst.items[req.ItemID]; ok {
		return nil, &errs.ConflictError{ShareID: dst.id, ItemID: req.ItemID, Expected: 0, Actual: existing.desc.Revision}
	}

	old := src.items[req.ItemID]
	delete(src.items, req.ItemID)
	src.appendEvent(remote.Event{Kind: remote.EventDelete, ItemID: req.ItemID})

	moved := &itemState{
		desc: remote.ItemDescriptor{
			ItemID:     req.ItemID,
			Revision:   1,
			Rotation:   req.Rotation,
			Content:    slices.Clone(req.Content),
			State:      old.desc.State,
			Flags:      old.desc.Flags,
			CreateTime: old.desc.CreateTime,
			ModifyTime: a.now(),
		},
		attachments: old.attachments,
	}
	dst.items[req.ItemID] = moved
	dst.upsertEvent(moved)

	d := moved.desc
	d.Content = slices.Clone(d.Content)
	return &d, nil
}

func (s *Session) FetchLatestEventToken(ctx context.Context, shareID string) (remote.EventToken, error) {
	if err := s.a.enter(ctx, OpFetchLatestEventToken); err != nil {
		return "", err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.lookup(shareID, s.userID)
	if err != nil {
		return "", err
	}
	return token(len(st.events)), nil
}

func (s *Session) FetchEvents(ctx context.Context, shareID string, since remote.EventToken) (*remote.EventList, error) {
	if err := s.a.enter(ctx, OpFetchEvents); err != nil {
		return nil, err
	}
	from, err := parseToken(since)
	if err != nil {
		return nil, err
	}
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.lookup(shareID, s.userID)
	if err != nil {
		return nil, err
	}
	if from > len(st.events) {
		return nil, errs.Validationf("event token %q is ahead of the log", since)
	}
	end := min(from+a.eventPageSize, len(st.events))
	events := make([]remote.Event, 0, end-from)
	for _, ev := range st.events[from:end] {
		if ev.Item != nil {
			d := *ev.Item
			d.Content = slices.Clone(d.Content)
			ev.Item = &d
		}
		events = append(events, ev)
	}
	return &remote.EventList{
		ShareID: shareID,
		Since:   since,
		Next:    token(end),
		Events:  events,
		More:    end < len(st.events),
	}, nil
}
