package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpass/crypto"
	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/share"
)

type fixture struct {
	a    *Authority
	s    *Session
	addr *crypto.AddressKey
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	addr, err := crypto.NewAddressKey("addr-1")
	require.NoError(t, err)
	a := NewAuthority(opts...)
	s := a.Session("user-1")
	require.NoError(t, s.RegisterAddress(t.Context(), "user-1", addr.ID(), addr.PublicKey()))
	return &fixture{a: a, s: s, addr: addr}
}

func (f *fixture) createVault(t *testing.T, id string) *share.Descriptor {
	t.Helper()
	wk, err := key.NewRotation(f.addr, id, 1, key.VaultKey)
	require.NoError(t, err)
	d, err := f.s.CreateVault(t.Context(), "user-1", share.CreateVaultRequest{
		ShareID: id, AddressID: f.addr.ID(), Key: wk, Content: []byte("sealed"),
	})
	require.NoError(t, err)
	return d
}

func submit(t *testing.T, s *Session, shareID, itemID string, expected, rotation uint64) *remote.ItemResult {
	t.Helper()
	res, err := s.SubmitItem(t.Context(), shareID, remote.SubmitRequest{
		ItemID: itemID, ExpectedRevision: expected, Rotation: rotation, Content: []byte("ct"),
	})
	require.NoError(t, err)
	return res
}

func TestCreateVaultFirstIsPrimary(t *testing.T) {
	f := newFixture(t)
	a := f.createVault(t, "v1")
	b := f.createVault(t, "v2")
	assert.True(t, a.Primary)
	assert.False(t, b.Primary)
	assert.True(t, a.Owner)
	assert.Equal(t, share.RoleAdmin, a.Role)

	require.NoError(t, f.s.MarkPrimary(t.Context(), "user-1", "v2"))
	shares, err := f.s.FetchShares(t.Context(), "user-1")
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.False(t, shares[0].Primary)
	assert.True(t, shares[1].Primary)
}

func TestCreateVaultRequiresRegisteredAddress(t *testing.T) {
	f := newFixture(t)
	other, err := crypto.NewAddressKey("addr-x")
	require.NoError(t, err)
	wk, err := key.NewRotation(other, "v1", 1, key.VaultKey)
	require.NoError(t, err)
	_, err = f.s.CreateVault(t.Context(), "user-1", share.CreateVaultRequest{ShareID: "v1", AddressID: "addr-x", Key: wk})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSessionActsForItsUserOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.s.FetchShares(t.Context(), "user-2")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestSubmitItemRevisions(t *testing.T) {
	f := newFixture(t)
	f.createVault(t, "v1")

	res := submit(t, f.s, "v1", "i1", 0, 1)
	assert.Equal(t, uint64(1), res.Revision)
	res = submit(t, f.s, "v1", "i1", 1, 1)
	assert.Equal(t, uint64(2), res.Revision)

	_, err := f.s.SubmitItem(t.Context(), "v1", remote.SubmitRequest{ItemID: "i1", ExpectedRevision: 1, Rotation: 1})
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(2), conflict.Actual)

	_, err = f.s.SubmitItem(t.Context(), "v1", remote.SubmitRequest{ItemID: "i1", Rotation: 1})
	assert.ErrorIs(t, err, errs.ErrRevisionConflict, "create over existing item")

	_, err = f.s.SubmitItem(t.Context(), "v1", remote.SubmitRequest{ItemID: "i2", ExpectedRevision: 4, Rotation: 1})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubmitItemRequiresLatestRotation(t *testing.T) {
	f := newFixture(t)
	f.createVault(t, "v1")
	_, err := f.a.RotateShare("v1")
	require.NoError(t, err)

	_, err = f.s.SubmitItem(t.Context(), "v1", remote.SubmitRequest{ItemID: "i1", Rotation: 1})
	assert.ErrorIs(t, err, errs.ErrValidation)
	submit(t, f.s, "v1", "i1", 0, 2)
}

func TestAttachmentsDriveFlag(t *testing.T) {
	f := newFixture(t)
	f.createVault(t, "v1")
	res, err := f.s.SubmitItem(t.Context(), "v1", remote.SubmitRequest{
		ItemID: "i1", Rotation: 1,
		LinkAttachments: []remote.AttachmentLink{{PendingID: "p1", Key: []byte("k")}},
	})
	require.NoError(t, err)
	assert.True(t, res.Flags.Has(item.FlagHasAttachments))
	assert.Equal(t, []string{"p1"}, f.a.Attachments("v1", "i1"))

	res, err = f.s.SubmitItem(t.Context(), "v1", remote.SubmitRequest{
		ItemID: "i1", ExpectedRevision: 1, Rotation: 1, UnlinkAttachments: []string{"p1"},
	})
	require.NoError(t, err)
	assert.False(t, res.Flags.Has(item.FlagHasAttachments))
}

func TestReadRoleCannotWrite(t *testing.T) {
	f := newFixture(t)
	f.createVault(t, "v1")
	require.NoError(t, f.a.SetRole("v1", "user-1", share.RoleRead))
	_, err := f.s.SubmitItem(t.Context(), "v1", remote.SubmitRequest{ItemID: "i1", Rotation: 1})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestEventsArePagedAndOrdered(t *testing.T) {
	f := newFixture(t, WithEventPageSize(2))
	f.createVault(t, "v1")
	start, err := f.s.FetchLatestEventToken(t.Context(), "v1")
	require.NoError(t, err)

	submit(t, f.s, "v1", "i1", 0, 1)
	submit(t, f.s, "v1", "i1", 1, 1)
	_, err = f.a.RotateShare("v1")
	require.NoError(t, err)
	require.NoError(t, f.s.DeleteItems(t.Context(), "v1", []remote.ItemRevision{{ItemID: "i1", Revision: 2}}))

	first, err := f.s.FetchEvents(t.Context(), "v1", start)
	require.NoError(t, err)
	assert.Equal(t, start, first.Since)
	assert.True(t, first.More)
	require.Len(t, first.Events, 2)
	assert.Equal(t, remote.EventUpsert, first.Events[0].Kind)
	assert.Equal(t, uint64(2), first.Events[1].Item.Revision)

	second, err := f.s.FetchEvents(t.Context(), "v1", first.Next)
	require.NoError(t, err)
	assert.False(t, second.More)
	require.Len(t, second.Events, 2)
	assert.Equal(t, remote.EventRotationChanged, second.Events[0].Kind)
	assert.Equal(t, uint64(2), second.Events[0].Rotation)
	assert.Equal(t, remote.EventDelete, second.Events[1].Kind)

	latest, err := f.s.FetchLatestEventToken(t.Context(), "v1")
	require.NoError(t, err)
	assert.Equal(t, second.Next, latest)

	_, err = f.s.FetchEvents(t.Context(), "v1", "999")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestRotateShareSealsToMemberAddress(t *testing.T) {
	f := newFixture(t)
	f.createVault(t, "v1")
	r, err := f.a.RotateShare("v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r)

	wk, err := f.s.FetchWrappedKey(t.Context(), "v1", key.LatestRotation)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), wk.Rotation)
	material, err := f.addr.Open(&wk.Wrap, wk.AAD())
	require.NoError(t, err)
	assert.Len(t, material, 32)

	old, err := f.s.FetchWrappedKey(t.Context(), "v1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), old.Rotation)
}

func TestItemPages(t *testing.T) {
	f := newFixture(t, WithPageSize(2))
	f.createVault(t, "v1")
	for _, id := range []string{"a", "b", "c"} {
		submit(t, f.s, "v1", id, 0, 1)
	}
	p1, err := f.s.FetchItems(t.Context(), "user-1", "v1", remote.Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, p1.Items, 2)
	assert.NotEmpty(t, p1.Next)
	p2, err := f.s.FetchItems(t.Context(), "user-1", "v1", remote.Page{Token: p1.Next})
	require.NoError(t, err)
	require.Len(t, p2.Items, 1)
	assert.Equal(t, "c", p2.Items[0].ItemID)
	assert.Empty(t, p2.Next)
}

func TestMigrateItem(t *testing.T) {
	f := newFixture(t)
	f.createVault(t, "v1")
	f.createVault(t, "v2")
	submit(t, f.s, "v1", "i1", 0, 1)

	d, err := f.s.MigrateItem(t.Context(), remote.MigrateRequest{
		SourceShareID: "v1", DestShareID: "v2", ItemID: "i1", ExpectedRevision: 1, Rotation: 1, Content: []byte("re"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("re"), d.Content)
	assert.Zero(t, f.a.Revision("v1", "i1"))
	assert.Equal(t, uint64(1), f.a.Revision("v2", "i1"))
}

func TestFaultInjectionAndCalls(t *testing.T) {
	f := newFixture(t)
	boom := errs.Transient("fetch shares", errors.New("reset"))
	f.a.FailNext(OpFetchShares, boom)

	_, err := f.s.FetchShares(t.Context(), "user-1")
	assert.ErrorIs(t, err, errs.ErrTransientNetwork)
	_, err = f.s.FetchShares(t.Context(), "user-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, f.a.Calls(OpFetchShares))
}

func TestHoldBlocksUntilRelease(t *testing.T) {
	f := newFixture(t)
	release := f.a.Hold(OpFetchShares)
	done := make(chan error, 1)
	go func() {
		_, err := f.s.FetchShares(t.Context(), "user-1")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("call returned while held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not resume")
	}
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	f.createVault(t, "v1")
	require.NoError(t, f.a.RemoveMember("v1", "user-1"))
	shares, err := f.s.FetchShares(t.Context(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, shares)
}
