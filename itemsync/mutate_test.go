package itemsync_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpass/attachment"
	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/itemsync"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/remote/memory"
	"github.com/jmcleod/ironpass/share"
)

func TestUpdateRacingRemoteChangeConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	created, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "one"))
	require.NoError(t, err)
	_, err = f.b.eng.RefreshItems(t.Context(), id)
	require.NoError(t, err)

	_, err = f.b.eng.UpdateItem(t.Context(), id, created.ItemID, 1, login("Mail", "two"))
	require.NoError(t, err)

	_, err = f.a.eng.UpdateItem(t.Context(), id, created.ItemID, 1, login("Mail", "three"))
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(1), conflict.Expected)
	assert.Equal(t, uint64(2), conflict.Actual)

	local, err := f.a.eng.GetItem(t.Context(), id, created.ItemID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), local.Revision)
	assert.Equal(t, "one", password(t, f.a, local))

	_, err = f.a.eng.SyncEvents(t.Context(), id)
	require.NoError(t, err)
	base := f.auth.Calls(memory.OpSubmitItem)
	_, err = f.a.eng.UpdateItem(t.Context(), id, created.ItemID, 1, login("Mail", "three"))
	assert.ErrorIs(t, err, errs.ErrRevisionConflict)
	assert.Equal(t, base, f.auth.Calls(memory.OpSubmitItem), "stale revision caught locally")

	updated, err := f.a.eng.UpdateItem(t.Context(), id, created.ItemID, 2, login("Mail", "three"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), updated.Revision)
}

func TestAttachmentLinkSurvivesFailedSubmit(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	up := attachment.NewUploader(attachment.NewMemoryBlobStore(), f.a.rec)
	pendingID, err := up.Upload(t.Context(), []byte("passport scan"))
	require.NoError(t, err)

	f.auth.FailNext(memory.OpSubmitItem, errs.Transient("submit item", errors.New("connection reset")))
	link, err := f.a.rec.Begin()
	require.NoError(t, err)
	_, err = f.a.eng.CreateItem(t.Context(), id, login("Passport", "pw"), itemsync.WithAttachments(link))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	link.Release()

	staged := f.a.rec.GetAllToLink()
	require.Len(t, staged, 1)
	assert.Equal(t, pendingID, staged[0].ID)

	link, err = f.a.rec.Begin()
	require.NoError(t, err)
	defer link.Release()
	created, err := f.a.eng.CreateItem(t.Context(), id, login("Passport", "pw"), itemsync.WithAttachments(link))
	require.NoError(t, err)
	assert.True(t, created.Flags.Has(item.FlagHasAttachments))
	assert.Empty(t, f.a.rec.GetAllToLink())
	assert.Equal(t, []string{pendingID}, f.auth.Attachments(id, created.ItemID))

	reloaded := attachment.NewReconciler(share.Scope(userID), f.a.repo, f.a.codec)
	require.NoError(t, reloaded.Load(t.Context()))
	assert.Empty(t, reloaded.GetAllToLink())

	_, err = f.b.eng.RefreshItems(t.Context(), id)
	require.NoError(t, err)
	got, err := f.b.eng.GetItem(t.Context(), id, created.ItemID)
	require.NoError(t, err)
	assert.True(t, got.Flags.Has(item.FlagHasAttachments))
}

func TestUnlinkClearsAttachmentFlag(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	up := attachment.NewUploader(attachment.NewMemoryBlobStore(), f.a.rec)
	pendingID, err := up.Upload(t.Context(), []byte("receipt"))
	require.NoError(t, err)

	link, err := f.a.rec.Begin()
	require.NoError(t, err)
	created, err := f.a.eng.CreateItem(t.Context(), id, login("Shop", "pw"), itemsync.WithAttachments(link))
	require.NoError(t, err)
	link.Release()

	require.NoError(t, f.a.rec.AddToUnlink(t.Context(), pendingID))
	link, err = f.a.rec.Begin()
	require.NoError(t, err)
	updated, err := f.a.eng.UpdateItem(t.Context(), id, created.ItemID, created.Revision, login("Shop", "pw"), itemsync.WithAttachments(link))
	require.NoError(t, err)
	link.Release()

	assert.False(t, updated.Flags.Has(item.FlagHasAttachments))
	assert.Empty(t, f.auth.Attachments(id, created.ItemID))
	assert.Empty(t, f.a.rec.GetAllToUnlink())
}

func TestReadOnlyShareRejectsWrites(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	created, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "pw"))
	require.NoError(t, err)
	require.NoError(t, f.auth.SetRole(id, userID, share.RoleRead))
	_, err = f.a.reg.RefreshShares(t.Context())
	require.NoError(t, err)

	base := f.auth.Calls(memory.OpSubmitItem)
	_, err = f.a.eng.CreateItem(t.Context(), id, login("Other", "pw"))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = f.a.eng.UpdateItem(t.Context(), id, created.ItemID, created.Revision, login("Mail", "new"))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Equal(t, base, f.auth.Calls(memory.OpSubmitItem))
}

func TestCreateItemValidation(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")

	_, err := f.a.eng.CreateItem(t.Context(), id, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.a.eng.CreateItem(t.Context(), id, &item.Payload{Metadata: item.Metadata{Name: "empty"}})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.a.eng.CreateItem(t.Context(), "no-such-share", login("Mail", "pw"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTrashRestoreDelete(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	created, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "pw"))
	require.NoError(t, err)

	trashed, err := f.a.eng.TrashItems(t.Context(), id, []remote.ItemRevision{{ItemID: created.ItemID, Revision: 1}})
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, item.StateTrashed, trashed[0].State)
	assert.Equal(t, uint64(2), trashed[0].Revision)

	inTrash, err := f.a.eng.Items(t.Context(), itemsync.Filter{State: item.StateTrashed})
	require.NoError(t, err)
	assert.Len(t, inTrash, 1)

	_, err = f.a.eng.RestoreItems(t.Context(), id, []remote.ItemRevision{{ItemID: created.ItemID, Revision: 1}})
	assert.ErrorIs(t, err, errs.ErrRevisionConflict)

	restored, err := f.a.eng.RestoreItems(t.Context(), id, []remote.ItemRevision{{ItemID: created.ItemID, Revision: 2}})
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, item.StateActive, restored[0].State)
	assert.Equal(t, uint64(3), restored[0].Revision)

	require.NoError(t, f.a.eng.DeleteItems(t.Context(), id, []remote.ItemRevision{{ItemID: created.ItemID, Revision: 3}}))
	_, err = f.a.eng.GetItem(t.Context(), id, created.ItemID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Zero(t, f.auth.Revision(id, created.ItemID))
}

func TestMigrateItem(t *testing.T) {
	f := newFixture(t)
	src := f.vault(t, "Personal")
	dst := f.vault(t, "Work")
	created, err := f.a.eng.CreateItem(t.Context(), src, login("VPN", "secret"))
	require.NoError(t, err)
	require.NoError(t, f.a.eng.SetPinned(t.Context(), src, created.ItemID, true))

	moved, err := f.a.eng.MigrateItem(t.Context(), src, dst, created.ItemID)
	require.NoError(t, err)
	assert.Equal(t, dst, moved.ShareID)
	assert.Equal(t, created.ItemID, moved.ItemID)
	assert.Equal(t, uint64(1), moved.Revision)
	assert.Equal(t, "VPN", moved.Title)
	assert.True(t, moved.Pinned)
	assert.Equal(t, "secret", password(t, f.a, moved))

	_, err = f.a.eng.GetItem(t.Context(), src, created.ItemID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.a.eng.MigrateItem(t.Context(), dst, dst, created.ItemID)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestMigrateItemFailureKeepsSource(t *testing.T) {
	f := newFixture(t)
	src := f.vault(t, "Personal")
	dst := f.vault(t, "Work")
	created, err := f.a.eng.CreateItem(t.Context(), src, login("VPN", "secret"))
	require.NoError(t, err)

	f.auth.FailNext(memory.OpMigrateItem, errs.Transient("migrate item", errors.New("timeout")))
	_, err = f.a.eng.MigrateItem(t.Context(), src, dst, created.ItemID)
	require.Error(t, err)

	_, err = f.a.eng.GetItem(t.Context(), src, created.ItemID)
	assert.NoError(t, err)
	_, err = f.a.eng.GetItem(t.Context(), dst, created.ItemID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLocalOverlaySurvivesSync(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	created, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "one"))
	require.NoError(t, err)
	used := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.a.eng.SetPinned(t.Context(), id, created.ItemID, true))
	require.NoError(t, f.a.eng.MarkUsed(t.Context(), id, created.ItemID, used))

	_, err = f.b.eng.RefreshItems(t.Context(), id)
	require.NoError(t, err)
	_, err = f.b.eng.UpdateItem(t.Context(), id, created.ItemID, 1, login("Mail", "two"))
	require.NoError(t, err)

	_, err = f.a.eng.SyncEvents(t.Context(), id)
	require.NoError(t, err)
	got, err := f.a.eng.GetItem(t.Context(), id, created.ItemID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Revision)
	assert.True(t, got.Pinned)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, used.Equal(*got.LastUsedAt))
	assert.Equal(t, "two", password(t, f.a, got))

	other, err := f.b.eng.GetItem(t.Context(), id, created.ItemID)
	require.NoError(t, err)
	assert.False(t, other.Pinned, "overlay stays on its device")

	assert.ErrorIs(t, f.a.eng.SetPinned(t.Context(), id, "missing", true), errs.ErrNotFound)
}
