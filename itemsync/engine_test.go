package itemsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpass/attachment"
	"github.com/jmcleod/ironpass/crypto"
	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/itemsync"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/keystore"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/remote/memory"
	"github.com/jmcleod/ironpass/share"
	"github.com/jmcleod/ironpass/storage"
	storemem "github.com/jmcleod/ironpass/storage/memory"
)

const (
	userID      = "user-1"
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

// device is one client of the user: its own store and caches, sharing the
// authority and address key with the user's other devices.
type device struct {
	repo  *storemem.Repository
	codec *storage.Codec
	keys  *key.Hierarchy
	reg   *share.Registry
	eng   *itemsync.Engine
	rec   *attachment.Reconciler
}

type fixture struct {
	auth *memory.Authority
	sess *memory.Session
	addr *crypto.AddressKey
	a    *device
	b    *device
}

func newFixture(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	addr, err := crypto.NewAddressKey("addr-1")
	require.NoError(t, err)
	t.Cleanup(addr.Destroy)

	auth := memory.NewAuthority(opts...)
	sess := auth.Session(userID)
	require.NoError(t, sess.RegisterAddress(t.Context(), userID, addr.ID(), addr.PublicKey()))

	f := &fixture{auth: auth, sess: sess, addr: addr}
	f.a = f.newDevice(t)
	f.b = f.newDevice(t)
	return f
}

func (f *fixture) newDevice(t *testing.T) *device {
	t.Helper()
	root, err := util.NewAESKey()
	require.NoError(t, err)
	codec := storage.NewCodec(root)
	d := &device{repo: storemem.NewRepository(), codec: codec}
	d.keys = key.NewHierarchy(keystore.New(), d.repo, codec, f.sess, crypto.NewKeyring(f.addr))
	d.reg = share.NewRegistry(userID, f.sess, d.repo, codec, d.keys)
	d.keys.SetAccessChecker(d.reg)
	d.eng = itemsync.NewEngine(userID, f.sess, d.reg, d.keys, d.repo, codec, itemsync.WithPageSize(2))
	d.reg.AddCascade(d.eng)
	d.rec = attachment.NewReconciler(share.Scope(userID), d.repo, codec)
	return d
}

// vault creates a vault on device a and makes it known to device b.
func (f *fixture) vault(t *testing.T, name string) string {
	t.Helper()
	s, err := f.a.reg.CreateVault(t.Context(), f.addr, share.VaultContent{Name: name})
	require.NoError(t, err)
	_, err = f.b.reg.RefreshShares(t.Context())
	require.NoError(t, err)
	return s.ID
}

func login(title, password string) *item.Payload {
	return &item.Payload{
		Metadata: item.Metadata{Name: title},
		Content:  item.Login{Username: "jo", Password: password, URLs: []string{"https://example.com"}},
	}
}

func password(t *testing.T, d *device, it *item.Item) string {
	t.Helper()
	p, err := d.eng.DecryptItem(t.Context(), it)
	require.NoError(t, err)
	l, ok := p.Content.(item.Login)
	require.True(t, ok, "content is %T", p.Content)
	return l.Password
}

// next reads emissions from ch until match accepts one.
func next(t *testing.T, ch <-chan []item.Item, match func([]item.Item) bool) []item.Item {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case items, ok := <-ch:
			require.True(t, ok, "observer closed")
			if match(items) {
				return items
			}
		case <-deadline:
			t.Fatal("no matching emission")
			return nil
		}
	}
}

func TestCreateItemThenRefreshOnOtherDevice(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")

	created, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "hunter2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.Revision)
	assert.Equal(t, uint64(1), created.Rotation)
	assert.Equal(t, "Mail", created.Title)
	assert.Equal(t, item.TypeLogin, created.Type)

	res, err := f.b.eng.RefreshItems(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.NotEmpty(t, res.Token)

	got, err := f.b.eng.GetItem(t.Context(), id, created.ItemID)
	require.NoError(t, err)
	assert.Equal(t, "Mail", got.Title)
	assert.Equal(t, []string{"https://example.com"}, got.URLs)
	assert.Equal(t, "hunter2", password(t, f.b, got))

	state, err := f.b.eng.State(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, itemsync.StateSynced, state)
}

func TestRefreshPagesAndRemovesMissing(t *testing.T) {
	f := newFixture(t, memory.WithPageSize(2))
	id := f.vault(t, "Personal")
	var created []*item.Item
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		it, err := f.a.eng.CreateItem(t.Context(), id, login(title, "pw"))
		require.NoError(t, err)
		created = append(created, it)
	}

	res, err := f.b.eng.RefreshItems(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Stored)

	gone := created[0]
	require.NoError(t, f.a.eng.DeleteItems(t.Context(), id, []remote.ItemRevision{{ItemID: gone.ItemID, Revision: gone.Revision}}))

	res, err = f.b.eng.RefreshItems(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stored)
	assert.Equal(t, 1, res.Removed)
	_, err = f.b.eng.GetItem(t.Context(), id, gone.ItemID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestConcurrentRefreshSharesOnePull(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	_, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "pw"))
	require.NoError(t, err)

	base := f.auth.Calls(memory.OpFetchItems)
	release := f.auth.Hold(memory.OpFetchItems)

	errc := make(chan error, 2)
	refresh := func() {
		_, err := f.b.eng.RefreshItems(t.Context(), id)
		errc <- err
	}
	go refresh()
	require.Eventually(t, func() bool {
		return f.auth.Calls(memory.OpFetchItems) == base+1
	}, testTimeout, testTick)
	go refresh()
	time.Sleep(50 * time.Millisecond)

	release()
	for range 2 {
		require.NoError(t, <-errc)
	}
	assert.Equal(t, base+1, f.auth.Calls(memory.OpFetchItems))
}

func TestRefreshRacingShareDeletionStoresNothing(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	_, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "pw"))
	require.NoError(t, err)

	base := f.auth.Calls(memory.OpFetchItems)
	release := f.auth.Hold(memory.OpFetchItems)
	errc := make(chan error, 1)
	go func() {
		_, err := f.b.eng.RefreshItems(t.Context(), id)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return f.auth.Calls(memory.OpFetchItems) == base+1
	}, testTimeout, testTick)

	require.NoError(t, f.b.reg.DeleteSharesForUser(t.Context()))
	release()

	assert.ErrorIs(t, <-errc, errs.ErrNotFound)
	items, err := f.b.eng.Items(t.Context(), itemsync.Filter{Shares: []string{id}})
	require.NoError(t, err)
	assert.Empty(t, items)
	state, err := f.b.eng.State(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, itemsync.StateFresh, state)
}

func TestShareDeletionEmptiesObservers(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	keep := f.vault(t, "Work")
	_, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "pw"))
	require.NoError(t, err)
	_, err = f.a.eng.CreateItem(t.Context(), keep, login("VPN", "pw"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	ch := f.a.eng.ObserveItems(ctx, itemsync.Filter{})
	next(t, ch, func(items []item.Item) bool { return len(items) == 2 })

	require.NoError(t, f.a.reg.DeleteVault(t.Context(), id))
	items := next(t, ch, func(items []item.Item) bool { return len(items) == 1 })
	assert.Equal(t, keep, items[0].ShareID)

	cancel()
	for range ch {
	}
}

func TestItemsFilter(t *testing.T) {
	f := newFixture(t)
	id := f.vault(t, "Personal")
	mail, err := f.a.eng.CreateItem(t.Context(), id, login("Mail", "pw"))
	require.NoError(t, err)
	_, err = f.a.eng.CreateItem(t.Context(), id, &item.Payload{
		Metadata: item.Metadata{Name: "Wifi"},
		Content:  item.Note{},
	})
	require.NoError(t, err)

	notes, err := f.a.eng.Items(t.Context(), itemsync.Filter{Types: []item.Type{item.TypeNote}})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Wifi", notes[0].Title)

	require.NoError(t, f.a.eng.SetPinned(t.Context(), id, mail.ItemID, true))
	pinned, err := f.a.eng.Items(t.Context(), itemsync.Filter{PinnedOnly: true})
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, mail.ItemID, pinned[0].ItemID)

	trashed, err := f.a.eng.Items(t.Context(), itemsync.Filter{State: item.StateTrashed})
	require.NoError(t, err)
	assert.Empty(t, trashed)
}
