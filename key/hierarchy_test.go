package key

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpass/crypto"
	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/keystore"
	"github.com/jmcleod/ironpass/storage"
	"github.com/jmcleod/ironpass/storage/memory"
)

type fakeFetcher struct {
	mu    sync.Mutex
	keys  map[string][]*WrappedKey
	calls atomic.Int32
	gate  chan struct{}
	// latestOverride, when set, is served for LatestRotation requests.
	latestOverride *WrappedKey
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{keys: make(map[string][]*WrappedKey)}
}

func (f *fakeFetcher) add(wk *WrappedKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[wk.ShareID] = append(f.keys[wk.ShareID], wk)
}

func (f *fakeFetcher) FetchWrappedKey(ctx context.Context, shareID string, rotation uint64) (*WrappedKey, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ks := f.keys[shareID]
	if len(ks) == 0 {
		return nil, errs.ErrNotFound
	}
	if rotation == LatestRotation {
		if f.latestOverride != nil {
			return f.latestOverride, nil
		}
		return ks[len(ks)-1], nil
	}
	for _, wk := range ks {
		if wk.Rotation == rotation {
			return wk, nil
		}
	}
	return nil, errs.ErrNotFound
}

type denyAll struct{}

func (denyAll) CheckEncrypt(context.Context, string) error { return errs.ErrUnauthorized }

type fixture struct {
	addr    *crypto.AddressKey
	ring    *crypto.Keyring
	fetcher *fakeFetcher
	repo    *memory.Repository
	codec   *storage.Codec
	store   *keystore.Store
	h       *Hierarchy
}

func newFixture(t *testing.T, rotations int, opts ...Option) *fixture {
	t.Helper()
	addr, err := crypto.NewAddressKey("addr-1")
	require.NoError(t, err)
	f := &fixture{
		addr:    addr,
		ring:    crypto.NewKeyring(addr),
		fetcher: newFakeFetcher(),
		repo:    memory.NewRepository(),
		store:   keystore.New(),
	}
	root, err := util.NewAESKey()
	require.NoError(t, err)
	f.codec = storage.NewCodec(root)
	for r := 1; r <= rotations; r++ {
		wk, err := NewRotation(addr, "share-1", uint64(r), VaultKey)
		require.NoError(t, err)
		f.fetcher.add(wk)
	}
	f.h = NewHierarchy(f.store, f.repo, f.codec, f.fetcher, f.ring, opts...)
	return f
}

func TestLatestKeyFetchesPersistsAndCaches(t *testing.T) {
	f := newFixture(t, 2)
	ctx := t.Context()

	k, err := f.h.LatestKey(ctx, "share-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), k.Rotation())
	assert.Equal(t, VaultKey, k.Type())
	assert.Equal(t, int32(1), f.fetcher.calls.Load())

	ids, err := f.repo.List("share-1", RecordType)
	require.NoError(t, err)
	assert.Equal(t, []string{storage.FormatUint(2)}, ids, "wrapped key persisted")

	_, err = f.h.LatestKey(ctx, "share-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.fetcher.calls.Load(), "second lookup served from keystore")
}

func TestLocalRecordsServeFreshSession(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.h.LatestKey(t.Context(), "share-1")
	require.NoError(t, err)

	// A new session shares the persisted records but not the keystore.
	h2 := NewHierarchy(keystore.New(), f.repo, f.codec, f.fetcher, f.ring)
	k, err := h2.LatestKey(t.Context(), "share-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), k.Rotation())
	assert.Equal(t, int32(1), f.fetcher.calls.Load(), "resolved from local wrapped record")
}

func TestRotationFidelity(t *testing.T) {
	f := newFixture(t, 3)
	ctx := t.Context()

	ct, err := f.h.EncryptForRotation(ctx, "share-1", 1, "item-1", []byte("old secret"))
	require.NoError(t, err)

	for range 2 {
		pt, err := f.h.Decrypt(ctx, "share-1", 1, "item-1", ct)
		require.NoError(t, err)
		assert.Equal(t, []byte("old secret"), pt)
	}

	_, err = f.h.Decrypt(ctx, "share-1", 3, "item-1", ct)
	assert.ErrorIs(t, err, errs.ErrDecryption, "wrong rotation must fail closed")

	_, err = f.h.Decrypt(ctx, "share-1", 1, "item-2", ct)
	assert.ErrorIs(t, err, errs.ErrDecryption, "content is bound to its item")

	ct, r, err := f.h.Encrypt(ctx, "share-1", "item-1", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r)
	pt, err := f.h.Decrypt(ctx, "share-1", 3, "item-1", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), pt)

	_, err = f.h.KeyByRotation(ctx, "share-1", LatestRotation)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestUnwrapFailureBlocksUntilForcedRefresh(t *testing.T) {
	f := newFixture(t, 1)
	ctx := t.Context()

	// Rotation 2 is sealed to an address this user does not hold.
	stranger, err := crypto.NewAddressKey("addr-other")
	require.NoError(t, err)
	bad, err := NewRotation(stranger, "share-1", 2, VaultKey)
	require.NoError(t, err)
	f.fetcher.add(bad)

	_, err = f.h.LatestKey(ctx, "share-1")
	require.ErrorIs(t, err, errs.ErrKeyUnavailable)
	assert.Equal(t, 0, f.store.Len(), "failed resolution must not populate the keystore")
	ids, _ := f.repo.List("share-1", RecordType)
	assert.Empty(t, ids, "failed resolution must not persist")

	// Even a rotation that would unwrap is refused while blocked.
	_, err = f.h.KeyByRotation(ctx, "share-1", 1)
	assert.ErrorIs(t, err, errs.ErrKeyUnavailable)

	// The user gains the address; a forced refresh lifts the block.
	f.ring.Add(stranger)
	k, err := f.h.Refresh(ctx, "share-1", LatestRotation)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), k.Rotation())

	_, err = f.h.KeyByRotation(ctx, "share-1", 1)
	assert.NoError(t, err)
}

func TestConcurrentResolutionDeduplicated(t *testing.T) {
	f := newFixture(t, 1)
	f.fetcher.gate = make(chan struct{})
	ctx := t.Context()

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Go(func() {
			_, results[i] = f.h.KeyByRotation(ctx, "share-1", 1)
		})
	}
	// Let every goroutine reach the fetch gate before releasing it.
	require.Eventually(t, func() bool { return f.fetcher.calls.Load() >= 1 }, testTimeout, testTick)
	close(f.fetcher.gate)
	wg.Wait()

	for _, err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
}

func TestCancelledStarterDoesNotFailWaiters(t *testing.T) {
	f := newFixture(t, 1)
	f.fetcher.gate = make(chan struct{})

	starterCtx, cancel := context.WithCancel(t.Context())
	starterErr := make(chan error, 1)
	go func() {
		_, err := f.h.KeyByRotation(starterCtx, "share-1", 1)
		starterErr <- err
	}()
	require.Eventually(t, func() bool { return f.fetcher.calls.Load() >= 1 }, testTimeout, testTick)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := f.h.KeyByRotation(t.Context(), "share-1", 1)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-starterErr, context.Canceled))

	close(f.fetcher.gate)
	select {
	case err := <-waiterErr:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("waiter did not return")
	}
	_, ok := f.store.Get("share-1", 1)
	assert.True(t, ok)
}

// gatedRepo parks the first armed Batch until release is closed.
type gatedRepo struct {
	*memory.Repository
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedRepo() *gatedRepo {
	return &gatedRepo{
		Repository: memory.NewRepository(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (r *gatedRepo) Batch(fn func(tx storage.BatchTx) error) error {
	if r.armed.Load() {
		r.once.Do(func() {
			close(r.entered)
			<-r.release
		})
	}
	return r.Repository.Batch(fn)
}

func TestPersistingOneShareDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, 1)
	wk, err := NewRotation(f.addr, "share-2", 1, VaultKey)
	require.NoError(t, err)
	f.fetcher.add(wk)

	repo := newGatedRepo()
	h := NewHierarchy(keystore.New(), repo, f.codec, f.fetcher, f.ring)
	_, err = h.LatestKey(t.Context(), "share-2")
	require.NoError(t, err)

	repo.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := h.LatestKey(t.Context(), "share-1")
		done <- err
	}()
	<-repo.entered

	other := make(chan error, 1)
	go func() {
		_, err := h.KeyByRotation(t.Context(), "share-2", 1)
		h.Forget("share-3")
		other <- err
	}()
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("share-2 lookup waited on share-1 persistence")
	}

	close(repo.release)
	require.NoError(t, <-done)
}

func TestForgetDuringPersistDiscardsKey(t *testing.T) {
	f := newFixture(t, 1)
	repo := newGatedRepo()
	store := keystore.New()
	h := NewHierarchy(store, repo, f.codec, f.fetcher, f.ring)

	repo.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := h.LatestKey(t.Context(), "share-1")
		done <- err
	}()
	<-repo.entered
	h.Forget("share-1")
	close(repo.release)

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.Equal(t, 0, store.Len())
	ids, err := repo.List("share-1", RecordType)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRollbackDetected(t *testing.T) {
	f := newFixture(t, 2)
	ctx := t.Context()
	_, err := f.h.Refresh(ctx, "share-1", LatestRotation)
	require.NoError(t, err)

	f.fetcher.mu.Lock()
	f.fetcher.latestOverride = f.fetcher.keys["share-1"][0]
	f.fetcher.mu.Unlock()

	_, err = f.h.Refresh(ctx, "share-1", LatestRotation)
	assert.ErrorIs(t, err, ErrRollbackDetected)
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)
}

func TestAccessCheckerGuardsEncryption(t *testing.T) {
	f := newFixture(t, 1, WithAccessChecker(denyAll{}))
	ctx := t.Context()

	_, _, err := f.h.Encrypt(ctx, "share-1", "item-1", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = f.h.EncryptForRotation(ctx, "share-1", 1, "item-1", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	// Reading stays possible.
	_, err = f.h.LatestKey(ctx, "share-1")
	assert.NoError(t, err)
}

func TestForgetDropsCachedKeys(t *testing.T) {
	f := newFixture(t, 1)
	ctx := t.Context()
	_, err := f.h.LatestKey(ctx, "share-1")
	require.NoError(t, err)
	require.Equal(t, 1, f.store.Len())

	f.h.Forget("share-1")
	assert.Equal(t, 0, f.store.Len())
	_, ok := f.store.Latest("share-1")
	assert.False(t, ok)
}

func TestCancelledResolutionCommitsNothing(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := f.h.LatestKey(ctx, "share-1")
	require.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, f.store.Len())
	ids, _ := f.repo.List("share-1", RecordType)
	assert.Empty(t, ids)
}

func TestInstall(t *testing.T) {
	f := newFixture(t, 0)
	wk, err := NewRotation(f.addr, "share-new", 1, VaultKey)
	require.NoError(t, err)

	k, err := f.h.Install(t.Context(), wk)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), k.Rotation())

	latest, err := f.h.LatestKey(t.Context(), "share-new")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Rotation())
	assert.Equal(t, int32(0), f.fetcher.calls.Load())
}

func TestTypeJSON(t *testing.T) {
	b, err := ItemKey.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"ItemKey"`, string(b))

	var typ Type
	require.NoError(t, typ.UnmarshalJSON([]byte(`"VaultKey"`)))
	assert.Equal(t, VaultKey, typ)
	assert.ErrorIs(t, typ.UnmarshalJSON([]byte(`"Bogus"`)), ErrUnknownType)
}

func TestOpenDoesNotCache(t *testing.T) {
	f := newFixture(t, 0)
	wk, err := NewRotation(f.addr, "share-new", 1, VaultKey)
	require.NoError(t, err)

	k, err := f.h.Open(wk)
	require.NoError(t, err)
	ct, err := k.EncryptItem("i", []byte("x"))
	require.NoError(t, err)
	assert.NotEmpty(t, ct)
	assert.Equal(t, 0, f.store.Len())
	ids, _ := f.repo.List("share-new", RecordType)
	assert.Empty(t, ids)
}

func TestRefreshRaisesCachedLatest(t *testing.T) {
	f := newFixture(t, 1)
	ctx := t.Context()
	k, err := f.h.LatestKey(ctx, "share-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), k.Rotation())

	wk, err := NewRotation(f.addr, "share-1", 2, VaultKey)
	require.NoError(t, err)
	f.fetcher.add(wk)

	_, err = f.h.Refresh(ctx, "share-1", 2)
	require.NoError(t, err)
	k, err = f.h.LatestKey(ctx, "share-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), k.Rotation())

	// A historical refresh never lowers it.
	_, err = f.h.Refresh(ctx, "share-1", 1)
	require.NoError(t, err)
	k, err = f.h.LatestKey(ctx, "share-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), k.Rotation())
}
