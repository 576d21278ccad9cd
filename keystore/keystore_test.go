package keystore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	s := New()
	material := []byte("0123456789abcdef0123456789abcdef")
	e := s.Put("share-1", 2, "VaultKey", material)
	assert.Equal(t, make([]byte, 32), material, "material must be wiped after Put")

	got, ok := s.Get("share-1", 2)
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, "VaultKey", got.Tag)

	buf, err := got.Open()
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), buf.Bytes())

	_, ok = s.Get("share-1", 1)
	assert.False(t, ok, "other rotations are never substituted")
}

func TestLatestIsMonotonic(t *testing.T) {
	s := New()
	_, ok := s.Latest("share-1")
	assert.False(t, ok)

	s.SetLatest("share-1", 3)
	s.SetLatest("share-1", 2)
	r, ok := s.Latest("share-1")
	require.True(t, ok)
	assert.Equal(t, uint64(3), r)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() { s.SetLatest("share-1", uint64(i)) })
	}
	wg.Wait()
	r, _ = s.Latest("share-1")
	assert.Equal(t, uint64(49), r)
}

func TestForgetAndPurge(t *testing.T) {
	s := New()
	s.Put("share-1", 1, "", []byte("k1"))
	s.Put("share-1", 2, "", []byte("k2"))
	s.Put("share-2", 1, "", []byte("k3"))
	s.SetLatest("share-1", 2)

	s.Forget("share-1")
	_, ok := s.Get("share-1", 1)
	assert.False(t, ok)
	_, ok = s.Latest("share-1")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	s.Purge()
	assert.Equal(t, 0, s.Len())
}
