package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAES(t *testing.T) {
	key, err := NewAESKey()
	require.NoError(t, err)
	plain := []byte("hello world")
	aad := []byte("context")

	sealed, err := SealAES(key, plain, aad)
	require.NoError(t, err)
	assert.Len(t, sealed, GCMNonceSize+len(plain)+16)

	opened, err := OpenAES(key, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenAES(key, sealed, []byte("other"))
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := NewAESKey()
		_, err := OpenAES(other, sealed, aad)
		assert.Error(t, err)
	})

	t.Run("Tampered", func(t *testing.T) {
		c := bytes.Clone(sealed)
		c[len(c)-1] ^= 0xFF
		_, err := OpenAES(key, c, aad)
		assert.Error(t, err)
	})

	t.Run("Short", func(t *testing.T) {
		_, err := OpenAES(key, sealed[:10], aad)
		assert.Error(t, err)
	})

	t.Run("BadKeySize", func(t *testing.T) {
		_, err := SealAES([]byte("short"), plain, aad)
		assert.Error(t, err)
	})
}

func TestHKDF(t *testing.T) {
	seed := []byte("seed-material")
	k1, err := HKDF(seed, []byte("salt"), []byte("info"))
	require.NoError(t, err)
	k2, _ := HKDF(seed, []byte("salt"), []byte("info"))
	k3, _ := HKDF(seed, []byte("salt"), []byte("other"))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, HKDFKeyLength)
}

func TestX25519(t *testing.T) {
	a, err := GenerateX25519Keypair()
	require.NoError(t, err)
	b, err := GenerateX25519Keypair()
	require.NoError(t, err)

	assert.Equal(t, a.Public, PublicKey(a.Private))

	s1, err := SharedSecret(a.Private, b.Public)
	require.NoError(t, err)
	s2, err := SharedSecret(b.Private, a.Public)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)

	a := [32]byte{1, 2, 3}
	WipeArray32(&a)
	assert.Equal(t, [32]byte{}, a)

	assert.Nil(t, CopyBytes(nil))
	src := []byte("x")
	dst := CopyBytes(src)
	dst[0] = 'y'
	assert.Equal(t, byte('x'), src[0])
}

func TestNormalize(t *testing.T) {
	// U+00E9 and "e" + U+0301 are canonically equivalent.
	assert.Equal(t, Normalize("\u00e9"), Normalize("e\u0301"))
}

func TestArgon2id(t *testing.T) {
	params := Argon2idParams{Time: 1, MemoryKiB: 19 * 1024, Parallelism: 1, KeyLen: 32}
	k1, err := DeriveArgon2idKey([]byte("pass"), []byte("salt-salt-salt-1"), params)
	require.NoError(t, err)
	k2, _ := DeriveArgon2idKey([]byte("pass"), []byte("salt-salt-salt-1"), params)
	assert.Equal(t, k1, k2)

	_, err = DeriveArgon2idKey([]byte("pass"), []byte("salt"), Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32})
	assert.Error(t, err)

	assert.NoError(t, ValidateArgon2idParams(DefaultArgon2idParams()))
	assert.Error(t, ValidateArgon2idParams(Argon2idParams{Time: 1, MemoryKiB: 64 * 1024, Parallelism: 0, KeyLen: 32}))
}
