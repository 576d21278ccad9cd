// Package crypto holds the user's address keys: the X25519 identities that
// every share key is sealed to.
package crypto

import (
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	icrypto "github.com/jmcleod/ironpass/internal/crypto"
	"github.com/jmcleod/ironpass/internal/util"
)

// Argon2idParams configures Argon2id key derivation.
type Argon2idParams = util.Argon2idParams

// SealedWrap is a symmetric key sealed to an address public key.
type SealedWrap = icrypto.SealedWrap

// DefaultArgon2idParams returns the parameters used for new exports.
func DefaultArgon2idParams() Argon2idParams {
	return util.DefaultArgon2idParams()
}

// AddressKey is one user address identity. The private scalar is held in a
// memguard enclave and only opened for the duration of an unwrap.
// Call Destroy() when done.
type AddressKey struct {
	id        string
	public    [32]byte
	private   *memguard.Enclave
	destroyed bool
}

// NewAddressKey generates a fresh address key. An empty id gets a random UUID.
func NewAddressKey(id string) (*AddressKey, error) {
	kp, err := util.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	return openAddressKey(id, &kp.Private), nil
}

// OpenAddressKey rebuilds an address key from its private scalar.
func OpenAddressKey(id string, private [32]byte) (*AddressKey, error) {
	if id == "" {
		return nil, fmt.Errorf("address id must not be empty")
	}
	return openAddressKey(id, &private), nil
}

func openAddressKey(id string, private *[32]byte) *AddressKey {
	pub := util.PublicKey(*private)
	buf := make([]byte, 32)
	copy(buf, private[:])
	util.WipeArray32(private)
	return &AddressKey{id: id, public: pub, private: memguard.NewEnclave(buf)}
}

// ID returns the address identifier.
func (a *AddressKey) ID() string {
	if a == nil || a.destroyed {
		return ""
	}
	return a.id
}

// PublicKey returns the X25519 public key.
func (a *AddressKey) PublicKey() [32]byte {
	if a == nil || a.destroyed {
		return [32]byte{}
	}
	return a.public
}

// Seal wraps key to this address.
func (a *AddressKey) Seal(key, aad []byte) (*SealedWrap, error) {
	if a == nil || a.destroyed {
		return nil, fmt.Errorf("address key has been destroyed")
	}
	return icrypto.SealToAddress(a.public, key, aad)
}

// Open unwraps a key sealed to this address. The caller owns and must wipe
// the returned slice.
func (a *AddressKey) Open(wrap *SealedWrap, aad []byte) ([]byte, error) {
	if a == nil || a.destroyed {
		return nil, fmt.Errorf("address key has been destroyed")
	}
	buf, err := a.private.Open()
	if err != nil {
		return nil, fmt.Errorf("opening address key enclave: %w", err)
	}
	defer buf.Destroy()

	var priv [32]byte
	copy(priv[:], buf.Bytes())
	defer util.WipeArray32(&priv)
	return icrypto.OpenFromAddress(priv, wrap, aad)
}

// Destroy drops the private key material.
func (a *AddressKey) Destroy() {
	if a == nil || a.destroyed {
		return
	}
	a.private = nil
	util.WipeArray32(&a.public)
	a.id = ""
	a.destroyed = true
}
