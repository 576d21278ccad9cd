package icrypto

import (
	"fmt"

	"github.com/jmcleod/ironpass/internal/util"
)

const wrapInfo = "ironpass:share-key-wrap:v1"

// SealedWrap is a symmetric key sealed to an address X25519 public key.
type SealedWrap struct {
	Ver        int      `json:"ver"`
	EphPub     [32]byte `json:"eph_pub"`
	Salt       []byte   `json:"salt"`
	Ciphertext []byte   `json:"ciphertext"`
}

// SealToAddress encrypts key to recipientPub using ephemeral ECDH, HKDF and
// AES-256-GCM. Ciphertext carries the GCM nonce as its prefix.
func SealToAddress(recipientPub [32]byte, key, aad []byte) (*SealedWrap, error) {
	eph, err := util.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	defer util.WipeArray32(&eph.Private)

	shared, err := util.SharedSecret(eph.Private, recipientPub)
	if err != nil {
		return nil, err
	}
	defer util.WipeArray32(&shared)

	salt, err := util.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	wrapKey, err := util.HKDF(shared[:], salt, []byte(wrapInfo))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	ciphertext, err := util.SealAES(wrapKey, key, aad)
	if err != nil {
		return nil, err
	}
	return &SealedWrap{Ver: 1, EphPub: eph.Public, Salt: salt, Ciphertext: ciphertext}, nil
}

// OpenFromAddress decrypts a wrap with the recipient's private key.
func OpenFromAddress(recipientPriv [32]byte, wrap *SealedWrap, aad []byte) ([]byte, error) {
	if wrap == nil {
		return nil, fmt.Errorf("sealed wrap is nil")
	}
	if wrap.Ver != 1 {
		return nil, fmt.Errorf("unsupported sealed wrap version: %d", wrap.Ver)
	}
	shared, err := util.SharedSecret(recipientPriv, wrap.EphPub)
	if err != nil {
		return nil, err
	}
	defer util.WipeArray32(&shared)

	wrapKey, err := util.HKDF(shared[:], wrap.Salt, []byte(wrapInfo))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	return util.OpenAES(wrapKey, wrap.Ciphertext, aad)
}
