package key

import (
	"fmt"

	"github.com/jmcleod/ironpass/errs"
	icrypto "github.com/jmcleod/ironpass/internal/crypto"
	"github.com/jmcleod/ironpass/internal/util"
	"github.com/jmcleod/ironpass/keystore"
)

// Key is a share key at one rotation. It holds no plaintext: every
// operation opens the keystore enclave for the duration of the call.
type Key struct {
	entry *keystore.Entry
	typ   Type
}

func newKey(e *keystore.Entry) *Key {
	t, _ := ParseType(e.Tag)
	return &Key{entry: e, typ: t}
}

func (k *Key) ShareID() string  { return k.entry.ShareID }
func (k *Key) Rotation() uint64 { return k.entry.Rotation }
func (k *Key) Type() Type       { return k.typ }

// Encrypt seals plaintext under this key with the given associated data.
func (k *Key) Encrypt(aad, plaintext []byte) ([]byte, error) {
	buf, err := k.entry.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return util.SealAES(buf.Bytes(), plaintext, aad)
}

// Decrypt opens ciphertext sealed by Encrypt with the same associated data.
// Failures wrap errs.ErrDecryption.
func (k *Key) Decrypt(aad, ciphertext []byte) ([]byte, error) {
	buf, err := k.entry.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	pt, err := util.OpenAES(buf.Bytes(), ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("share %s rotation %d: %w: %w", k.ShareID(), k.Rotation(), errs.ErrDecryption, err)
	}
	return pt, nil
}

// EncryptItem seals item content. Share, rotation and item are bound into
// the associated data, so a key of another rotation can never open it.
func (k *Key) EncryptItem(itemID string, plaintext []byte) ([]byte, error) {
	return k.Encrypt(icrypto.AADItemContent(k.ShareID(), itemID, k.Rotation()), plaintext)
}

// DecryptItem opens item content sealed by EncryptItem.
func (k *Key) DecryptItem(itemID string, ciphertext []byte) ([]byte, error) {
	return k.Decrypt(icrypto.AADItemContent(k.ShareID(), itemID, k.Rotation()), ciphertext)
}
