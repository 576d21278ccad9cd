package key

import (
	"context"
	"fmt"

	icrypto "github.com/jmcleod/ironpass/internal/crypto"
	"github.com/jmcleod/ironpass/internal/util"
)

// LatestRotation asks for the highest rotation of a share.
const LatestRotation uint64 = 0

// WrappedKey is one rotation's share key sealed to a user address key.
type WrappedKey struct {
	ShareID   string             `json:"share_id"`
	Rotation  uint64             `json:"rotation"`
	Type      Type               `json:"type"`
	AddressID string             `json:"address_id"`
	Wrap      icrypto.SealedWrap `json:"wrap"`
}

// AAD returns the associated data binding the wrap to its share, address
// and rotation.
func (w *WrappedKey) AAD() []byte {
	return icrypto.AADShareKeyWrap(w.ShareID, w.AddressID, w.Rotation)
}

// Fetcher retrieves wrapped keys from the remote authority. Rotation
// LatestRotation returns the highest rotation.
type Fetcher interface {
	FetchWrappedKey(ctx context.Context, shareID string, rotation uint64) (*WrappedKey, error)
}

// Unwrapper opens wrapped keys with the user's address keys.
type Unwrapper interface {
	Unwrap(addressID string, wrap *icrypto.SealedWrap, aad []byte) ([]byte, error)
}

// Sealer seals fresh key material to one address.
type Sealer interface {
	ID() string
	Seal(key, aad []byte) (*icrypto.SealedWrap, error)
}

// AccessChecker decides whether a share's role permits encryption.
type AccessChecker interface {
	CheckEncrypt(ctx context.Context, shareID string) error
}

// NewRotation generates key material for a new rotation and seals it to
// address. The plaintext material is wiped before returning.
func NewRotation(address Sealer, shareID string, rotation uint64, typ Type) (*WrappedKey, error) {
	if rotation == LatestRotation {
		return nil, fmt.Errorf("rotation must be positive")
	}
	material, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating share key: %w", err)
	}
	defer util.WipeBytes(material)

	wk := &WrappedKey{ShareID: shareID, Rotation: rotation, Type: typ, AddressID: address.ID()}
	wrap, err := address.Seal(material, wk.AAD())
	if err != nil {
		return nil, fmt.Errorf("sealing share key: %w", err)
	}
	wk.Wrap = *wrap
	return wk, nil
}
