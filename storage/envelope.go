package storage

import (
	"fmt"

	"github.com/jmcleod/ironpass/internal/util"
)

const (
	envelopeVer    = 1
	envelopeScheme = "aes256gcm"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
// Version is stored in the clear so that stores can run CAS checks without
// the record key.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      util.CopyBytes(e.Nonce),
		Ciphertext: util.CopyBytes(e.Ciphertext),
		Version:    e.Version,
	}
}

// SealRecord encrypts plaintext into an Envelope.
func SealRecord(recordKey, plaintext, aad []byte, version uint64) (*Envelope, error) {
	sealed, err := util.SealAES(recordKey, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVer,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
		Version:    version,
	}, nil
}

// OpenRecord decrypts an Envelope.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVer {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	full := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	full = append(full, envelope.Nonce...)
	full = append(full, envelope.Ciphertext...)
	return util.OpenAES(recordKey, full, aad)
}
