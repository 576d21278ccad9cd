package crypto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironpass/internal/util"
)

const (
	exportVersion = 1
	exportSaltLen = 16
	// version || time(4) || memory(4) || parallelism(1) || salt
	exportHeaderLen = 1 + 4 + 4 + 1 + exportSaltLen
)

type lockedAddress struct {
	ID         string   `json:"id"`
	PrivateKey [32]byte `json:"private_key"`
}

type exportOptions struct {
	params Argon2idParams
}

// ExportOption customizes ExportAddressKey.
type ExportOption func(*exportOptions)

// WithExportKDFParams overrides the Argon2id parameters. They are recorded
// in the blob header, so import needs no matching option.
func WithExportKDFParams(params Argon2idParams) ExportOption {
	return func(o *exportOptions) {
		o.params = params
	}
}

// ExportAddressKey encrypts an address key into a portable blob protected
// by passphrase. Passphrases are NFKD-normalized first.
//
// SECURITY: anyone holding the blob and the passphrase can unwrap every
// share key sealed to this address.
func ExportAddressKey(a *AddressKey, passphrase string, opts ...ExportOption) ([]byte, error) {
	if a == nil || a.destroyed {
		return nil, fmt.Errorf("address key has been destroyed")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	o := exportOptions{params: DefaultArgon2idParams()}
	for _, opt := range opts {
		opt(&o)
	}

	buf, err := a.private.Open()
	if err != nil {
		return nil, fmt.Errorf("opening address key enclave: %w", err)
	}
	defer buf.Destroy()

	la := lockedAddress{ID: a.id}
	copy(la.PrivateKey[:], buf.Bytes())
	defer util.WipeArray32(&la.PrivateKey)

	plaintext, err := json.Marshal(la)
	if err != nil {
		return nil, fmt.Errorf("marshaling address key: %w", err)
	}
	defer util.WipeBytes(plaintext)

	salt, err := util.RandomBytes(exportSaltLen)
	if err != nil {
		return nil, fmt.Errorf("generating export salt: %w", err)
	}

	header := make([]byte, 0, exportHeaderLen)
	header = append(header, exportVersion)
	header = binary.BigEndian.AppendUint32(header, o.params.Time)
	header = binary.BigEndian.AppendUint32(header, o.params.MemoryKiB)
	header = append(header, o.params.Parallelism)
	header = append(header, salt...)

	normalized := []byte(util.Normalize(passphrase))
	defer util.WipeBytes(normalized)
	key, err := util.DeriveArgon2idKey(normalized, salt, o.params)
	if err != nil {
		return nil, fmt.Errorf("deriving export key: %w", err)
	}
	defer util.WipeBytes(key)

	// The header is authenticated as associated data.
	sealed, err := util.SealAES(key, plaintext, header)
	if err != nil {
		return nil, fmt.Errorf("encrypting address key: %w", err)
	}
	return append(header, sealed...), nil
}

// ImportAddressKey reverses ExportAddressKey.
func ImportAddressKey(data []byte, passphrase string) (*AddressKey, error) {
	if len(data) < exportHeaderLen {
		return nil, fmt.Errorf("export data too short")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if data[0] != exportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", data[0])
	}
	header := data[:exportHeaderLen]
	params := Argon2idParams{
		Time:        binary.BigEndian.Uint32(header[1:5]),
		MemoryKiB:   binary.BigEndian.Uint32(header[5:9]),
		Parallelism: header[9],
		KeyLen:      32,
	}
	salt := header[10:]

	normalized := []byte(util.Normalize(passphrase))
	defer util.WipeBytes(normalized)
	key, err := util.DeriveArgon2idKey(normalized, salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving export key: %w", err)
	}
	defer util.WipeBytes(key)

	plaintext, err := util.OpenAES(key, data[exportHeaderLen:], header)
	if err != nil {
		return nil, fmt.Errorf("decrypting address key: %w", err)
	}
	defer util.WipeBytes(plaintext)

	var la lockedAddress
	if err := json.Unmarshal(plaintext, &la); err != nil {
		return nil, fmt.Errorf("unmarshaling address key: %w", err)
	}
	return OpenAddressKey(la.ID, la.PrivateKey)
}
