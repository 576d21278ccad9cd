package storage

import (
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"
	icrypto "github.com/jmcleod/ironpass/internal/crypto"
	"github.com/jmcleod/ironpass/internal/util"
)

// Codec seals JSON records with a per-scope key derived from a root secret.
// The root secret lives in a memguard enclave for the codec's lifetime.
type Codec struct {
	root *memguard.Enclave
}

// NewCodec takes ownership of root and wipes the caller's copy.
func NewCodec(root []byte) *Codec {
	return &Codec{root: memguard.NewEnclave(root)}
}

func (c *Codec) scopeKey(scope string) ([]byte, error) {
	buf, err := c.root.Open()
	if err != nil {
		return nil, fmt.Errorf("opening record root enclave: %w", err)
	}
	defer buf.Destroy()
	return icrypto.DeriveRecordKey(buf.Bytes(), scope)
}

// Seal marshals v and seals it for (scope, recordType, recordID).
func (c *Codec) Seal(scope, recordType, recordID string, version uint64, v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s record: %w", recordType, err)
	}
	defer util.WipeBytes(data)

	key, err := c.scopeKey(scope)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	return SealRecord(key, data, icrypto.AADRecord(scope, recordType, recordID, envelopeVer), version)
}

// Open decrypts env and unmarshals it into v.
func (c *Codec) Open(scope, recordType, recordID string, env *Envelope, v any) error {
	key, err := c.scopeKey(scope)
	if err != nil {
		return err
	}
	defer util.WipeBytes(key)

	data, err := OpenRecord(key, env, icrypto.AADRecord(scope, recordType, recordID, envelopeVer))
	if err != nil {
		return fmt.Errorf("opening %s record %s: %w", recordType, recordID, err)
	}
	defer util.WipeBytes(data)
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s record: %w", recordType, err)
	}
	return nil
}

// Load reads and opens one record through tx.
func (c *Codec) Load(tx ReadTx, scope, recordType, recordID string, v any) error {
	env, err := tx.Get(scope, recordType, recordID)
	if err != nil {
		return err
	}
	return c.Open(scope, recordType, recordID, env, v)
}

// Store seals v and writes it through tx.
func (c *Codec) Store(tx BatchTx, scope, recordType, recordID string, version uint64, v any) error {
	env, err := c.Seal(scope, recordType, recordID, version, v)
	if err != nil {
		return err
	}
	return tx.Put(scope, recordType, recordID, env)
}
