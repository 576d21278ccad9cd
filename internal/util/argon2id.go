package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// Lower bounds accepted when reading params from an exported blob.
const (
	minArgonTime      = 1
	minArgonMemoryKiB = 19 * 1024
)

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

func ValidateArgon2idParams(p Argon2idParams) error {
	switch {
	case p.Time < minArgonTime:
		return fmt.Errorf("argon2id time %d below minimum %d", p.Time, minArgonTime)
	case p.MemoryKiB < minArgonMemoryKiB:
		return fmt.Errorf("argon2id memory %d KiB below minimum %d KiB", p.MemoryKiB, minArgonMemoryKiB)
	case p.Parallelism == 0:
		return fmt.Errorf("argon2id parallelism must be positive")
	case p.KeyLen != 32:
		return fmt.Errorf("argon2id key length must be 32 bytes")
	}
	return nil
}

func DeriveArgon2idKey(passphrase []byte, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	return argon2.IDKey(passphrase, salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}
