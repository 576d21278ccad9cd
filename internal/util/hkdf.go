package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF expands seed into a 32-byte key bound to salt and info.
func HKDF(seed, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, seed, salt, info)
	out := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return out, nil
}
