// Package validate checks identifiers and payload sizes at the boundary of
// the core.
package validate

import (
	"unicode"
	"unicode/utf8"

	"github.com/jmcleod/ironpass/errs"
)

const (
	MaxIDLength    = 256
	MaxContentSize = 1 << 20
)

// ID rejects empty, oversized, non-UTF-8 identifiers and those containing
// characters reserved by the storage key layout.
func ID(id, label string) error {
	if id == "" {
		return errs.Validationf("%s must not be empty", label)
	}
	if len(id) > MaxIDLength {
		return errs.Validationf("%s exceeds maximum length of %d", label, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return errs.Validationf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return errs.Validationf("%s contains forbidden character %q", label, r)
		}
		if unicode.IsControl(r) {
			return errs.Validationf("%s contains control character", label)
		}
	}
	return nil
}

// Content rejects payloads larger than MaxContentSize.
func Content(b []byte) error {
	if len(b) > MaxContentSize {
		return errs.Validationf("content size %d exceeds maximum of %d bytes", len(b), MaxContentSize)
	}
	return nil
}
