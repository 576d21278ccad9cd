package util

import "golang.org/x/text/unicode/norm"

func CopyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes best-effort zeroes b in place.
func WipeBytes(b []byte) {
	clear(b)
}

// WipeArray32 best-effort zeroes a in place.
func WipeArray32(a *[32]byte) {
	clear(a[:])
}

// Normalize returns the NFKD form of s so that passphrases typed on
// different platforms derive the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}
