// Package txhash generates and validates the opaque trade identifiers
// recorded on completed transactions. Hashes mimic the 0x-prefixed 64-hex
// format so downstream tooling can treat them like chain transaction ids.
package txhash

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidHash is returned when a string is not a well-formed trade hash.
var ErrInvalidHash = errors.New("txhash: must be 0x followed by 64 hex characters")

// New returns a fresh random trade hash.
func New() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "0x" + hex.EncodeToString(b)
}

// Validate checks the 0x + 64 hex format.
func Validate(s string) error {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return ErrInvalidHash
	}
	if _, err := hex.DecodeString(s[2:]); err != nil {
		return ErrInvalidHash
	}
	return nil
}
