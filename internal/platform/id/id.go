// Package id generates opaque identifiers for sessions and records.
package id

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random, unguessable 26-character identifier.
//
// The identifier encodes 16 random bytes carrying UUIDv4 version and
// variant bits, rendered as lowercase unpadded base32 so it stays
// URL- and filename-safe.
func NewID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	raw[6] = (raw[6] & 0x0F) | 0x40
	raw[8] = (raw[8] & 0x3F) | 0x80
	return strings.ToLower(encoding.EncodeToString(raw)), nil
}
