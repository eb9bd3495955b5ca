// Package idgen generates prefixed random identifiers for stored records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Record prefixes.
const (
	PrefixUser      = "usr_"
	PrefixWorkspace = "ws_"
	PrefixAudit     = "aud_"
	PrefixRequest   = "req_"
)

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes of crypto randomness hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
