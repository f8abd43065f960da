// Package utils provides small shared helpers.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 of data. Used to identify artifact
// revisions: same markup, same digest, regardless of which load attempt
// hosts it.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestString computes the digest of a string.
func DigestString(s string) string {
	return Digest([]byte(s))
}

// ShortDigest truncates a digest for logs and display.
func ShortDigest(digest string) string {
	if len(digest) < 12 {
		return digest
	}
	return digest[:12]
}
