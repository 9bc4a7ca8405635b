// Package hostauth implements the hashed bootstrap/session token scheme used
// by host registration and heartbeats: tokens are never stored in the
// clear, and comparisons run in constant time regardless of where the first
// differing byte falls.
package hostauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// HashToken returns the hex-encoded SHA-256 digest of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SecureCompareToken reports whether raw hashes to expectedHash, using a
// constant-time comparison so that the check does not leak timing
// information about how many leading bytes of the hash matched.
func SecureCompareToken(raw, expectedHash string) bool {
	if expectedHash == "" {
		return false
	}
	got := HashToken(raw)
	return subtle.ConstantTimeCompare([]byte(got), []byte(expectedHash)) == 1
}

// NewSessionToken generates a new random session token, URL-safe and with
// enough entropy (48 random bytes) to serve as a bearer credential.
func NewSessionToken() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
