// Package token mints and hashes agent bearer tokens. Tokens are opaque
// random strings; only their SHA-256 hex digest is ever persisted, so a
// database leak does not compromise the fleet.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultValidity is how long a freshly issued token remains valid. The
// rotation engine replaces tokens well before this elapses.
const DefaultValidity = 30 * 24 * time.Hour

// tokenBytes is the entropy of a generated token (256 bits).
const tokenBytes = 32

// Generate returns a new high-entropy bearer token as a hex string.
func Generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generate: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex-encoded SHA-256 digest of a token. This is the only
// form in which tokens touch the database.
func Hash(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
