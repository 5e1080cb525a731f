// Package integrity provides tamper-evident content hashing for knowledge
// items. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashContent returns the hex SHA-256 digest of cleaned content. Computed
// once at insert time and never updated afterwards.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the content hash and compares it to the stored value.
// A mismatch is observable, not a block: callers attach the returned warning
// to the response and log it.
func Verify(content, storedHash string) (ok bool, warning string) {
	computed := HashContent(content)
	if computed == storedHash {
		return true, ""
	}
	return false, fmt.Sprintf("content hash mismatch: stored %s, computed %s", storedHash, computed)
}
