// Package fingerprint provides content-addressed chunk identity.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Checksum returns the lowercase hex SHA-256 of the UTF-8 bytes of content.
// No normalization is applied; whitespace differences produce distinct
// checksums. This is the sole identity used to detect unchanged content
// across ingestion runs.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// LocationKey builds the reconciler's location key for a desired chunk
// target. Two desired chunks may never share a location key.
func LocationKey(filepath string, chunkID int, sourceType string) string {
	return fmt.Sprintf("%s:%d:%s", filepath, chunkID, sourceType)
}
