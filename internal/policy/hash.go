package policy

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashLength is the number of hex characters kept from the digest.
const HashLength = 16

// ComputeHash returns the dedup fingerprint of text: SHA-256 over the
// normalized form, truncated to HashLength hex characters.
func ComputeHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])[:HashLength]
}
