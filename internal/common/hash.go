package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// BodyDigest is the lowercase hex SHA-256 of a request body. It keys
// deduplication when the sender supplies no event id.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
