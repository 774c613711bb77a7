package guard

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBody returns the hex SHA-256 of a request body. Result-cache keys
// combine the operation key with this hash, so the same idempotency key
// paired with a different payload is an independent attempt rather than a
// silent replay of a mismatched cached result.
func HashBody(body []byte) string {
	digest := sha256.Sum256(body)
	return hex.EncodeToString(digest[:])
}

// ResultCacheKey joins an operation key and body hash into the composite
// cache key.
func ResultCacheKey(operationKey string, bodyHash string) string {
	return operationKey + idempotencyKeyDelimiter + bodyHash
}
