package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint derives a stable cache key from a provider-bound request.
// The body is re-serialized through a map so that key order and other
// cosmetic differences in the original encoding do not change the key.
// Stable across process restarts.
func Fingerprint(provider string, body []byte) (string, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}

	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}

	hash := sha256.New()
	hash.Write([]byte(provider))
	hash.Write([]byte{0})
	hash.Write(canonical)

	return hex.EncodeToString(hash.Sum(nil)), nil
}
