package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint is a BLAKE3 digest of the effective configuration, logged at
// startup so operators can tell which settings a running daemon picked up.
func (c *Config) Fingerprint() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// KeyDigest returns a short stable identifier for a worker key.
func KeyDigest(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
