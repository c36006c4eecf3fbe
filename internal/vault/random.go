package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

const apiKeyPrefix = "eck_"

// NewAPIKey mints a tenant API key: the "eck_" prefix followed by 44 URL-safe
// characters (33 random bytes, >256 bits of entropy).
func NewAPIKey() string {
	b := make([]byte, 33)
	if _, err := rand.Read(b); err != nil {
		panic("vault: crypto/rand unavailable: " + err.Error())
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(b)
}

// NewHMACSecret mints a 32-byte signing secret, hex-encoded to 64 characters.
func NewHMACSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("vault: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// NewMasterKey mints a base64-encoded 32-byte master secret suitable for the
// MASTER_KEY environment variable.
func NewMasterKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("vault: crypto/rand unavailable: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(b)
}
