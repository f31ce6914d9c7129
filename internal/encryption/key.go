package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// ParseKey decodes a 32-byte key from its configured text form.
//
// Accepted encodings:
//   - 64 hexadecimal characters
//   - standard or URL-safe base64, padded or unpadded
//
// Surrounding whitespace is ignored. Any other length is rejected.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("encryption key must be %d bytes, got %d bytes", KeySize, len(key))
		}
		return key, nil
	}

	return nil, fmt.Errorf("encryption key must be base64 or hex encoded")
}

// GenerateKey returns a new random 32-byte key.
// The key must be stored persistently; regenerating it makes every stored
// token undecryptable.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// KeyToBase64 encodes a key for configuration files or environment variables.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
