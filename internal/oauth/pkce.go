package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateCodeVerifier generates a random code verifier for PKCE.
// 32 random bytes encode to 43 characters of base64url, the RFC 7636 minimum.
func GenerateCodeVerifier() (string, error) {
	return randomToken(32)
}

// GenerateCodeChallenge derives the S256 challenge:
// BASE64URL(SHA256(ASCII(code_verifier))).
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateStateToken generates an unguessable state token for CSRF
// protection. State tokens are bearer values and get the same 256 bits of
// entropy as verifiers.
func GenerateStateToken() (string, error) {
	return randomToken(32)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
