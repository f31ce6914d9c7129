package oauth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeVerifier(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v, err := GenerateCodeVerifier()
		require.NoError(t, err)
		assert.Len(t, v, 43)
		assert.False(t, seen[v], "verifier repeated")
		seen[v] = true

		_, err = base64.RawURLEncoding.DecodeString(v)
		assert.NoError(t, err)
	}
}

func TestGenerateCodeChallenge(t *testing.T) {
	// RFC 7636 Appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", GenerateCodeChallenge(verifier))
}

func TestGenerateStateToken(t *testing.T) {
	a, err := GenerateStateToken()
	require.NoError(t, err)
	b, err := GenerateStateToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}
