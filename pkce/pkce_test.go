package pkce

import (
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

func TestGenerateVerifierLengths(t *testing.T) {
	t.Parallel()

	for _, n := range []int{MinVerifierLength, 64, 100, MaxVerifierLength} {
		v, err := GenerateVerifier(n)
		require.NoError(t, err)
		assert.Len(t, v, n)
		assert.Regexp(t, verifierPattern, v)
		assert.True(t, IsValidVerifier(v))
	}
}

func TestGenerateVerifierRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 42, 129, -1} {
		_, err := GenerateVerifier(n)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidParameter), "length %d", n)
	}
}

func TestGenerateVerifierUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		v, err := GenerateVerifier(DefaultVerifierLength)
		require.NoError(t, err)
		_, dup := seen[v]
		require.False(t, dup, "duplicate verifier generated")
		seen[v] = struct{}{}
	}
}

func TestDeriveChallengeRFC7636Example(t *testing.T) {
	t.Parallel()

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	expected := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, expected, DeriveChallenge(verifier))
	assert.Equal(t, DeriveChallenge(verifier), DeriveChallenge(verifier))
	assert.True(t, Verify(verifier, expected))
	assert.False(t, Verify(verifier, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cN"))
}

func TestStateAndNonceEntropy(t *testing.T) {
	t.Parallel()

	state, err := GenerateState()
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(state), 32)
	assert.GreaterOrEqual(t, len(nonce), 32)
	assert.NotEqual(t, state, nonce)
}

func TestIsValidVerifier(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"":                                    false,
		"short":                               false,
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk": true,
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjX!": false,
		"dBjftJeZ4CVP+mB92K27uhbUJU1p1r_wW1gFWFOEjXk": false,
	}
	for in, want := range tests {
		assert.Equal(t, want, IsValidVerifier(in), "input %q", in)
	}
}
