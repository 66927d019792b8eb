// Package pkce generates and checks the RFC 7636 values used by the
// authorization-code flow: code verifiers, S256 challenges, state and nonce.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	MinVerifierLength     = 43
	MaxVerifierLength     = 128
	DefaultVerifierLength = 128

	// MethodS256 is the only challenge method the gateway issues.
	MethodS256 = "S256"

	tokenBytes = 32
)

// ErrInvalidParameter is returned for out-of-range verifier lengths.
var ErrInvalidParameter = errors.New("pkce: invalid parameter")

const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// rejection bound keeping the byte->char mapping uniform
var sampleLimit = byte(256 - 256%len(unreserved))

// GenerateVerifier returns a random verifier of the requested length drawn
// from the unreserved URI alphabet.
func GenerateVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("%w: verifier length %d outside [%d,%d]", ErrInvalidParameter, length, MinVerifierLength, MaxVerifierLength)
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("pkce: read random: %w", err)
		}
		for _, b := range buf {
			if b >= sampleLimit {
				continue
			}
			out = append(out, unreserved[int(b)%len(unreserved)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// DeriveChallenge computes BASE64URL(SHA256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns an opaque single-use state value.
func GenerateState() (string, error) {
	return randomToken(tokenBytes)
}

// GenerateNonce returns an opaque single-use nonce value.
func GenerateNonce() (string, error) {
	return randomToken(tokenBytes)
}

// IsValidVerifier checks length and charset only.
func IsValidVerifier(v string) bool {
	if len(v) < MinVerifierLength || len(v) > MaxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		if !isUnreserved(v[i]) {
			return false
		}
	}
	return true
}

// Verify reports whether verifier hashes to challenge.
func Verify(verifier, challenge string) bool {
	if !IsValidVerifier(verifier) || challenge == "" {
		return false
	}
	expected := DeriveChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pkce: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
