// Package pkce generates the random material used by the OAuth2
// authorization code flow: PKCE verifier/challenge pairs (RFC 7636) and
// opaque state/nonce correlation tokens.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
)

const (
	verifierByteLength = 32 // 32 bytes encode to 43 chars, the RFC 7636 minimum
	tokenByteLength    = 32
)

// CodeVerifier generates a new random PKCE code verifier.
// The result is URL-safe and at least 43 characters long.
func CodeVerifier() (string, error) {
	bytes := make([]byte, verifierByteLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "[CodeVerifier] rand.Read")
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Challenge derives the S256 code challenge for a verifier:
// base64url(sha256(verifier)) without padding. Deterministic.
func Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// State generates a random state token used to correlate an authorization
// callback with the flow that started it and to detect CSRF.
func State() (string, error) {
	return randomToken()
}

// Nonce generates a random nonce for OIDC ID token replay protection.
func Nonce() (string, error) {
	return randomToken()
}

func randomToken() (string, error) {
	bytes := make([]byte, tokenByteLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "[randomToken] rand.Read")
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
