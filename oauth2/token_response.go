package oauth2

import "time"

// TokenResponse represents the response from an OAuth2 token request.
// This is the standard OAuth2 token endpoint response format as defined in RFC 6749,
// with expires_in already resolved to an absolute expiry time.
type TokenResponse struct {
	// AccessToken is the token used to access protected resources.
	// Usage: Include in Authorization header: "Bearer <access_token>"
	AccessToken string `json:"access_token"`

	// RefreshToken is an opaque token used to obtain new access tokens.
	// May be empty when the provider issues none (e.g. no offline_access scope).
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the OpenID Connect ID token containing user identity claims.
	// Only present when the "openid" scope was requested.
	IDToken string `json:"id_token,omitempty"`

	// TokenType indicates how to use the access token (normally "Bearer").
	TokenType string `json:"token_type,omitempty"`

	// Expiry is the absolute expiration time of the access token, computed
	// from the provider's expires_in hint. Zero when the provider sent no
	// expiry - such tokens are treated as non-expiring.
	Expiry time.Time `json:"expiry,omitempty"`

	// Scope is the space-separated list of granted scopes.
	// May be less than requested if some scopes were denied.
	Scope string `json:"scope,omitempty"`
}

// HasExpiry reports whether the provider communicated an expiry for the token.
func (tr *TokenResponse) HasExpiry() bool {
	return !tr.Expiry.IsZero()
}

// ExpiresIn returns the remaining lifetime of the access token relative to now.
func (tr *TokenResponse) ExpiresIn(now time.Time) time.Duration {
	if !tr.HasExpiry() {
		return 0
	}
	return tr.Expiry.Sub(now)
}
