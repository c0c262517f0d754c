package errors

import "errors"

// Common error types for the OAuth2 client
var (
	// Authorization flow errors
	ErrMissingCodeOrState = errors.New("missing code or state")
	ErrInvalidState       = errors.New("invalid state")
	ErrFlowExpired        = errors.New("authorization flow expired")
	ErrFlowNotFound       = errors.New("no authorization flow in progress")
	ErrFlowTimeout        = errors.New("timed out waiting for authorization callback")
	ErrProviderError      = errors.New("authorization provider returned an error")

	// Token errors
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrTokenRefreshFailed  = errors.New("token refresh failed")
	ErrNoRefreshToken      = errors.New("no refresh token available")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrNoSession       = errors.New("no active session")
	ErrDisposed        = errors.New("session engine disposed")

	// Storage errors
	ErrCredentialMalformed = errors.New("stored credential is malformed")
)
