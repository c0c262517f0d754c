package config

import "time"

type OAuthConfig interface {
	GetFlowCallbackTimeout() time.Duration
	GetFlowValidityWindow() time.Duration
	GetTokenRefreshBuffer() time.Duration
	GetHTTPTimeout() time.Duration
	GetCredentialStoreKey() string
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

// GetFlowCallbackTimeout is how long CreateSession waits for the browser
// redirect to be delivered before abandoning the flow.
func (OAuth) GetFlowCallbackTimeout() time.Duration {
	return 5 * time.Minute
}

// GetFlowValidityWindow is how long a started authorization flow remains
// valid for code exchange.
func (OAuth) GetFlowValidityWindow() time.Duration {
	return 10 * time.Minute
}

// GetTokenRefreshBuffer is how close to expiry a read triggers a refresh.
func (OAuth) GetTokenRefreshBuffer() time.Duration {
	return 5 * time.Minute
}

func (OAuth) GetHTTPTimeout() time.Duration {
	return 30 * time.Second
}

func (OAuth) GetCredentialStoreKey() string {
	return "oauth.session"
}
