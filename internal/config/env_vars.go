package config

import (
	"os"
	"strings"
)

const (
	appNameVar      = "APP_NAME"
	clientIDVar     = "OAUTH_CLIENT_ID"
	clientSecretVar = "OAUTH_CLIENT_SECRET"
	issuerVar       = "OAUTH_ISSUER"
	authURLVar      = "OAUTH_AUTH_URL"
	tokenURLVar     = "OAUTH_TOKEN_URL"
	revokeURLVar    = "OAUTH_REVOKE_URL"
	redirectURLVar  = "OAUTH_REDIRECT_URL"
	scopesVar       = "OAUTH_SCOPES"
	folderEnvVar    = "FOLDER"
	storeSecretVar  = "STORE_SECRET"
)

type EnvConfig interface {
	GetAppName() string
	GetClientID() string
	GetClientSecret() string
	GetIssuer() string
	GetAuthURL() string
	GetTokenURL() string
	GetRevokeURL() string
	GetRedirectURL() string
	GetScopes() []string
	GetDataFolder() string
	GetStoreSecret() string
	GetEnv() string
}

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Go OAuth Client")
}

func (EnvVars) GetClientID() string {
	return GetEnv(clientIDVar, "")
}

func (EnvVars) GetClientSecret() string {
	return GetEnv(clientSecretVar, "")
}

// GetIssuer returns the OIDC issuer URL. When set, the authorization and
// token endpoints are discovered from it and the explicit URL vars are
// ignored.
func (EnvVars) GetIssuer() string {
	return GetEnv(issuerVar, "")
}

func (EnvVars) GetAuthURL() string {
	return GetEnv(authURLVar, "")
}

func (EnvVars) GetTokenURL() string {
	return GetEnv(tokenURLVar, "")
}

func (EnvVars) GetRevokeURL() string {
	return GetEnv(revokeURLVar, "")
}

func (EnvVars) GetRedirectURL() string {
	return GetEnv(redirectURLVar, "http://localhost:53682/callback")
}

func (EnvVars) GetScopes() []string {
	return strings.Fields(GetEnv(scopesVar, "openid profile email offline_access"))
}

func (EnvVars) GetDataFolder() string {
	return GetEnv(folderEnvVar, "./data")
}

// GetStoreSecret returns the secret used to seal the on-disk credential
// store. Empty means the host must supply a fallback.
func (EnvVars) GetStoreSecret() string {
	return GetEnv(storeSecretVar, "")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
