package oauth2

// CodeMethodType represents the PKCE (Proof Key for Code Exchange) challenge method.
// Used to prevent authorization code interception attacks (especially for public clients).
type CodeMethodType string

const (
	// CodeMethodTypeS256 indicates SHA-256 hashing is used for the code challenge.
	// This is the only method the client emits; "plain" offers no interception
	// protection and is never sent.
	CodeMethodTypeS256 CodeMethodType = "S256"
)

// GrantType represents the OAuth 2.0 grant used at the token endpoint.
type GrantType string

const (
	// AuthorizationCodeGrant exchanges a short-lived code (obtained via a
	// browser redirect) for tokens over the back channel.
	AuthorizationCodeGrant GrantType = "authorization_code"

	// RefreshTokenGrant obtains a new access token without re-prompting the user.
	RefreshTokenGrant GrantType = "refresh_token"
)

// OpenIDScope is the scope whose presence makes the flow an OIDC flow and
// triggers nonce generation.
const OpenIDScope = "openid"

// CallbackData is the validated result of an authorization redirect.
type CallbackData struct {
	// Code is the authorization code to exchange at the token endpoint.
	Code string

	// State identifies the flow the callback belongs to. It doubles as the
	// routing key for pending-callback correlation.
	State string
}
