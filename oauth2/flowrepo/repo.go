package flowrepo

import "time"

// FlowState holds everything needed to complete an authorization flow once
// the provider redirects back: the PKCE verifier that produced the
// challenge, the OIDC nonce, and the redirect URI the code was issued for.
// Entries are keyed by the flow's state parameter so concurrent flows never
// overwrite each other.
type FlowState struct {
	CodeVerifier string
	Nonce        string
	RedirectURI  string
	Scopes       []string
	CreatedAt    time.Time
}

type Repo interface {
	Upsert(state string, flowState *FlowState) error
	Get(state string) (*FlowState, error)
	Delete(state string) error
	DeleteExpired(maxAge time.Duration) int
	Len() int
}
