package session

import (
	"encoding/json"
	"time"

	clienterrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/oauth2"
)

var errMalformedCredential = clienterrors.ErrCredentialMalformed

// Account identifies the signed-in user.
type Account struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Session is the in-memory projection of the stored credential that
// consumers read. It is rebuilt from the StoredCredential on load and
// refresh and cleared when the credential is cleared.
type Session struct {
	ID          string   `json:"id"`
	AccessToken string   `json:"accessToken"`
	Account     Account  `json:"account"`
	Scopes      []string `json:"scopes"`
}

// StoredCredential is the single persisted record. Exactly one exists at a
// time (single-account model); its lifetime equals the authenticated state.
type StoredCredential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"` // zero when the provider sent no expiry
	SessionID    string    `json:"sessionId"`
	AccountID    string    `json:"accountId"`
	AccountLabel string    `json:"accountLabel"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// HasExpiry reports whether the credential carries an expiry.
func (sc *StoredCredential) HasExpiry() bool {
	return !sc.ExpiresAt.IsZero()
}

// Expired reports whether the credential's access token has expired.
// Credentials without an expiry never report expired.
func (sc *StoredCredential) Expired(now time.Time) bool {
	return sc.HasExpiry() && now.After(sc.ExpiresAt)
}

// Session projects the credential into the consumer-facing session value.
func (sc *StoredCredential) Session() Session {
	scopes := make([]string, len(sc.Scopes))
	copy(scopes, sc.Scopes)
	return Session{
		ID:          sc.SessionID,
		AccessToken: sc.AccessToken,
		Account:     Account{ID: sc.AccountID, Label: sc.AccountLabel},
		Scopes:      scopes,
	}
}

// applyToken overwrites the credential's token fields from a token response,
// keeping identity fields intact. The previous refresh token survives when
// the response omits one (RFC 6749 §6).
func (sc *StoredCredential) applyToken(tokenResponse *oauth2.TokenResponse) {
	sc.AccessToken = tokenResponse.AccessToken
	if tokenResponse.RefreshToken != "" {
		sc.RefreshToken = tokenResponse.RefreshToken
	}
	if tokenResponse.IDToken != "" {
		sc.IDToken = tokenResponse.IDToken
	}
	sc.ExpiresAt = tokenResponse.Expiry
}

func marshalCredential(sc *StoredCredential) (string, error) {
	bytes, err := json.Marshal(sc)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func unmarshalCredential(raw string) (*StoredCredential, error) {
	var credential StoredCredential
	if err := json.Unmarshal([]byte(raw), &credential); err != nil {
		return nil, err
	}
	if credential.AccessToken == "" || credential.SessionID == "" {
		return nil, errMalformedCredential
	}
	return &credential, nil
}
