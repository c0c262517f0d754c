package oauth2

import (
	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/jrsteele09/go-auth-client/internal/utils"
)

// UserInfo holds the identity claims decoded from a token response.
type UserInfo struct {
	Subject string
	Email   string
	Name    string
	Nonce   string
	Roles   []string
	Claims  map[string]any
}

// UserInfo decodes identity claims from the ID token when present, falling
// back to the access token when it is itself a JWT. The signature is not
// verified here - the tokens were just received over the provider's TLS
// back channel. Returns nil on any decoding failure, never an error.
func (c *Client) UserInfo(tokenResponse *TokenResponse) *UserInfo {
	if tokenResponse == nil {
		return nil
	}

	rawToken := tokenResponse.IDToken
	if rawToken == "" {
		rawToken = tokenResponse.AccessToken
	}
	if rawToken == "" {
		return nil
	}

	unverifiedToken, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return nil
	}

	claims, ok := unverifiedToken.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	nonce, _ := claims["nonce"].(string)

	var roles []string
	if claimRoles, ok := claims["roles"].([]any); ok {
		roles = utils.ToStringSlice(claimRoles)
	}

	return &UserInfo{
		Subject: sub,
		Email:   email,
		Name:    name,
		Nonce:   nonce,
		Roles:   roles,
		Claims:  claims,
	}
}
