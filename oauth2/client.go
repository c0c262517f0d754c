// Package oauth2 implements the client side of the OAuth 2.0 authorization
// code flow with PKCE: authorization URL construction, callback validation,
// code-for-token exchange, token refresh, and best-effort revocation.
//
// Flow state is held in a state-keyed repository rather than a single
// "current flow" slot, so any number of authorization attempts may be in
// flight concurrently without clobbering each other's PKCE verifiers.
package oauth2

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	xoauth2 "golang.org/x/oauth2"

	clienterrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/oauth2/flowrepo"
	"github.com/jrsteele09/go-auth-client/pkce"
)

const defaultFlowValidityWindow = 10 * time.Minute

// Config holds the provider settings needed to run an authorization code flow.
type Config struct {
	ClientID     string
	ClientSecret string            // empty for public clients
	AuthURL      string            // authorization endpoint
	TokenURL     string            // token endpoint
	RevokeURL    string            // revocation endpoint, optional
	Scopes       []string
	ExtraParams  map[string]string // provider-specific authorization parameters
}

// Client drives the OAuth2 protocol against a single provider.
type Client struct {
	config     Config
	flows      flowrepo.Repo
	httpClient *http.Client
	flowWindow time.Duration    // how long a started flow stays valid for exchange
	nowTime    func() time.Time // nowTime function (injectable for testing)
}

// Option defines a function type to modify the Client instance.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for token endpoint requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithFlowRepo sets the flow state repository.
func WithFlowRepo(repo flowrepo.Repo) Option {
	return func(c *Client) {
		c.flows = repo
	}
}

// WithFlowValidityWindow sets how long a started flow remains exchangeable.
func WithFlowValidityWindow(window time.Duration) Option {
	return func(c *Client) {
		c.flowWindow = window
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

// NewClient initializes a new Client with the given provider configuration.
// Optional behaviour can be provided via options (e.g. WithNowTime for testing).
func NewClient(config Config, options ...Option) (*Client, error) {
	if config.ClientID == "" {
		return nil, errors.New("[NewClient] ClientID is required")
	}
	if config.AuthURL == "" {
		return nil, errors.New("[NewClient] AuthURL is required")
	}
	if config.TokenURL == "" {
		return nil, errors.New("[NewClient] TokenURL is required")
	}

	client := &Client{
		config:     config,
		flows:      flowrepo.NewInMemoryRepo(),
		httpClient: http.DefaultClient,
		flowWindow: defaultFlowValidityWindow,
		nowTime:    time.Now,
	}

	for _, opt := range options {
		opt(client)
	}

	return client, nil
}

// NewClientFromIssuer builds a Client by discovering the authorization and
// token endpoints from the issuer's OIDC discovery document.
func NewClientFromIssuer(ctx context.Context, issuer string, config Config, options ...Option) (*Client, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "[NewClientFromIssuer] oidc.NewProvider")
	}
	endpoint := provider.Endpoint()
	config.AuthURL = endpoint.AuthURL
	config.TokenURL = endpoint.TokenURL
	return NewClient(config, options...)
}

// BuildAuthorizationURL starts a new authorization flow: it generates a PKCE
// pair, a state token, and (for OIDC flows) a nonce, records them in the flow
// repository keyed by state, and returns the full authorization URL together
// with the state value the callback will carry.
func (c *Client) BuildAuthorizationURL(redirectURI string) (authURL string, state string, err error) {
	verifier, err := pkce.CodeVerifier()
	if err != nil {
		return "", "", errors.Wrap(err, "[BuildAuthorizationURL] pkce.CodeVerifier")
	}
	state, err = pkce.State()
	if err != nil {
		return "", "", errors.Wrap(err, "[BuildAuthorizationURL] pkce.State")
	}

	var nonce string
	if c.isOpenIDFlow() {
		if nonce, err = pkce.Nonce(); err != nil {
			return "", "", errors.Wrap(err, "[BuildAuthorizationURL] pkce.Nonce")
		}
	}

	if err = c.flows.Upsert(state, &flowrepo.FlowState{
		CodeVerifier: verifier,
		Nonce:        nonce,
		RedirectURI:  redirectURI,
		Scopes:       c.config.Scopes,
		CreatedAt:    c.nowTime(),
	}); err != nil {
		return "", "", errors.Wrap(err, "[BuildAuthorizationURL] flows.Upsert")
	}

	// Evict flows that were started but never completed
	if evicted := c.flows.DeleteExpired(c.flowWindow); evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Evicted expired authorization flows")
	}

	authCodeOptions := []xoauth2.AuthCodeOption{
		xoauth2.SetAuthURLParam("code_challenge", pkce.Challenge(verifier)),
		xoauth2.SetAuthURLParam("code_challenge_method", string(CodeMethodTypeS256)),
	}
	if nonce != "" {
		authCodeOptions = append(authCodeOptions, xoauth2.SetAuthURLParam("nonce", nonce))
	}
	for key, value := range c.config.ExtraParams {
		authCodeOptions = append(authCodeOptions, xoauth2.SetAuthURLParam(key, value))
	}

	return c.oauthConfig(redirectURI).AuthCodeURL(state, authCodeOptions...), state, nil
}

// ValidateCallback parses an authorization callback query string and checks
// it against the flow it claims to belong to. The query must already be
// URL-decoded by the caller's URI handler.
func (c *Client) ValidateCallback(rawQuery string) (*CallbackData, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, errors.Wrap(clienterrors.ErrMissingCodeOrState, err.Error())
	}

	if errorParam := values.Get("error"); errorParam != "" {
		description := values.Get("error_description")
		if description == "" {
			description = errorParam
		}
		return nil, errors.Wrap(clienterrors.ErrProviderError, description)
	}

	code := values.Get("code")
	state := values.Get("state")
	if code == "" || state == "" {
		return nil, clienterrors.ErrMissingCodeOrState
	}

	flowState, err := c.flows.Get(state)
	if err != nil {
		// CSRF defence: a state we never issued, or one already consumed
		return nil, clienterrors.ErrInvalidState
	}

	if c.nowTime().Sub(flowState.CreatedAt) > c.flowWindow {
		_ = c.flows.Delete(state)
		return nil, clienterrors.ErrFlowExpired
	}

	return &CallbackData{Code: code, State: state}, nil
}

// ExchangeCode exchanges an authorization code for tokens using the PKCE
// verifier recorded for the flow. The flow is single-use: it is deleted once
// the exchange succeeds. Non-2xx responses propagate with the response body
// included in the error.
func (c *Client) ExchangeCode(ctx context.Context, code, state string) (*TokenResponse, error) {
	flowState, err := c.flows.Get(state)
	if err != nil {
		return nil, clienterrors.ErrFlowNotFound
	}

	token, err := c.oauthConfig(flowState.RedirectURI).Exchange(
		c.httpContext(ctx),
		code,
		xoauth2.SetAuthURLParam("code_verifier", flowState.CodeVerifier),
	)
	if err != nil {
		return nil, errors.Wrap(err, clienterrors.ErrTokenExchangeFailed.Error())
	}

	// Clean up flow state after use (single use)
	if err = c.flows.Delete(state); err != nil {
		return nil, errors.Wrap(err, "[ExchangeCode] flows.Delete")
	}

	tokenResponse := newTokenResponse(token)

	// Validate the ID token nonce against the flow to prevent replay
	if flowState.Nonce != "" && tokenResponse.IDToken != "" {
		userInfo := c.UserInfo(tokenResponse)
		if userInfo == nil || userInfo.Nonce != flowState.Nonce {
			return nil, errors.New("[ExchangeCode] ID token nonce mismatch")
		}
	}

	return tokenResponse, nil
}

// Refresh exchanges a refresh token for a new access token. When the provider
// omits a new refresh token the previous one is carried over, per RFC 6749.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, clienterrors.ErrNoRefreshToken
	}

	tokenSource := c.oauthConfig("").TokenSource(c.httpContext(ctx), &xoauth2.Token{RefreshToken: refreshToken})
	token, err := tokenSource.Token()
	if err != nil {
		return nil, errors.Wrap(err, clienterrors.ErrTokenRefreshFailed.Error())
	}

	tokenResponse := newTokenResponse(token)
	if tokenResponse.RefreshToken == "" {
		tokenResponse.RefreshToken = refreshToken
	}
	return tokenResponse, nil
}

// ShouldRefresh reports whether the token's expiry falls within buffer of
// now. Tokens without a communicated expiry never trigger a refresh.
func (c *Client) ShouldRefresh(tokenResponse *TokenResponse, buffer time.Duration) bool {
	if tokenResponse == nil || !tokenResponse.HasExpiry() {
		return false
	}
	return tokenResponse.ExpiresIn(c.nowTime()) < buffer
}

// Revoke revokes a token at the provider's revocation endpoint. Revocation is
// best-effort: failures are logged and swallowed, since RFC 7009 servers
// answer 200 regardless of token validity and a failed revoke must never
// block sign-out.
func (c *Client) Revoke(ctx context.Context, token, tokenTypeHint string) {
	if c.config.RevokeURL == "" || token == "" {
		return
	}

	form := url.Values{
		"token":     {token},
		"client_id": {c.config.ClientID},
	}
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}
	if c.config.ClientSecret != "" {
		form.Set("client_secret", c.config.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		log.Err(err).Msg("Failed to build revocation request")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Err(err).Msg("Token revocation request failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("token_type", tokenTypeHint).Msg("Token revocation rejected")
	}
}

// PendingFlows reports how many non-expired authorization flows are awaiting
// completion. Used for diagnosing orphaned callbacks.
func (c *Client) PendingFlows() int {
	c.flows.DeleteExpired(c.flowWindow)
	return c.flows.Len()
}

// Scopes returns the scopes requested on every authorization flow.
func (c *Client) Scopes() []string {
	scopes := make([]string, len(c.config.Scopes))
	copy(scopes, c.config.Scopes)
	return scopes
}

func (c *Client) isOpenIDFlow() bool {
	for _, scope := range c.config.Scopes {
		if scope == OpenIDScope {
			return true
		}
	}
	return false
}

func (c *Client) oauthConfig(redirectURI string) *xoauth2.Config {
	return &xoauth2.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       c.config.Scopes,
		Endpoint: xoauth2.Endpoint{
			AuthURL:  c.config.AuthURL,
			TokenURL: c.config.TokenURL,
		},
	}
}

// httpContext routes x/oauth2's internal HTTP calls through the injected client.
func (c *Client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, xoauth2.HTTPClient, c.httpClient)
}

func newTokenResponse(token *xoauth2.Token) *TokenResponse {
	tokenResponse := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokenResponse.IDToken = idToken
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokenResponse.Scope = scope
	}
	return tokenResponse
}
