// Package session owns the credential lifecycle for a host application that
// authenticates a user against an OAuth2 provider: it starts authorization
// flows, routes asynchronously delivered browser callbacks to the flow that
// is waiting for them, exchanges and refreshes tokens, and keeps the cached
// session consistent with the single persisted credential record.
package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	clienterrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/oauth2"
)

const (
	defaultCallbackTimeout = 5 * time.Minute
	defaultRefreshBuffer   = 5 * time.Minute
	defaultStoreKey        = "oauth.session"

	fallbackAccountLabel = "OAuth User"
)

// Engine is the authentication session engine. One instance is constructed
// per host process and injected into every consumer that needs a token -
// there is no ambient global state.
type Engine struct {
	oauthClient *oauth2.Client
	store       SecretStore
	browser     BrowserOpener
	redirectURI string

	storeKey        string
	callbackTimeout time.Duration
	refreshBuffer   time.Duration
	nowTime         func() time.Time // nowTime function (injectable for testing)

	mu       sync.Mutex
	cached   *StoredCredential
	disposed bool

	pending      *pendingRegistry
	refreshGroup singleflight.Group
	listeners    listeners

	loadDone chan struct{}
}

// EngineOption defines a function type to modify the Engine instance.
type EngineOption func(*Engine)

// WithCallbackTimeout sets how long CreateSession waits for the callback.
func WithCallbackTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		e.callbackTimeout = timeout
	}
}

// WithRefreshBuffer sets how close to expiry a read triggers a refresh.
func WithRefreshBuffer(buffer time.Duration) EngineOption {
	return func(e *Engine) {
		e.refreshBuffer = buffer
	}
}

// WithStoreKey sets the secret-store key holding the credential record.
func WithStoreKey(key string) EngineOption {
	return func(e *Engine) {
		e.storeKey = key
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) EngineOption {
	return func(e *Engine) {
		e.nowTime = nowFunc
	}
}

// NewEngine initializes the session engine with its collaborators and starts
// the initial credential load from the secret store. Reads await the load.
func NewEngine(oauthClient *oauth2.Client, store SecretStore, browser BrowserOpener, redirectURI string, options ...EngineOption) (*Engine, error) {
	if oauthClient == nil {
		return nil, errors.New("[NewEngine] oauthClient is required")
	}
	if store == nil {
		return nil, errors.New("[NewEngine] store is required")
	}
	if browser == nil {
		return nil, errors.New("[NewEngine] browser is required")
	}
	if redirectURI == "" {
		return nil, errors.New("[NewEngine] redirectURI is required")
	}

	engine := &Engine{
		oauthClient:     oauthClient,
		store:           store,
		browser:         browser,
		redirectURI:     redirectURI,
		storeKey:        defaultStoreKey,
		callbackTimeout: defaultCallbackTimeout,
		refreshBuffer:   defaultRefreshBuffer,
		nowTime:         time.Now,
		pending:         newPendingRegistry(),
		loadDone:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(engine)
	}

	go engine.initialLoad()

	return engine, nil
}

// initialLoad restores the persisted credential, if any. A malformed or
// unreadable record is treated as "no session" rather than an error.
func (e *Engine) initialLoad() {
	defer close(e.loadDone)

	credential, err := e.loadCredential(context.Background())
	if err != nil {
		log.Err(err).Msg("Initial credential load failed; starting unauthenticated")
		return
	}
	if credential == nil {
		return
	}

	e.mu.Lock()
	e.cached = credential
	e.mu.Unlock()
	log.Info().Str("session_id", credential.SessionID).Msg("Restored persisted session")
}

// CreateSession runs a full interactive sign-in: it builds the authorization
// URL, registers a pending waiter keyed by the flow's state, opens the URL
// in the external browser, and blocks until HandleURI delivers the callback,
// the callback timeout elapses, or ctx is cancelled. On success the code is
// exchanged, the credential persisted, and session-added plus
// auth-state-changed events fire.
func (e *Engine) CreateSession(ctx context.Context) (Session, error) {
	if e.isDisposed() {
		return Session{}, clienterrors.ErrDisposed
	}
	<-e.loadDone

	authURL, state, err := e.oauthClient.BuildAuthorizationURL(e.redirectURI)
	if err != nil {
		return Session{}, errors.Wrap(err, "[CreateSession] BuildAuthorizationURL")
	}

	waiter := e.pending.register(state)
	log.Info().Int("pending_flows", e.pending.count()).Msg("Authorization flow started")

	if err = e.browser.Open(authURL); err != nil {
		e.pending.remove(state)
		return Session{}, errors.Wrap(err, "[CreateSession] browser.Open")
	}

	result, err := e.awaitCallback(ctx, state, waiter)
	if err != nil {
		return Session{}, err
	}

	tokenResponse, err := e.oauthClient.ExchangeCode(ctx, result.code, state)
	if err != nil {
		return Session{}, errors.Wrap(err, "[CreateSession] ExchangeCode")
	}

	credential := e.newCredential(tokenResponse)
	if err = e.saveCredential(ctx, credential); err != nil {
		return Session{}, errors.Wrap(err, "[CreateSession] saveCredential")
	}

	e.mu.Lock()
	e.cached = credential
	e.mu.Unlock()

	session := credential.Session()
	e.listeners.emitSessionAdded(session)
	e.listeners.emitAuthStateChanged(true)
	log.Info().Str("session_id", session.ID).Str("account", session.Account.Label).Msg("Session created")

	return session, nil
}

// awaitCallback blocks until the flow's waiter resolves, times out, or the
// context is cancelled. The waiter entry is always released.
func (e *Engine) awaitCallback(ctx context.Context, state string, waiter <-chan callbackResult) (callbackResult, error) {
	timeout := time.NewTimer(e.callbackTimeout)
	defer timeout.Stop()

	select {
	case result := <-waiter:
		if result.err != nil {
			return callbackResult{}, errors.Wrap(result.err, "[CreateSession] authorization failed")
		}
		return result, nil
	case <-timeout.C:
		e.pending.remove(state)
		log.Warn().Int("pending_flows", e.pending.count()).Msg("Authorization flow timed out")
		return callbackResult{}, clienterrors.ErrFlowTimeout
	case <-ctx.Done():
		e.pending.remove(state)
		return callbackResult{}, ctx.Err()
	}
}

// HandleURI receives an asynchronously delivered callback URI from the host
// and routes it to the pending flow identified by its state parameter. A
// callback whose state matches no waiter is orphaned - legitimate when the
// flow already timed out - and reported as an error for the host to surface.
func (e *Engine) HandleURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return errors.Wrap(err, "[HandleURI] url.Parse")
	}
	values := parsed.Query()
	state := values.Get("state")

	// Provider-reported errors resolve the matching waiter so the
	// originating CreateSession fails with the provider's message.
	if errorParam := values.Get("error"); errorParam != "" {
		description := values.Get("error_description")
		if description == "" {
			description = errorParam
		}
		providerErr := errors.Wrap(clienterrors.ErrProviderError, description)
		if state != "" && e.pending.resolve(state, callbackResult{err: providerErr}) {
			return nil
		}
		log.Warn().Str("error", errorParam).Int("pending_flows", e.pending.count()).Msg("Authorization error with no matching flow")
		return providerErr
	}

	code := values.Get("code")
	if code == "" || state == "" {
		log.Warn().Msg("Callback URI missing code or state")
		return clienterrors.ErrMissingCodeOrState
	}

	// CSRF and expiry checks against the recorded flow state
	callbackData, err := e.oauthClient.ValidateCallback(parsed.RawQuery)
	if err != nil {
		err = errors.Wrap(err, "[HandleURI] ValidateCallback")
		if e.pending.resolve(state, callbackResult{err: err}) {
			return nil
		}
		return err
	}

	if !e.pending.resolve(callbackData.State, callbackResult{code: callbackData.Code}) {
		log.Warn().Int("pending_flows", e.pending.count()).Msg("Orphaned authorization callback")
		return errors.Wrap(clienterrors.ErrFlowNotFound, "[HandleURI] no waiter for callback")
	}

	return nil
}

// Sessions is the primary read path. It awaits the initial load, revalidates
// the cache against the secret store, refreshes the token when it is within
// the refresh buffer of expiry and a refresh token exists, and returns the
// current session list. Refresh failures clear the credential and yield an
// empty list rather than an error, so generic callers never see a half-valid
// session.
func (e *Engine) Sessions(ctx context.Context) ([]Session, error) {
	if e.isDisposed() {
		return nil, clienterrors.ErrDisposed
	}
	<-e.loadDone

	e.mu.Lock()
	credential := e.cached
	e.mu.Unlock()

	if credential == nil {
		return []Session{}, nil
	}

	// Re-validate against the persisted record; if it vanished or is
	// malformed the cache is stale and must be dropped.
	stored, err := e.loadCredential(ctx)
	if err != nil || stored == nil {
		e.clearCache()
		return []Session{}, nil
	}
	credential = stored

	now := e.nowTime()
	needsRefresh := credential.HasExpiry() && credential.ExpiresAt.Sub(now) < e.refreshBuffer

	if needsRefresh {
		if credential.RefreshToken == "" {
			if credential.Expired(now) {
				// Nothing left to serve and no way to recover
				e.clearCredential(ctx)
				return []Session{}, nil
			}
			// Near expiry but still valid; serve what we have
			return []Session{credential.Session()}, nil
		}

		refreshed, err := e.refresh(ctx, credential)
		if err != nil {
			log.Err(err).Msg("Token refresh failed; clearing session")
			e.clearCredential(ctx)
			return []Session{}, nil
		}
		credential = refreshed
	}

	e.mu.Lock()
	e.cached = credential
	e.mu.Unlock()

	return []Session{credential.Session()}, nil
}

// refresh performs the token refresh and persists the result. Concurrent
// callers share a single in-flight refresh via the singleflight group, so
// the stored credential is never raced by parallel read-modify-writes.
func (e *Engine) refresh(ctx context.Context, credential *StoredCredential) (*StoredCredential, error) {
	value, err, _ := e.refreshGroup.Do(e.storeKey, func() (any, error) {
		tokenResponse, err := e.oauthClient.Refresh(ctx, credential.RefreshToken)
		if err != nil {
			return nil, err
		}

		updated := *credential
		updated.applyToken(tokenResponse)
		if err = e.saveCredential(ctx, &updated); err != nil {
			return nil, err
		}
		log.Info().Str("session_id", updated.SessionID).Time("expires_at", updated.ExpiresAt).Msg("Access token refreshed")
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*StoredCredential), nil
}

// Token returns the current access token, refreshing it first if needed.
func (e *Engine) Token(ctx context.Context) (string, error) {
	sessions, err := e.Sessions(ctx)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", clienterrors.ErrNoSession
	}
	return sessions[0].AccessToken, nil
}

// IsAuthenticated reports whether a valid session exists.
func (e *Engine) IsAuthenticated(ctx context.Context) (bool, error) {
	sessions, err := e.Sessions(ctx)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// CachedSessions returns the in-memory session list without touching the
// secret store or refreshing - for callers where latency matters more than
// freshness.
func (e *Engine) CachedSessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached == nil {
		return []Session{}
	}
	return []Session{e.cached.Session()}
}

// RemoveSession signs out the session with the given ID: the token is
// revoked best-effort, the persisted credential deleted, the cache cleared,
// and session-removed plus auth-state-changed events fire.
func (e *Engine) RemoveSession(ctx context.Context, sessionID string) error {
	if e.isDisposed() {
		return clienterrors.ErrDisposed
	}
	<-e.loadDone

	e.mu.Lock()
	credential := e.cached
	e.mu.Unlock()

	if credential == nil || credential.SessionID != sessionID {
		return clienterrors.ErrSessionNotFound
	}

	if credential.RefreshToken != "" {
		e.oauthClient.Revoke(ctx, credential.RefreshToken, "refresh_token")
	} else {
		e.oauthClient.Revoke(ctx, credential.AccessToken, "access_token")
	}

	if err := e.store.Delete(ctx, e.storeKey); err != nil {
		return errors.Wrap(err, "[RemoveSession] store.Delete")
	}

	session := credential.Session()
	e.clearCache()
	e.listeners.emitSessionRemoved(session)
	e.listeners.emitAuthStateChanged(false)
	log.Info().Str("session_id", sessionID).Msg("Session removed")

	return nil
}

// SignOut removes the current session, if any.
func (e *Engine) SignOut(ctx context.Context) error {
	<-e.loadDone

	e.mu.Lock()
	credential := e.cached
	e.mu.Unlock()

	if credential == nil {
		return clienterrors.ErrNoSession
	}
	return e.RemoveSession(ctx, credential.SessionID)
}

// Dispose rejects every pending callback waiter and stops the engine
// accepting new work. Persisted storage is left untouched.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.mu.Unlock()

	rejected := e.pending.rejectAll(clienterrors.ErrDisposed)
	if rejected > 0 {
		log.Info().Int("rejected_flows", rejected).Msg("Session engine disposed with pending flows")
	}
}

func (e *Engine) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// newCredential builds the persisted record from a fresh token response,
// deriving the account identity from user-info claims with a pseudo-identity
// fallback when no claims can be decoded.
func (e *Engine) newCredential(tokenResponse *oauth2.TokenResponse) *StoredCredential {
	accountID := fmt.Sprintf("user-%d", e.nowTime().Unix())
	accountLabel := fallbackAccountLabel

	if userInfo := e.oauthClient.UserInfo(tokenResponse); userInfo != nil {
		if userInfo.Subject != "" {
			accountID = userInfo.Subject
		}
		switch {
		case userInfo.Email != "":
			accountLabel = userInfo.Email
		case userInfo.Name != "":
			accountLabel = userInfo.Name
		}
	}

	credential := &StoredCredential{
		SessionID:    uuid.New().String(),
		AccountID:    accountID,
		AccountLabel: accountLabel,
		Scopes:       e.oauthClient.Scopes(),
	}
	credential.applyToken(tokenResponse)
	return credential
}

// loadCredential reads and decodes the persisted record. Absent records
// return (nil, nil); malformed records return an error so callers can treat
// them as "no session" without crashing.
func (e *Engine) loadCredential(ctx context.Context) (*StoredCredential, error) {
	raw, found, err := e.store.Get(ctx, e.storeKey)
	if err != nil {
		return nil, errors.Wrap(err, "[loadCredential] store.Get")
	}
	if !found {
		return nil, nil
	}

	credential, err := unmarshalCredential(raw)
	if err != nil {
		return nil, errors.Wrap(err, "[loadCredential] unmarshalCredential")
	}
	return credential, nil
}

// saveCredential persists the record as a single atomic overwrite.
func (e *Engine) saveCredential(ctx context.Context, credential *StoredCredential) error {
	raw, err := marshalCredential(credential)
	if err != nil {
		return errors.Wrap(err, "[saveCredential] marshalCredential")
	}
	return e.store.Set(ctx, e.storeKey, raw)
}

func (e *Engine) clearCache() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

// clearCredential removes both the cache and the persisted record and
// notifies consumers the engine is unauthenticated.
func (e *Engine) clearCredential(ctx context.Context) {
	if err := e.store.Delete(ctx, e.storeKey); err != nil {
		log.Err(err).Msg("Failed to delete stored credential")
	}
	e.clearCache()
	e.listeners.emitAuthStateChanged(false)
}
