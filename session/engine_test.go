package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clienterrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/oauth2"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/session/storefakes"
)

const (
	testClientID    = "test-client-1"
	testRedirectURI = "http://localhost:53682/callback"
	testStoreKey    = "oauth.session"
)

// fakeProvider is a token endpoint that answers authorization_code grants
// with "token-for-<code>" and refresh grants with a configurable response.
type fakeProvider struct {
	mu             sync.Mutex
	refreshStatus  int
	refreshBody    map[string]any
	exchangeCalls  int32
	refreshCalls   int32
	omitRefreshTok bool
}

func (p *fakeProvider) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")

		switch oauth2.GrantType(r.PostForm.Get("grant_type")) {
		case oauth2.AuthorizationCodeGrant:
			atomic.AddInt32(&p.exchangeCalls, 1)
			response := map[string]any{
				"access_token": "token-for-" + r.PostForm.Get("code"),
				"token_type":   "Bearer",
				"expires_in":   3600,
			}
			if !p.omitRefreshTok {
				response["refresh_token"] = "refresh-for-" + r.PostForm.Get("code")
			}
			_ = json.NewEncoder(w).Encode(response)
		case oauth2.RefreshTokenGrant:
			atomic.AddInt32(&p.refreshCalls, 1)
			p.mu.Lock()
			status, body := p.refreshStatus, p.refreshBody
			p.mu.Unlock()
			if status == 0 {
				status = http.StatusOK
			}
			if body == nil {
				body = map[string]any{
					"access_token":  "refreshed-access-token",
					"token_type":    "Bearer",
					"expires_in":    3600,
					"refresh_token": "rotated-refresh-token",
				}
			}
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(body)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "unsupported_grant_type"})
		}
	}
}

// capturingBrowser records opened authorization URLs and publishes the state
// parameter of each, so tests can play the provider redirect back.
type capturingBrowser struct {
	states chan string
}

func newCapturingBrowser() *capturingBrowser {
	return &capturingBrowser{states: make(chan string, 8)}
}

func (b *capturingBrowser) Open(authURL string) error {
	parsed, err := url.Parse(authURL)
	if err != nil {
		return err
	}
	b.states <- parsed.Query().Get("state")
	return nil
}

func (b *capturingBrowser) nextState(t *testing.T) string {
	t.Helper()
	select {
	case state := <-b.states:
		return state
	case <-time.After(2 * time.Second):
		t.Fatal("browser was never opened")
		return ""
	}
}

// testFixture holds all engine test dependencies
type testFixture struct {
	engine   *session.Engine
	store    *storefakes.FakeSecretStore
	browser  *capturingBrowser
	provider *fakeProvider
}

func setupTestFixture(t *testing.T, options ...session.EngineOption) *testFixture {
	return setupSeededFixture(t, nil, options...)
}

// setupSeededFixture persists seed (when non-nil) before the engine is
// constructed, so the initial load restores it.
func setupSeededFixture(t *testing.T, seed *session.StoredCredential, options ...session.EngineOption) *testFixture {
	t.Helper()

	provider := &fakeProvider{}
	server := httptest.NewServer(provider.handler(t))
	t.Cleanup(server.Close)

	oauthClient, err := oauth2.NewClient(oauth2.Config{
		ClientID: testClientID,
		AuthURL:  "https://auth.example.com/oauth2/authorize",
		TokenURL: server.URL,
		Scopes:   []string{"profile", "email", "offline_access"},
	})
	require.NoError(t, err)

	store := storefakes.NewFakeSecretStore()
	if seed != nil {
		raw, err := json.Marshal(seed)
		require.NoError(t, err)
		store.Seed(testStoreKey, string(raw))
	}
	browser := newCapturingBrowser()

	engine, err := session.NewEngine(oauthClient, store, browser, testRedirectURI, options...)
	require.NoError(t, err)
	t.Cleanup(engine.Dispose)

	return &testFixture{engine: engine, store: store, browser: browser, provider: provider}
}

func storedCredential(t *testing.T, store *storefakes.FakeSecretStore) session.StoredCredential {
	t.Helper()
	raw, found, err := store.Get(context.Background(), testStoreKey)
	require.NoError(t, err)
	require.True(t, found)
	var credential session.StoredCredential
	require.NoError(t, json.Unmarshal([]byte(raw), &credential))
	return credential
}

type sessionResult struct {
	session session.Session
	err     error
}

func startCreateSession(f *testFixture) chan sessionResult {
	results := make(chan sessionResult, 1)
	go func() {
		s, err := f.engine.CreateSession(context.Background())
		results <- sessionResult{session: s, err: err}
	}()
	return results
}

func awaitResult(t *testing.T, results chan sessionResult) sessionResult {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("CreateSession never returned")
		return sessionResult{}
	}
}

func TestCreateSessionHappyPath(t *testing.T) {
	f := setupTestFixture(t)

	var added []session.Session
	var authStates []bool
	f.engine.OnSessionAdded(func(s session.Session) { added = append(added, s) })
	f.engine.OnAuthStateChanged(func(b bool) { authStates = append(authStates, b) })

	results := startCreateSession(f)
	state := f.browser.nextState(t)

	require.NoError(t, f.engine.HandleURI(testRedirectURI+"?code=abc123&state="+state))

	result := awaitResult(t, results)
	require.NoError(t, result.err)
	require.Equal(t, "token-for-abc123", result.session.AccessToken)
	require.NotEmpty(t, result.session.ID)
	require.Equal(t, []string{"profile", "email", "offline_access"}, result.session.Scopes)

	// Credential persisted and cache consistent
	credential := storedCredential(t, f.store)
	require.Equal(t, "token-for-abc123", credential.AccessToken)
	require.Equal(t, "refresh-for-abc123", credential.RefreshToken)

	cached := f.engine.CachedSessions()
	require.Len(t, cached, 1)
	require.Equal(t, result.session.ID, cached[0].ID)

	require.Len(t, added, 1)
	require.Equal(t, []bool{true}, authStates)

	// The pending map is empty afterwards: a replayed callback is orphaned
	err := f.engine.HandleURI(testRedirectURI + "?code=abc123&state=" + state)
	require.Error(t, err)
}

func TestCreateSessionWithoutRefreshToken(t *testing.T) {
	f := setupTestFixture(t)
	f.provider.omitRefreshTok = true

	results := startCreateSession(f)
	state := f.browser.nextState(t)
	require.NoError(t, f.engine.HandleURI(testRedirectURI+"?code=abc123&state="+state))

	result := awaitResult(t, results)
	require.NoError(t, result.err)

	credential := storedCredential(t, f.store)
	require.Equal(t, "token-for-abc123", credential.AccessToken)
	require.Empty(t, credential.RefreshToken)
}

func TestCreateSessionProviderError(t *testing.T) {
	f := setupTestFixture(t)

	results := startCreateSession(f)
	state := f.browser.nextState(t)

	require.NoError(t, f.engine.HandleURI(testRedirectURI+"?error=access_denied&error_description=User+cancelled&state="+state))

	result := awaitResult(t, results)
	require.Error(t, result.err)
	require.Contains(t, result.err.Error(), "User cancelled")
	require.Empty(t, f.engine.CachedSessions())
}

func TestCreateSessionTimeout(t *testing.T) {
	f := setupTestFixture(t, session.WithCallbackTimeout(50*time.Millisecond))

	results := startCreateSession(f)
	state := f.browser.nextState(t)

	result := awaitResult(t, results)
	require.ErrorIs(t, result.err, clienterrors.ErrFlowTimeout)

	// The late callback is orphaned, not applied
	err := f.engine.HandleURI(testRedirectURI + "?code=late&state=" + state)
	require.Error(t, err)
	require.Empty(t, f.engine.CachedSessions())
}

func TestConcurrentCreateSessionsResolveIndependently(t *testing.T) {
	f := setupTestFixture(t)

	resultsA := startCreateSession(f)
	stateA := f.browser.nextState(t)
	resultsB := startCreateSession(f)
	stateB := f.browser.nextState(t)
	require.NotEqual(t, stateA, stateB)

	// Resolve B first with its own code, then A with another
	require.NoError(t, f.engine.HandleURI(testRedirectURI+"?code=code-b&state="+stateB))
	resultB := awaitResult(t, resultsB)
	require.NoError(t, resultB.err)
	require.Equal(t, "token-for-code-b", resultB.session.AccessToken)

	require.NoError(t, f.engine.HandleURI(testRedirectURI+"?code=code-a&state="+stateA))
	resultA := awaitResult(t, resultsA)
	require.NoError(t, resultA.err)
	require.Equal(t, "token-for-code-a", resultA.session.AccessToken)
}

func TestCallbackWithForgedStateRejected(t *testing.T) {
	f := setupTestFixture(t)

	results := startCreateSession(f)
	f.browser.nextState(t)

	err := f.engine.HandleURI(testRedirectURI + "?code=abc123&state=forged-state")
	require.Error(t, err)
	require.ErrorIs(t, err, clienterrors.ErrInvalidState)

	f.engine.Dispose()
	result := awaitResult(t, results)
	require.ErrorIs(t, result.err, clienterrors.ErrDisposed)
}

func TestDisposeRejectsAllPending(t *testing.T) {
	f := setupTestFixture(t)

	const pendingFlows = 3
	results := make([]chan sessionResult, 0, pendingFlows)
	states := make([]string, 0, pendingFlows)
	for i := 0; i < pendingFlows; i++ {
		results = append(results, startCreateSession(f))
		states = append(states, f.browser.nextState(t))
	}

	f.engine.Dispose()

	for _, resultCh := range results {
		result := awaitResult(t, resultCh)
		require.ErrorIs(t, result.err, clienterrors.ErrDisposed)
	}

	// Registry is empty: every late callback is orphaned
	for _, state := range states {
		require.Error(t, f.engine.HandleURI(testRedirectURI+"?code=late&state="+state))
	}
}

func TestHandleURIMissingCodeAndState(t *testing.T) {
	f := setupTestFixture(t)
	err := f.engine.HandleURI(testRedirectURI + "?foo=bar")
	require.ErrorIs(t, err, clienterrors.ErrMissingCodeOrState)
}

func TestSessionsEmptyWhenUnauthenticated(t *testing.T) {
	f := setupTestFixture(t)

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, sessions)

	_, err = f.engine.Token(context.Background())
	require.ErrorIs(t, err, clienterrors.ErrNoSession)

	authenticated, err := f.engine.IsAuthenticated(context.Background())
	require.NoError(t, err)
	require.False(t, authenticated)
}

func TestSessionsRestoredFromStore(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken:  "stored-access-token",
		RefreshToken: "stored-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
		SessionID:    "session-1",
		AccountID:    "user-1",
		AccountLabel: "john.doe@example.com",
	})

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "stored-access-token", sessions[0].AccessToken)
	require.Equal(t, "john.doe@example.com", sessions[0].Account.Label)
	require.EqualValues(t, 0, atomic.LoadInt32(&f.provider.refreshCalls))
}

func TestSessionsRefreshesNearExpiry(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken:  "stale-access-token",
		RefreshToken: "stored-refresh-token",
		ExpiresAt:    time.Now().Add(2 * time.Minute), // inside the 5 minute buffer
		SessionID:    "session-1",
		AccountID:    "user-1",
		AccountLabel: "john.doe@example.com",
	})

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "refreshed-access-token", sessions[0].AccessToken)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.provider.refreshCalls))

	credential := storedCredential(t, f.store)
	require.Equal(t, "refreshed-access-token", credential.AccessToken)
	require.Equal(t, "rotated-refresh-token", credential.RefreshToken)
	require.Equal(t, "session-1", credential.SessionID) // identity survives refresh
}

func TestSessionsRefreshPreservesRefreshToken(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken:  "stale-access-token",
		RefreshToken: "stored-refresh-token",
		ExpiresAt:    time.Now().Add(time.Minute),
		SessionID:    "session-1",
	})
	// Provider rotates nothing: the response carries no refresh_token
	f.provider.refreshBody = map[string]any{
		"access_token": "refreshed-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	credential := storedCredential(t, f.store)
	require.Equal(t, "stored-refresh-token", credential.RefreshToken)
}

func TestSessionsNoRefreshWhenFresh(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken:  "fresh-access-token",
		RefreshToken: "stored-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
		SessionID:    "session-1",
	})

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "fresh-access-token", sessions[0].AccessToken)
	require.EqualValues(t, 0, atomic.LoadInt32(&f.provider.refreshCalls))
}

func TestSessionsExpiredWithoutRefreshToken(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken: "expired-access-token",
		ExpiresAt:   time.Now().Add(-time.Minute),
		SessionID:   "session-1",
	})

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, sessions)
	require.False(t, f.store.Has(testStoreKey))
}

func TestSessionsRefreshFailureClearsCredential(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken:  "stale-access-token",
		RefreshToken: "revoked-refresh-token",
		ExpiresAt:    time.Now().Add(time.Minute),
		SessionID:    "session-1",
	})
	f.provider.refreshStatus = http.StatusBadRequest
	f.provider.refreshBody = map[string]any{"error": "invalid_grant"}

	var authStates []bool
	f.engine.OnAuthStateChanged(func(b bool) { authStates = append(authStates, b) })

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err) // no exception propagates to generic callers
	require.Empty(t, sessions)
	require.False(t, f.store.Has(testStoreKey))
	require.Equal(t, []bool{false}, authStates)
}

func TestSessionsClearsCacheWhenCredentialVanishes(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken: "stored-access-token",
		ExpiresAt:   time.Now().Add(time.Hour),
		SessionID:   "session-1",
	})

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Credential removed out-of-band (e.g. another window signed out)
	require.NoError(t, f.store.Delete(context.Background(), testStoreKey))

	sessions, err = f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, sessions)
	require.Empty(t, f.engine.CachedSessions())
}

func TestSessionsMalformedCredential(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken: "stored-access-token",
		ExpiresAt:   time.Now().Add(time.Hour),
		SessionID:   "session-1",
	})

	sessions, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Record corrupted out-of-band: the next read treats it as no session
	f.store.Seed(testStoreKey, "{not-json")

	sessions, err = f.engine.Sessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, sessions)
	require.Empty(t, f.engine.CachedSessions())
}

func TestRemoveSession(t *testing.T) {
	f := setupSeededFixture(t, &session.StoredCredential{
		AccessToken: "stored-access-token",
		ExpiresAt:   time.Now().Add(time.Hour),
		SessionID:   "session-1",
	})

	var removed []session.Session
	var authStates []bool
	f.engine.OnSessionRemoved(func(s session.Session) { removed = append(removed, s) })
	f.engine.OnAuthStateChanged(func(b bool) { authStates = append(authStates, b) })

	// Populate the cache
	_, err := f.engine.Sessions(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, f.engine.RemoveSession(context.Background(), "other-session"), clienterrors.ErrSessionNotFound)

	require.NoError(t, f.engine.RemoveSession(context.Background(), "session-1"))
	require.False(t, f.store.Has(testStoreKey))
	require.Empty(t, f.engine.CachedSessions())
	require.Len(t, removed, 1)
	require.Equal(t, "session-1", removed[0].ID)
	require.Equal(t, []bool{false}, authStates)
}

func TestSignOutWithoutSession(t *testing.T) {
	f := setupTestFixture(t)
	require.ErrorIs(t, f.engine.SignOut(context.Background()), clienterrors.ErrNoSession)
}

func TestDisposedEngineRejectsOperations(t *testing.T) {
	f := setupTestFixture(t)
	f.engine.Dispose()

	_, err := f.engine.CreateSession(context.Background())
	require.ErrorIs(t, err, clienterrors.ErrDisposed)

	_, err = f.engine.Sessions(context.Background())
	require.ErrorIs(t, err, clienterrors.ErrDisposed)
}
