package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/skratchdot/open-golang/open"

	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/oauth2"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/store"
)

const usage = `usage: authclient <command>

commands:
  login    sign in through the system browser
  status   show the current session
  token    print a valid access token
  logout   sign out and clear stored credentials`

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %s\n", err)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := buildEngine(ctx, c)
	if err != nil {
		return err
	}
	defer engine.Dispose()

	command := "status"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "login":
		return login(ctx, c, engine)
	case "status":
		return status(ctx, engine)
	case "token":
		return token(ctx, engine)
	case "logout":
		return logout(ctx, engine)
	default:
		fmt.Println(usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func buildEngine(ctx context.Context, c config.Config) (*session.Engine, error) {
	providerConfig := oauth2.Config{
		ClientID:     c.GetClientID(),
		ClientSecret: c.GetClientSecret(),
		AuthURL:      c.GetAuthURL(),
		TokenURL:     c.GetTokenURL(),
		RevokeURL:    c.GetRevokeURL(),
		Scopes:       c.GetScopes(),
	}

	options := []oauth2.Option{
		oauth2.WithHTTPClient(&http.Client{Timeout: c.GetHTTPTimeout()}),
		oauth2.WithFlowValidityWindow(c.GetFlowValidityWindow()),
	}

	var oauthClient *oauth2.Client
	var err error
	if issuer := c.GetIssuer(); issuer != "" {
		oauthClient, err = oauth2.NewClientFromIssuer(ctx, issuer, providerConfig, options...)
	} else {
		oauthClient, err = oauth2.NewClient(providerConfig, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("oauth2 client: %w", err)
	}

	secret := c.GetStoreSecret()
	if secret == "" {
		host, _ := os.Hostname()
		secret = "authclient:" + host
		log.Printf("STORE_SECRET not set; deriving credential store key from hostname\n")
	}

	secretStore, err := store.NewEncryptedFile(filepath.Join(c.GetDataFolder(), "credentials.json"), []byte(secret))
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	return session.NewEngine(oauthClient, secretStore, session.BrowserOpenerFunc(open.Run), c.GetRedirectURL(),
		session.WithCallbackTimeout(c.GetFlowCallbackTimeout()),
		session.WithRefreshBuffer(c.GetTokenRefreshBuffer()),
		session.WithStoreKey(c.GetCredentialStoreKey()),
	)
}

func login(ctx context.Context, c config.Config, engine *session.Engine) error {
	redirect, err := url.Parse(c.GetRedirectURL())
	if err != nil {
		return fmt.Errorf("parse redirect URL: %w", err)
	}

	server := &http.Server{Addr: redirect.Host, Handler: callbackHandler(engine, redirect.Path)}
	go listenAndServe(server)
	defer shutdown(server)

	fmt.Println("Opening your browser to sign in...")
	s, err := engine.CreateSession(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (%s)\n", s.Account.Label, s.Account.ID)
	return nil
}

func status(ctx context.Context, engine *session.Engine) error {
	sessions, err := engine.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("Not signed in")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("Signed in as %s (%s), scopes: %v\n", s.Account.Label, s.Account.ID, s.Scopes)
	}
	return nil
}

func token(ctx context.Context, engine *session.Engine) error {
	accessToken, err := engine.Token(ctx)
	if err != nil {
		return err
	}
	fmt.Println(accessToken)
	return nil
}

func logout(ctx context.Context, engine *session.Engine) error {
	if err := engine.SignOut(ctx); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

// callbackHandler forwards the browser redirect to the engine, which
// correlates it with the waiting sign-in by state.
func callbackHandler(engine *session.Engine, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if path != "" && r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if err := engine.HandleURI(r.URL.String()); err != nil {
			http.Error(w, "Sign-in failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><p>Sign-in complete. You may close this window.</p></body></html>"))
	}
}

func listenAndServe(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
