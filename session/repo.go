package session

import "context"

// SecretStore is the host-supplied secure key-value store used to persist the
// single serialized credential record. Implementations must treat values as
// sensitive (the host's keychain, an encrypted file, etc.).
type SecretStore interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// BrowserOpener opens a URL in the user's external browser.
type BrowserOpener interface {
	Open(url string) error
}

// BrowserOpenerFunc adapts a function to the BrowserOpener interface.
type BrowserOpenerFunc func(url string) error

func (f BrowserOpenerFunc) Open(url string) error { return f(url) }
