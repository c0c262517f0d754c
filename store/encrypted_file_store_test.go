package store_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-auth-client/store"
)

func newTestStore(t *testing.T, secret string) (*store.EncryptedFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := store.NewEncryptedFile(path, []byte(secret))
	require.NoError(t, err)
	return s, path
}

func TestSetGetDelete(t *testing.T) {
	s, _ := newTestStore(t, "test-secret")
	ctx := context.Background()

	_, found, err := s.Get(ctx, "oauth.session")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Set(ctx, "oauth.session", `{"accessToken":"abc"}`))

	value, found, err := s.Get(ctx, "oauth.session")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"accessToken":"abc"}`, value)

	require.NoError(t, s.Delete(ctx, "oauth.session"))
	_, found, err = s.Get(ctx, "oauth.session")
	require.NoError(t, err)
	require.False(t, found)
}

func TestValuesAreEncryptedAtRest(t *testing.T) {
	s, path := newTestStore(t, "test-secret")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "oauth.session", "super-secret-token"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "super-secret-token")
}

func TestPersistsAcrossReopen(t *testing.T) {
	s, path := newTestStore(t, "test-secret")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "oauth.session", "value-1"))

	reopened, err := store.NewEncryptedFile(path, []byte("test-secret"))
	require.NoError(t, err)

	value, found, err := reopened.Get(ctx, "oauth.session")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value-1", value)
}

func TestWrongSecretReadsAsAbsent(t *testing.T) {
	s, path := newTestStore(t, "test-secret")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "oauth.session", "value-1"))

	reopened, err := store.NewEncryptedFile(path, []byte("different-secret"))
	require.NoError(t, err)

	_, found, err := reopened.Get(ctx, "oauth.session")
	require.NoError(t, err)
	require.False(t, found)
}

func TestTamperedEntryReadsAsAbsent(t *testing.T) {
	s, path := newTestStore(t, "test-secret")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "oauth.session", "value-1"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var contents map[string]any
	require.NoError(t, json.Unmarshal(raw, &contents))
	secrets := contents["secrets"].(map[string]any)
	sealed := secrets["oauth.session"].(string)
	secrets["oauth.session"] = strings.Repeat("A", len(sealed))
	tampered, err := json.Marshal(contents)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	reopened, err := store.NewEncryptedFile(path, []byte("test-secret"))
	require.NoError(t, err)
	_, found, err := reopened.Get(ctx, "oauth.session")
	require.NoError(t, err)
	require.False(t, found)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := store.NewEncryptedFile(filepath.Join(t.TempDir(), "credentials.json"), nil)
	require.Error(t, err)
}
