// Package store provides a file-backed secret store for hosts without a
// native keychain. Values are sealed with XChaCha20-Poly1305 under a key
// derived from the host-supplied secret, so the credential record is never
// written to disk in the clear.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	fileVersion = 1
	fileMode    = 0600
	dirMode     = 0700
	saltLength  = 16
)

// fileFormat is the on-disk layout: a per-store key-derivation salt plus a
// map of sealed values (nonce || ciphertext, base64).
type fileFormat struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	Secrets map[string]string `json:"secrets"`
}

// EncryptedFile is a SecretStore backed by an encrypted JSON file.
type EncryptedFile struct {
	mu   sync.Mutex
	path string
	key  []byte
	data fileFormat
}

// NewEncryptedFile opens or creates the store at path, deriving the sealing
// key from secret via HKDF-SHA256 with the store's salt.
func NewEncryptedFile(path string, secret []byte) (*EncryptedFile, error) {
	if len(secret) == 0 {
		return nil, errors.New("[NewEncryptedFile] secret is required")
	}

	s := &EncryptedFile{
		path: path,
		data: fileFormat{Version: fileVersion, Secrets: make(map[string]string)},
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "[NewEncryptedFile] load")
	}

	if s.data.Salt == "" {
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, errors.Wrap(err, "[NewEncryptedFile] rand.Read")
		}
		s.data.Salt = base64.RawStdEncoding.EncodeToString(salt)
	}

	salt, err := base64.RawStdEncoding.DecodeString(s.data.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "[NewEncryptedFile] invalid salt")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, nil), key); err != nil {
		return nil, errors.Wrap(err, "[NewEncryptedFile] hkdf")
	}
	s.key = key

	return s, nil
}

// Path returns the store file path.
func (s *EncryptedFile) Path() string { return s.path }

// Get returns the decrypted value for key. An entry that cannot be decoded
// or decrypted (tampering, changed secret) reads as absent rather than
// failing the caller.
func (s *EncryptedFile) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, ok := s.data.Secrets[key]
	if !ok {
		return "", false, nil
	}

	value, err := s.open(sealed)
	if err != nil {
		log.Warn().Str("key", key).Msg("Stored secret could not be decrypted; treating as absent")
		return "", false, nil
	}
	return value, true, nil
}

// Set seals and persists the value under key as a single atomic overwrite.
func (s *EncryptedFile) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal(value)
	if err != nil {
		return errors.Wrap(err, "[Set] seal")
	}
	s.data.Secrets[key] = sealed
	return s.save()
}

// Delete removes the entry for key.
func (s *EncryptedFile) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.Secrets, key)
	return s.save()
}

func (s *EncryptedFile) seal(value string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (s *EncryptedFile) open(sealed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	value, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (s *EncryptedFile) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &s.data)
}

func (s *EncryptedFile) save() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return err
	}

	// Write-then-rename so readers never observe a partial file
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, raw, fileMode); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
