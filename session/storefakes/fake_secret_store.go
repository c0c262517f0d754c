package storefakes

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-client/session"
)

var _ session.SecretStore = (*FakeSecretStore)(nil)

// FakeSecretStore is an in-memory SecretStore for tests. Error fields, when
// set, are returned by the corresponding operation.
type FakeSecretStore struct {
	lock   sync.RWMutex
	values map[string]string

	GetErr    error
	SetErr    error
	DeleteErr error

	SetCalls    int
	DeleteCalls int
}

func NewFakeSecretStore() *FakeSecretStore {
	return &FakeSecretStore{
		values: make(map[string]string),
	}
}

func (s *FakeSecretStore) Get(_ context.Context, key string) (string, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.GetErr != nil {
		return "", false, s.GetErr
	}
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *FakeSecretStore) Set(_ context.Context, key, value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.SetCalls++
	if s.SetErr != nil {
		return s.SetErr
	}
	s.values[key] = value
	return nil
}

func (s *FakeSecretStore) Delete(_ context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.DeleteCalls++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.values, key)
	return nil
}

// Seed stores a value without counting as a Set call.
func (s *FakeSecretStore) Seed(key, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.values[key] = value
}

// Has reports whether the key is present.
func (s *FakeSecretStore) Has(key string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.values[key]
	return ok
}
