package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sellista/authbroker/internal/emailutil"
	"github.com/sellista/authbroker/internal/idp"
)

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps users and integrations in process memory. Suitable for
// development and tests; everything is lost on restart.
type MemoryStore struct {
	usersMutex        sync.RWMutex
	users             map[string]*User // keyed by normalized email
	integrationsMutex sync.RWMutex
	integrations      map[string]map[string]*Integration // email -> provider -> integration
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*User),
		integrations: make(map[string]map[string]*Integration),
	}
}

func (s *MemoryStore) UpsertUser(_ context.Context, identity idp.Identity) error {
	email := emailutil.Normalize(identity.Email)
	now := time.Now()

	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	user, ok := s.users[email]
	if !ok {
		user = &User{Email: email, FirstSeen: now}
		s.users[email] = user
	}
	user.Name = identity.Name
	user.Picture = identity.Picture
	user.Subject = identity.Subject
	user.Provider = identity.Provider
	user.LastSeen = now
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, email string) (*User, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	user, ok := s.users[emailutil.Normalize(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]User, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, *user)
	}
	return users, nil
}

func (s *MemoryStore) UpsertIntegration(_ context.Context, email string, integration Integration) error {
	email = emailutil.Normalize(email)

	s.integrationsMutex.Lock()
	defer s.integrationsMutex.Unlock()

	byProvider, ok := s.integrations[email]
	if !ok {
		byProvider = make(map[string]*Integration)
		s.integrations[email] = byProvider
	}
	copied := integration
	byProvider[integration.Provider] = &copied
	return nil
}

func (s *MemoryStore) GetIntegration(_ context.Context, email, provider string) (*Integration, error) {
	s.integrationsMutex.RLock()
	defer s.integrationsMutex.RUnlock()

	integration, ok := s.integrations[emailutil.Normalize(email)][provider]
	if !ok {
		return nil, ErrIntegrationNotFound
	}
	copied := *integration
	return &copied, nil
}

func (s *MemoryStore) ListIntegrations(_ context.Context, email string) ([]Integration, error) {
	s.integrationsMutex.RLock()
	defer s.integrationsMutex.RUnlock()

	byProvider := s.integrations[emailutil.Normalize(email)]
	integrations := make([]Integration, 0, len(byProvider))
	for _, integration := range byProvider {
		integrations = append(integrations, *integration)
	}
	return integrations, nil
}

func (s *MemoryStore) DeleteIntegration(_ context.Context, email, provider string) error {
	s.integrationsMutex.Lock()
	defer s.integrationsMutex.Unlock()

	delete(s.integrations[emailutil.Normalize(email)], provider)
	return nil
}

func (s *MemoryStore) DeleteIntegrationsByAccount(_ context.Context, provider, accountID string) error {
	s.integrationsMutex.Lock()
	defer s.integrationsMutex.Unlock()

	for _, byProvider := range s.integrations {
		if integration, ok := byProvider[provider]; ok && integration.AccountID == accountID {
			delete(byProvider, provider)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
