// Package storage persists users and their social-account integrations.
// The broker itself stays stateless; this is the external collaborator the
// OAuth flows upsert into, with last-write-wins semantics per key.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sellista/authbroker/internal/idp"
)

// ErrUserNotFound is returned when a user doesn't exist
var ErrUserNotFound = errors.New("user not found")

// ErrIntegrationNotFound is returned when an integration doesn't exist
var ErrIntegrationNotFound = errors.New("integration not found")

// User is a principal who has logged in at least once.
type User struct {
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Picture   string    `json:"picture,omitempty"`
	Subject   string    `json:"sub,omitempty"`
	Provider  string    `json:"provider"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Integration is a linked social account, keyed by user email + provider.
type Integration struct {
	Provider    string    `json:"provider"`
	AccountID   string    `json:"account_id"`
	Username    string    `json:"username,omitempty"`
	AccessToken string    `json:"access_token,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	LinkedAt    time.Time `json:"linked_at"`
}

// Store is the user/integration persistence collaborator. Both write paths
// are upserts keyed by a natural unique constraint (email, or
// email+provider), so no cross-call locking is needed.
type Store interface {
	// UpsertUser records a successful login. Repeated logins update the
	// profile attributes and LastSeen; the last write wins.
	UpsertUser(ctx context.Context, identity idp.Identity) error
	GetUser(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// UpsertIntegration stores a linked account for a user.
	UpsertIntegration(ctx context.Context, email string, integration Integration) error
	GetIntegration(ctx context.Context, email, provider string) (*Integration, error)
	ListIntegrations(ctx context.Context, email string) ([]Integration, error)
	DeleteIntegration(ctx context.Context, email, provider string) error

	// DeleteIntegrationsByAccount removes every linkage for a provider
	// account id. Deauthorize webhooks identify the account, not the user.
	DeleteIntegrationsByAccount(ctx context.Context, provider, accountID string) error

	Close() error
}
