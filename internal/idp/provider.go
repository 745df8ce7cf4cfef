// Package idp drives the authorization-code flow against each supported
// identity and social provider. Login providers establish who the user is;
// connect providers link an external account to an existing user.
package idp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/oauth2"
)

// Identity is the profile a login provider vouches for.
type Identity struct {
	Provider      string `json:"provider"`
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Domain        string `json:"domain"`
}

// Account is the external account a connect provider links.
type Account struct {
	Provider    string    `json:"provider"`
	AccountID   string    `json:"account_id"`
	Username    string    `json:"username"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	Scopes      []string  `json:"scopes,omitempty"`
}

// ErrNotLinked is returned by connect providers when the authorized account
// has no linked business identity to enumerate (e.g. a Facebook login whose
// pages carry no Instagram business account). It is distinct from a generic
// failure so callers can report it as such.
var ErrNotLinked = errors.New("no linked account found")

// ErrDomainNotAllowed is returned by login providers when the authenticated
// email's domain is outside the configured allow list.
var ErrDomainNotAllowed = errors.New("domain not allowed")

// Provider abstracts the flow steps shared by every provider.
type Provider interface {
	// Name returns the provider identifier used in routes and payloads
	// (e.g. "google", "instagram", "facebook").
	Name() string

	// StateCookieName returns the provider-distinct CSRF state cookie name,
	// so concurrent flows across providers do not collide.
	StateCookieName() string

	// AuthURL generates the authorization URL carrying the state nonce.
	AuthURL(state string) string

	// Exchange trades an authorization code for an access token.
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// LoginProvider authenticates a principal and yields an Identity.
type LoginProvider interface {
	Provider
	Identity(ctx context.Context, token *oauth2.Token) (*Identity, error)
}

// ConnectProvider links an external account and yields an Account.
type ConnectProvider interface {
	Provider
	Account(ctx context.Context, token *oauth2.Token) (*Account, error)
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.Contains(allowedDomains, domain) {
		return fmt.Errorf("domain %q is not allowed: %w", domain, ErrDomainNotAllowed)
	}
	return nil
}
