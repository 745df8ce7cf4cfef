package idp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestGoogleAuthURL(t *testing.T) {
	p := NewGoogleProvider("client-id", "client-secret", "https://auth.example.com/api/auth/google/callback", nil)

	rawURL := p.AuthURL("state-nonce")
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)

	q := parsed.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "https://auth.example.com/api/auth/google/callback", q.Get("redirect_uri"))
	assert.Equal(t, "state-nonce", q.Get("state"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Contains(t, q.Get("scope"), "email")
}

func TestGoogleIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"sub": "sub-123",
			"email": "user@example.com",
			"verified_email": true,
			"name": "Test User",
			"picture": "https://example.com/photo.jpg",
			"hd": "example.com"
		}`))
	}))
	defer server.Close()

	p := NewGoogleProvider("id", "secret", "https://auth.example.com/cb", nil)
	p.userInfoURL = server.URL

	identity, err := p.Identity(context.Background(), &oauth2.Token{AccessToken: "at"})
	require.NoError(t, err)
	assert.Equal(t, "google", identity.Provider)
	assert.Equal(t, "sub-123", identity.Subject)
	assert.Equal(t, "user@example.com", identity.Email)
	assert.True(t, identity.EmailVerified)
	assert.Equal(t, "Test User", identity.Name)
	assert.Equal(t, "example.com", identity.Domain)
}

func TestGoogleIdentityDerivesDomainFromEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub": "s", "email": "person@gmail.com", "name": "P"}`))
	}))
	defer server.Close()

	p := NewGoogleProvider("id", "secret", "https://auth.example.com/cb", nil)
	p.userInfoURL = server.URL

	identity, err := p.Identity(context.Background(), &oauth2.Token{AccessToken: "at"})
	require.NoError(t, err)
	assert.Equal(t, "gmail.com", identity.Domain)
}

func TestGoogleIdentityEnforcesAllowedDomains(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub": "s", "email": "user@outsider.com", "hd": "outsider.com"}`))
	}))
	defer server.Close()

	p := NewGoogleProvider("id", "secret", "https://auth.example.com/cb", []string{"example.com"})
	p.userInfoURL = server.URL

	_, err := p.Identity(context.Background(), &oauth2.Token{AccessToken: "at"})
	assert.ErrorIs(t, err, ErrDomainNotAllowed)
}

func TestGoogleIdentityUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewGoogleProvider("id", "secret", "https://auth.example.com/cb", nil)
	p.userInfoURL = server.URL

	_, err := p.Identity(context.Background(), &oauth2.Token{AccessToken: "at"})
	assert.ErrorContains(t, err, "status 500")
}

func TestValidateDomain(t *testing.T) {
	assert.NoError(t, ValidateDomain("anything.com", nil))
	assert.NoError(t, ValidateDomain("example.com", []string{"example.com", "other.com"}))

	err := ValidateDomain("attacker.com", []string{"example.com"})
	assert.ErrorIs(t, err, ErrDomainNotAllowed)
	assert.ErrorContains(t, err, "attacker.com")
}
