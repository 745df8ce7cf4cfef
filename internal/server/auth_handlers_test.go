package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sellista/authbroker/internal/config"
	"github.com/sellista/authbroker/internal/cookie"
	"github.com/sellista/authbroker/internal/idp"
	"github.com/sellista/authbroker/internal/session"
	"github.com/sellista/authbroker/internal/storage"
	sessiontoken "github.com/sellista/authbroker/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

const testSessionSecret = "test-session-secret"

type fakeLoginProvider struct {
	name        string
	token       *oauth2.Token
	exchangeErr error
	identity    *idp.Identity
	identityErr error
}

func (p *fakeLoginProvider) Name() string            { return p.name }
func (p *fakeLoginProvider) StateCookieName() string { return "oauth_state" }
func (p *fakeLoginProvider) AuthURL(state string) string {
	return "https://provider.example.com/auth?state=" + url.QueryEscape(state)
}
func (p *fakeLoginProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.token, p.exchangeErr
}
func (p *fakeLoginProvider) Identity(ctx context.Context, token *oauth2.Token) (*idp.Identity, error) {
	return p.identity, p.identityErr
}

type fakeConnectProvider struct {
	name        string
	token       *oauth2.Token
	exchangeErr error
	account     *idp.Account
	accountErr  error
}

func (p *fakeConnectProvider) Name() string            { return p.name }
func (p *fakeConnectProvider) StateCookieName() string { return "oauth_state_ig" }
func (p *fakeConnectProvider) AuthURL(state string) string {
	return "https://provider.example.com/auth?state=" + url.QueryEscape(state)
}
func (p *fakeConnectProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.token, p.exchangeErr
}
func (p *fakeConnectProvider) Account(ctx context.Context, token *oauth2.Token) (*idp.Account, error) {
	return p.account, p.accountErr
}

// failingStore wraps a working store and fails chosen operations.
type failingStore struct {
	storage.Store
	failUpsertUser        bool
	failUpsertIntegration bool
}

func (s *failingStore) UpsertUser(ctx context.Context, identity idp.Identity) error {
	if s.failUpsertUser {
		return errors.New("store unavailable")
	}
	return s.Store.UpsertUser(ctx, identity)
}

func (s *failingStore) UpsertIntegration(ctx context.Context, email string, integration storage.Integration) error {
	if s.failUpsertIntegration {
		return errors.New("store unavailable")
	}
	return s.Store.UpsertIntegration(ctx, email, integration)
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			BaseURL:      "https://auth.example.com",
			Addr:         ":8080",
			PostLoginURL: "https://app.example.com/home",
		},
		Session: config.SessionConfig{
			Secret: testSessionSecret,
			TTL:    config.Duration(time.Hour),
		},
	}
}

func newTestHandlers(t *testing.T, providers map[string]idp.Provider, store storage.Store, cfg config.Config) *AuthHandlers {
	t.Helper()
	h, err := NewAuthHandlers(providers, store, cfg)
	require.NoError(t, err)
	return h
}

func sessionCookieFor(t *testing.T, email string) string {
	t.Helper()
	encoded, err := sessiontoken.Encode(session.New(email, "Test User", "", "sub-1", time.Hour), []byte(testSessionSecret))
	require.NoError(t, err)
	return cookie.SessionCookie + "=" + encoded
}

func startRequest(provider string, query string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/auth/"+provider+"/start"+query, nil)
	r.SetPathValue("provider", provider)
	return r
}

func callbackRequest(provider string, query string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/auth/"+provider+"/callback"+query, nil)
	r.SetPathValue("provider", provider)
	return r
}

// setCookieValue extracts a cookie value from the recorded Set-Cookie headers.
func setCookieValue(t *testing.T, w *httptest.ResponseRecorder, name string) (string, bool) {
	t.Helper()
	for _, header := range w.Header().Values("Set-Cookie") {
		pair, _, _ := strings.Cut(header, ";")
		cookieName, value, ok := strings.Cut(pair, "=")
		if ok && cookieName == name {
			decoded, err := url.QueryUnescape(value)
			require.NoError(t, err)
			return decoded, true
		}
	}
	return "", false
}

func TestStartHandlerUnknownProvider(t *testing.T) {
	h := newTestHandlers(t, map[string]idp.Provider{}, storage.NewMemoryStore(), testConfig())

	w := httptest.NewRecorder()
	h.StartHandler(w, startRequest("twitter", ""))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartHandlerLoginRedirects(t *testing.T) {
	provider := &fakeLoginProvider{name: "google"}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, storage.NewMemoryStore(), testConfig())

	w := httptest.NewRecorder()
	h.StartHandler(w, startRequest("google", ""))

	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	assert.NotContains(t, state, ".", "login state is a bare nonce")

	cookieState, ok := setCookieValue(t, w, "oauth_state")
	require.True(t, ok, "state cookie must be set")
	assert.Equal(t, state, cookieState, "cookie and redirect must carry the same state")

	header := strings.Join(w.Header().Values("Set-Cookie"), "\n")
	assert.Contains(t, header, "Path=/api/auth/google")
	assert.Contains(t, header, "Max-Age=600")
}

func TestStartHandlerConnectRequiresSession(t *testing.T) {
	provider := &fakeConnectProvider{name: "instagram"}
	h := newTestHandlers(t, map[string]idp.Provider{"instagram": provider}, storage.NewMemoryStore(), testConfig())

	w := httptest.NewRecorder()
	h.StartHandler(w, startRequest("instagram", ""))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartHandlerConnectCarriesRequestID(t *testing.T) {
	provider := &fakeConnectProvider{name: "instagram"}
	h := newTestHandlers(t, map[string]idp.Provider{"instagram": provider}, storage.NewMemoryStore(), testConfig())

	r := startRequest("instagram", "?request_id=req-42")
	r.Header.Set("Cookie", sessionCookieFor(t, "user@example.com"))

	w := httptest.NewRecorder()
	h.StartHandler(w, r)

	require.Equal(t, http.StatusFound, w.Code)

	cookieState, ok := setCookieValue(t, w, "oauth_state_ig")
	require.True(t, ok)
	nonce, requestID, found := strings.Cut(cookieState, ".")
	require.True(t, found, "connect state is nonce.requestID")
	assert.NotEmpty(t, nonce)
	assert.Equal(t, "req-42", requestID)
}

func TestStartHandlerConnectGeneratesRequestID(t *testing.T) {
	provider := &fakeConnectProvider{name: "instagram"}
	h := newTestHandlers(t, map[string]idp.Provider{"instagram": provider}, storage.NewMemoryStore(), testConfig())

	r := startRequest("instagram", "")
	r.Header.Set("Cookie", sessionCookieFor(t, "user@example.com"))

	w := httptest.NewRecorder()
	h.StartHandler(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	cookieState, ok := setCookieValue(t, w, "oauth_state_ig")
	require.True(t, ok)
	_, requestID, found := strings.Cut(cookieState, ".")
	require.True(t, found)
	assert.Len(t, requestID, 26, "generated request id is a ULID")
}

func TestStartHandlerDebugRequiresAdmin(t *testing.T) {
	cfg := testConfig()
	hashed, err := bcrypt.GenerateFromPassword([]byte("admin-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Admin = &config.AdminConfig{Username: "ops", HashedPassword: hashed}

	provider := &fakeLoginProvider{name: "google"}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, storage.NewMemoryStore(), cfg)

	// Without credentials the debug view is refused.
	w := httptest.NewRecorder()
	h.StartHandler(w, startRequest("google", "?debug=1"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Wrong password is refused too.
	r := startRequest("google", "?debug=1")
	r.SetBasicAuth("ops", "wrong")
	w = httptest.NewRecorder()
	h.StartHandler(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Correct credentials get the JSON debug payload instead of a redirect.
	r = startRequest("google", "?debug=1")
	r.SetBasicAuth("ops", "admin-pass")
	w = httptest.NewRecorder()
	h.StartHandler(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "authorization_url")
	assert.Empty(t, w.Header().Get("Location"))
}

func TestCallbackHandlerStateMismatch(t *testing.T) {
	provider := &fakeLoginProvider{name: "google"}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, storage.NewMemoryStore(), testConfig())

	tests := []struct {
		name   string
		cookie string
	}{
		{"no state cookie", ""},
		{"different state value", "oauth_state=other-nonce"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := callbackRequest("google", "?code=abc&state=the-nonce")
			if tt.cookie != "" {
				r.Header.Set("Cookie", tt.cookie)
			}

			w := httptest.NewRecorder()
			h.CallbackHandler(w, r)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "state_mismatch")
		})
	}
}

func TestCallbackHandlerProviderError(t *testing.T) {
	provider := &fakeLoginProvider{name: "google"}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, storage.NewMemoryStore(), testConfig())

	w := httptest.NewRecorder()
	h.CallbackHandler(w, callbackRequest("google", "?error=access_denied&error_description=User+cancelled"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "provider_error")
	assert.Contains(t, w.Body.String(), "access_denied")
}

func TestCallbackHandlerMissingCode(t *testing.T) {
	provider := &fakeLoginProvider{name: "google"}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, storage.NewMemoryStore(), testConfig())

	w := httptest.NewRecorder()
	h.CallbackHandler(w, callbackRequest("google", "?state=the-nonce"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_callback")
}

func TestCallbackHandlerLoginHappyPath(t *testing.T) {
	provider := &fakeLoginProvider{
		name:  "google",
		token: &oauth2.Token{AccessToken: "at"},
		identity: &idp.Identity{
			Provider: "google",
			Subject:  "sub-1",
			Email:    "user@example.com",
			Name:     "Test User",
			Picture:  "https://example.com/p.jpg",
		},
	}
	store := storage.NewMemoryStore()
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, store, testConfig())

	r := callbackRequest("google", "?code=abc&state=the-nonce")
	r.Header.Set("Cookie", "oauth_state=the-nonce")

	w := httptest.NewRecorder()
	h.CallbackHandler(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://app.example.com/home", w.Header().Get("Location"))

	// The state cookie is cleared and the session cookie is issued.
	headers := strings.Join(w.Header().Values("Set-Cookie"), "\n")
	assert.Contains(t, headers, "oauth_state=")
	assert.Contains(t, headers, "Max-Age=0")

	sessionValue, ok := setCookieValue(t, w, cookie.SessionCookie)
	require.True(t, ok, "session cookie must be issued")

	payload := sessiontoken.Decode(sessionValue, []byte(testSessionSecret))
	require.NotNil(t, payload)
	assert.Equal(t, "user@example.com", payload.Email)
	assert.Equal(t, "Test User", payload.Name)

	user, err := store.GetUser(r.Context(), "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "google", user.Provider)
}

func TestCallbackHandlerLoginContinuesWhenStoreFails(t *testing.T) {
	provider := &fakeLoginProvider{
		name:     "google",
		token:    &oauth2.Token{AccessToken: "at"},
		identity: &idp.Identity{Provider: "google", Email: "user@example.com"},
	}
	store := &failingStore{Store: storage.NewMemoryStore(), failUpsertUser: true}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, store, testConfig())

	r := callbackRequest("google", "?code=abc&state=the-nonce")
	r.Header.Set("Cookie", "oauth_state=the-nonce")

	w := httptest.NewRecorder()
	h.CallbackHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	_, ok := setCookieValue(t, w, cookie.SessionCookie)
	assert.True(t, ok, "login must succeed even when user tracking is down")
}

func TestCallbackHandlerDomainNotAllowed(t *testing.T) {
	provider := &fakeLoginProvider{
		name:        "google",
		token:       &oauth2.Token{AccessToken: "at"},
		identityErr: fmt.Errorf("domain %q is not allowed: %w", "outsider.com", idp.ErrDomainNotAllowed),
	}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, storage.NewMemoryStore(), testConfig())

	r := callbackRequest("google", "?code=abc&state=the-nonce")
	r.Header.Set("Cookie", "oauth_state=the-nonce")

	w := httptest.NewRecorder()
	h.CallbackHandler(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "outsider.com")
}

func TestCallbackHandlerExchangeFailure(t *testing.T) {
	provider := &fakeLoginProvider{
		name: "google",
		exchangeErr: &oauth2.RetrieveError{
			ErrorCode:        "invalid_grant",
			ErrorDescription: "Code was already redeemed",
		},
	}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, storage.NewMemoryStore(), testConfig())

	r := callbackRequest("google", "?code=abc&state=the-nonce")
	r.Header.Set("Cookie", "oauth_state=the-nonce")

	w := httptest.NewRecorder()
	h.CallbackHandler(w, r)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "token_exchange_failed")
	assert.Contains(t, w.Body.String(), "invalid_grant")
	assert.Contains(t, w.Body.String(), "Code was already redeemed")
}

func TestCallbackHandlerExchangeTimeout(t *testing.T) {
	provider := &fakeLoginProvider{
		name:        "google",
		exchangeErr: fmt.Errorf("Post \"https://oauth2.googleapis.com/token\": %w", context.DeadlineExceeded),
	}
	h := newTestHandlers(t, map[string]idp.Provider{"google": provider}, storage.NewMemoryStore(), testConfig())

	r := callbackRequest("google", "?code=abc&state=the-nonce")
	r.Header.Set("Cookie", "oauth_state=the-nonce")

	w := httptest.NewRecorder()
	h.CallbackHandler(w, r)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "timed out")
}

func TestCallbackHandlerConnectHappyPath(t *testing.T) {
	provider := &fakeConnectProvider{
		name:  "instagram",
		token: &oauth2.Token{AccessToken: "short-lived"},
		account: &idp.Account{
			Provider:    "instagram",
			AccountID:   "ig-1",
			Username:    "brand",
			AccessToken: "long-lived",
		},
	}
	store := storage.NewMemoryStore()
	h := newTestHandlers(t, map[string]idp.Provider{"instagram": provider}, store, testConfig())

	r := callbackRequest("instagram", "?code=abc&state=the-nonce.req-42")
	r.Header.Set("Cookie", "oauth_state_ig=the-nonce.req-42; "+sessionCookieFor(t, "user@example.com"))

	w := httptest.NewRecorder()
	h.CallbackHandler(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, "postMessage")
	assert.Contains(t, body, "https://auth.example.com", "message must target the exact origin")
	assert.NotContains(t, body, `postMessage(payload, "*")`)
	assert.Contains(t, body, `"ok":true`)
	assert.Contains(t, body, "req-42")
	assert.Contains(t, body, "brand")

	integration, err := store.GetIntegration(r.Context(), "user@example.com", "instagram")
	require.NoError(t, err)
	assert.Equal(t, "ig-1", integration.AccountID)
	assert.Equal(t, "long-lived", integration.AccessToken)
}

func TestCallbackHandlerConnectFailuresRenderPopup(t *testing.T) {
	tests := []struct {
		name       string
		provider   *fakeConnectProvider
		store      storage.Store
		wantStatus int
		wantError  string
	}{
		{
			name: "not linked",
			provider: &fakeConnectProvider{
				name:       "instagram",
				token:      &oauth2.Token{AccessToken: "at"},
				accountErr: idp.ErrNotLinked,
			},
			store:      storage.NewMemoryStore(),
			wantStatus: http.StatusBadRequest,
			wantError:  "not_linked",
		},
		{
			name: "account fetch failure",
			provider: &fakeConnectProvider{
				name:       "instagram",
				token:      &oauth2.Token{AccessToken: "at"},
				accountErr: errors.New("graph API said no"),
			},
			store:      storage.NewMemoryStore(),
			wantStatus: http.StatusBadGateway,
			wantError:  "account_fetch_failed",
		},
		{
			name: "storage failure is fatal for connect",
			provider: &fakeConnectProvider{
				name:    "instagram",
				token:   &oauth2.Token{AccessToken: "at"},
				account: &idp.Account{Provider: "instagram", AccountID: "ig-1"},
			},
			store:      &failingStore{Store: storage.NewMemoryStore(), failUpsertIntegration: true},
			wantStatus: http.StatusInternalServerError,
			wantError:  "storage_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(t, map[string]idp.Provider{"instagram": tt.provider}, tt.store, testConfig())

			r := callbackRequest("instagram", "?code=abc&state=the-nonce.req-42")
			r.Header.Set("Cookie", "oauth_state_ig=the-nonce.req-42; "+sessionCookieFor(t, "user@example.com"))

			w := httptest.NewRecorder()
			h.CallbackHandler(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := w.Body.String()
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html", "connect failures still render the popup page")
			assert.Contains(t, body, `"ok":false`)
			assert.Contains(t, body, tt.wantError)
			assert.Contains(t, body, "req-42", "failures carry the request id too")
		})
	}
}

func TestCallbackHandlerConnectStateMismatchRendersPopup(t *testing.T) {
	provider := &fakeConnectProvider{name: "instagram"}
	h := newTestHandlers(t, map[string]idp.Provider{"instagram": provider}, storage.NewMemoryStore(), testConfig())

	r := callbackRequest("instagram", "?code=abc&state=evil-state")
	r.Header.Set("Cookie", "oauth_state_ig=the-nonce.req-42; "+sessionCookieFor(t, "user@example.com"))

	w := httptest.NewRecorder()
	h.CallbackHandler(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "state_mismatch")
}

func TestCallbackHandlerConnectSessionExpiredMidFlow(t *testing.T) {
	provider := &fakeConnectProvider{
		name:  "instagram",
		token: &oauth2.Token{AccessToken: "at"},
	}
	h := newTestHandlers(t, map[string]idp.Provider{"instagram": provider}, storage.NewMemoryStore(), testConfig())

	// State cookie present but no session cookie: the session expired
	// between start and callback.
	r := callbackRequest("instagram", "?code=abc&state=the-nonce.req-42")
	r.Header.Set("Cookie", "oauth_state_ig=the-nonce.req-42")

	w := httptest.NewRecorder()
	h.CallbackHandler(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "not_authenticated")
}

func TestSessionHandler(t *testing.T) {
	h := newTestHandlers(t, map[string]idp.Provider{}, storage.NewMemoryStore(), testConfig())

	// No cookie.
	w := httptest.NewRecorder()
	h.SessionHandler(w, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":false`)

	// Valid session.
	r := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	r.Header.Set("Cookie", sessionCookieFor(t, "user@example.com"))
	w = httptest.NewRecorder()
	h.SessionHandler(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)
	assert.Contains(t, w.Body.String(), "user@example.com")

	// Tampered cookie behaves exactly like no cookie.
	r = httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	r.Header.Set("Cookie", sessionCookieFor(t, "user@example.com")+"x")
	w = httptest.NewRecorder()
	h.SessionHandler(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Expired session behaves the same.
	expired, err := sessiontoken.Encode(session.Payload{
		Email: "user@example.com",
		Iat:   time.Now().Add(-2 * time.Hour).Unix(),
		Exp:   time.Now().Add(-time.Hour).Unix(),
	}, []byte(testSessionSecret))
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	r.Header.Set("Cookie", cookie.SessionCookie+"="+expired)
	w = httptest.NewRecorder()
	h.SessionHandler(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutHandler(t *testing.T) {
	h := newTestHandlers(t, map[string]idp.Provider{}, storage.NewMemoryStore(), testConfig())

	r := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	r.Header.Set("Cookie", sessionCookieFor(t, "user@example.com"))

	w := httptest.NewRecorder()
	h.LogoutHandler(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	header := w.Header().Get("Set-Cookie")
	assert.Contains(t, header, cookie.SessionCookie+"=")
	assert.Contains(t, header, "Max-Age=0")
}

func TestUpstreamFailure(t *testing.T) {
	status, detail := upstreamFailure(context.DeadlineExceeded)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, detail, "timed out")

	status, detail = upstreamFailure(&oauth2.RetrieveError{Body: []byte(`{"error": "server_error"}`)})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, detail, "server_error")

	status, detail = upstreamFailure(errors.New("connection refused"))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, detail, "connection refused")
}
