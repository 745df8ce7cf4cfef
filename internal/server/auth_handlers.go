package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sellista/authbroker/internal/config"
	"github.com/sellista/authbroker/internal/cookie"
	"github.com/sellista/authbroker/internal/crypto"
	"github.com/sellista/authbroker/internal/envutil"
	"github.com/sellista/authbroker/internal/idp"
	jsonwriter "github.com/sellista/authbroker/internal/json"
	"github.com/sellista/authbroker/internal/log"
	"github.com/sellista/authbroker/internal/session"
	"github.com/sellista/authbroker/internal/storage"
	sessiontoken "github.com/sellista/authbroker/internal/token"
	"github.com/sellista/authbroker/internal/urlutil"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// providerCallTimeout bounds each outbound hop to a provider so a stalled
// token or profile endpoint fails the flow instead of hanging the request.
const providerCallTimeout = 10 * time.Second

// AuthHandlers provides the OAuth flow and session HTTP handlers with
// dependency injection.
type AuthHandlers struct {
	providers     map[string]idp.Provider
	store         storage.Store
	sessionSecret []byte
	sessionTTL    time.Duration
	origin        string
	postLoginURL  string
	admin         *config.AdminConfig
}

// NewAuthHandlers creates new auth handlers with dependency injection.
func NewAuthHandlers(providers map[string]idp.Provider, store storage.Store, cfg config.Config) (*AuthHandlers, error) {
	origin, err := urlutil.Origin(cfg.Server.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("deriving origin from baseURL: %w", err)
	}

	return &AuthHandlers{
		providers:     providers,
		store:         store,
		sessionSecret: []byte(cfg.Session.Secret),
		sessionTTL:    cfg.Session.TTL.Value(),
		origin:        origin,
		postLoginURL:  cfg.Server.PostLoginURL,
		admin:         cfg.Admin,
	}, nil
}

func authCookiePath(provider string) string {
	return "/api/auth/" + provider
}

// sessionFromRequest returns the decoded session payload, or nil when the
// cookie is missing, malformed, tampered with, or expired. Those cases are
// indistinguishable on purpose.
func (h *AuthHandlers) sessionFromRequest(r *http.Request) *session.Payload {
	value, ok := cookie.Get(r, cookie.SessionCookie)
	if !ok {
		return nil
	}
	return sessiontoken.Decode(value, h.sessionSecret)
}

// isAdmin checks HTTP basic auth against the configured admin credentials.
func (h *AuthHandlers) isAdmin(r *http.Request) bool {
	if h.admin == nil {
		return false
	}
	username, password, ok := r.BasicAuth()
	if !ok || username != h.admin.Username {
		return false
	}
	return bcrypt.CompareHashAndPassword(h.admin.HashedPassword, []byte(password)) == nil
}

// StartHandler begins an OAuth flow: it generates the state nonce, stores it
// in a short-lived provider-scoped cookie, and redirects to the provider.
func (h *AuthHandlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	provider, ok := h.providers[name]
	if !ok {
		jsonwriter.WriteNotFound(w, "Unknown provider")
		return
	}

	_, isConnect := provider.(idp.ConnectProvider)

	// Connect flows link an account to an existing user; the callback needs
	// a session to know whose.
	if isConnect && h.sessionFromRequest(r) == nil {
		jsonwriter.WriteUnauthorized(w, "Login required to connect an account")
		return
	}

	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		log.LogError("Failed to generate state nonce: %v", err)
		jsonwriter.WriteInternalServerError(w, "Failed to start authentication")
		return
	}

	state := nonce
	if isConnect {
		// The request id rides inside the state value and comes back in the
		// postMessage payload so the opener can match the reply to its call.
		requestID := r.URL.Query().Get("request_id")
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		state = nonce + "." + requestID
	}

	authURL := provider.AuthURL(state)

	if r.URL.Query().Get("debug") == "1" {
		if !envutil.IsDev() && !h.isAdmin(r) {
			jsonwriter.WriteForbidden(w, "Debug output is not available")
			return
		}
		_ = jsonwriter.Write(w, map[string]any{
			"provider":          name,
			"authorization_url": authURL,
			"state_cookie":      provider.StateCookieName(),
			"state":             state,
		})
		return
	}

	cookie.SetState(w, provider.StateCookieName(), state, authCookiePath(name))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler completes an OAuth flow. Steps are strictly sequential:
// state validation, code exchange, profile fetch, persistence, response.
// Nothing here retries; a failed flow requires a fresh start.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	provider, ok := h.providers[name]
	if !ok {
		jsonwriter.WriteNotFound(w, "Unknown provider")
		return
	}

	connectProvider, isConnect := provider.(idp.ConnectProvider)

	query := r.URL.Query()
	cookieState, hasCookie := cookie.Get(r, provider.StateCookieName())

	// Recover the popup request id from the cookie so even failure messages
	// can be correlated by the opener.
	requestID := ""
	if isConnect && hasCookie {
		if _, rid, found := strings.Cut(cookieState, "."); found {
			requestID = rid
		}
	}

	// Connect popups always get a self-closing page that messages the
	// opener, success or not; login flows get a plain JSON error.
	fail := func(status int, code, message string) {
		if isConnect {
			renderPopup(w, status, h.origin, PopupResultData{
				OK:        false,
				Provider:  name,
				RequestID: requestID,
				Error:     code + ": " + message,
			})
			return
		}
		jsonwriter.WriteError(w, status, code, message)
	}

	if errParam := query.Get("error"); errParam != "" {
		errDesc := query.Get("error_description")
		log.LogErrorWithFields("auth", "Provider returned error on callback", map[string]any{
			"provider":          name,
			"error":             errParam,
			"error_description": errDesc,
		})
		fail(http.StatusBadRequest, "provider_error", strings.TrimSpace(errParam+" "+errDesc))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		fail(http.StatusBadRequest, "invalid_callback", "Missing code or state parameter")
		return
	}

	// CSRF defense: the state echoed by the provider must exactly equal the
	// nonce we stored in the flow cookie. No cookie, no flow.
	if !hasCookie || state != cookieState {
		log.LogErrorWithFields("auth", "OAuth state mismatch", map[string]any{
			"provider":   name,
			"has_cookie": hasCookie,
		})
		fail(http.StatusBadRequest, "state_mismatch", "OAuth state validation failed")
		return
	}

	// The nonce is single-use: clear it before doing anything else.
	cookie.ClearState(w, provider.StateCookieName(), authCookiePath(name))

	exchangeCtx, cancel := context.WithTimeout(r.Context(), providerCallTimeout)
	defer cancel()

	oauthToken, err := provider.Exchange(exchangeCtx, code)
	if err != nil {
		log.LogErrorWithFields("auth", "Token exchange failed", map[string]any{
			"provider": name,
			"error":    err.Error(),
		})
		status, detail := upstreamFailure(err)
		fail(status, "token_exchange_failed", detail)
		return
	}

	if isConnect {
		h.completeConnect(w, r, connectProvider, oauthToken, requestID)
		return
	}

	loginProvider, ok := provider.(idp.LoginProvider)
	if !ok {
		jsonwriter.WriteInternalServerError(w, "Provider supports neither login nor connect")
		return
	}
	h.completeLogin(w, r, loginProvider, oauthToken)
}

func (h *AuthHandlers) completeLogin(w http.ResponseWriter, r *http.Request, provider idp.LoginProvider, oauthToken *oauth2.Token) {
	profileCtx, cancel := context.WithTimeout(r.Context(), providerCallTimeout)
	defer cancel()

	identity, err := provider.Identity(profileCtx, oauthToken)
	if err != nil {
		log.LogErrorWithFields("auth", "Profile fetch failed", map[string]any{
			"provider": provider.Name(),
			"error":    err.Error(),
		})
		if errors.Is(err, idp.ErrDomainNotAllowed) {
			jsonwriter.WriteForbidden(w, "Access denied: "+err.Error())
			return
		}
		status, detail := upstreamFailure(err)
		jsonwriter.WriteError(w, status, "profile_fetch_failed", detail)
		return
	}

	// The session cookie does not depend on the store write: a login must
	// not fail because user tracking is down.
	if err := h.store.UpsertUser(r.Context(), *identity); err != nil {
		log.LogWarnWithFields("auth", "Failed to upsert user, continuing with session issuance", map[string]any{
			"email": identity.Email,
			"error": err.Error(),
		})
	}

	payload := session.New(identity.Email, identity.Name, identity.Picture, identity.Subject, h.sessionTTL)
	encoded, err := sessiontoken.Encode(payload, h.sessionSecret)
	if err != nil {
		log.LogError("Failed to encode session token: %v", err)
		jsonwriter.WriteInternalServerError(w, "Failed to create session")
		return
	}

	cookie.SetSession(w, encoded)

	log.LogInfoWithFields("auth", "User logged in", map[string]any{
		"provider": provider.Name(),
		"email":    identity.Email,
	})

	http.Redirect(w, r, h.postLoginURL, http.StatusFound)
}

func (h *AuthHandlers) completeConnect(w http.ResponseWriter, r *http.Request, provider idp.ConnectProvider, oauthToken *oauth2.Token, requestID string) {
	name := provider.Name()

	sess := h.sessionFromRequest(r)
	if sess == nil {
		renderPopup(w, http.StatusUnauthorized, h.origin, PopupResultData{
			OK: false, Provider: name, RequestID: requestID,
			Error: "not_authenticated: login session expired during the flow",
		})
		return
	}

	accountCtx, cancel := context.WithTimeout(r.Context(), providerCallTimeout)
	defer cancel()

	account, err := provider.Account(accountCtx, oauthToken)
	if err != nil {
		log.LogErrorWithFields("auth", "Account fetch failed", map[string]any{
			"provider": name,
			"error":    err.Error(),
		})
		if errors.Is(err, idp.ErrNotLinked) {
			renderPopup(w, http.StatusBadRequest, h.origin, PopupResultData{
				OK: false, Provider: name, RequestID: requestID,
				Error: "not_linked: no linked business account was found",
			})
			return
		}
		status, detail := upstreamFailure(err)
		renderPopup(w, status, h.origin, PopupResultData{
			OK: false, Provider: name, RequestID: requestID,
			Error: "account_fetch_failed: " + detail,
		})
		return
	}

	integration := storage.Integration{
		Provider:    account.Provider,
		AccountID:   account.AccountID,
		Username:    account.Username,
		AccessToken: account.AccessToken,
		Scopes:      account.Scopes,
		ExpiresAt:   account.ExpiresAt,
		LinkedAt:    time.Now(),
	}

	// Unlike login, persistence is the point of a connect flow: a failed
	// write means the linkage did not happen.
	if err := h.store.UpsertIntegration(r.Context(), sess.Email, integration); err != nil {
		log.LogErrorWithFields("auth", "Failed to persist integration", map[string]any{
			"provider": name,
			"email":    sess.Email,
			"error":    err.Error(),
		})
		renderPopup(w, http.StatusInternalServerError, h.origin, PopupResultData{
			OK: false, Provider: name, RequestID: requestID,
			Error: "storage_failed: the account could not be saved",
		})
		return
	}

	log.LogInfoWithFields("auth", "Integration linked", map[string]any{
		"provider": name,
		"email":    sess.Email,
		"account":  account.AccountID,
	})

	renderPopup(w, http.StatusOK, h.origin, PopupResultData{
		OK:        true,
		Provider:  name,
		RequestID: requestID,
		Email:     sess.Email,
		Username:  account.Username,
		AccountID: account.AccountID,
	})
}

type sessionResponse struct {
	OK      bool   `json:"ok"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// SessionHandler reports the current session. Malformed and expired tokens
// are both just "no session".
func (h *AuthHandlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := h.sessionFromRequest(r)
	if sess == nil {
		_ = jsonwriter.WriteResponse(w, http.StatusUnauthorized, sessionResponse{OK: false})
		return
	}
	_ = jsonwriter.Write(w, sessionResponse{
		OK:      true,
		Email:   sess.Email,
		Name:    sess.Name,
		Picture: sess.Picture,
	})
}

// LogoutHandler clears the session cookie.
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	cookie.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

// upstreamFailure maps a provider call error to a status code and a detail
// string that keeps the upstream's own words visible. Timeouts get their own
// message so they are distinguishable from provider rejections.
func upstreamFailure(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusBadGateway, "provider request timed out"
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		detail := strings.TrimSpace(retrieveErr.ErrorCode + " " + retrieveErr.ErrorDescription)
		if detail == "" {
			detail = truncate(string(retrieveErr.Body), 512)
		}
		return http.StatusBadGateway, "provider rejected the request: " + detail
	}

	return http.StatusBadGateway, err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
