package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TikTokProvider implements ConnectProvider over the TikTok v2 open API.
// TikTok deviates from OAuth 2.0 just enough that the oauth2 package's
// Exchange cannot be used directly: the client credential field is named
// client_key and scopes are comma-separated.
type TikTokProvider struct {
	clientKey    string
	clientSecret string
	redirectURI  string
	scopes       []string
	authURL      string // defaults to https://www.tiktok.com/v2/auth/authorize/
	apiBaseURL   string // defaults to https://open.tiktokapis.com/v2
}

type tiktokTokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	OpenID           string `json:"open_id"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type tiktokUserResponse struct {
	Data struct {
		User struct {
			OpenID      string `json:"open_id"`
			DisplayName string `json:"display_name"`
		} `json:"user"`
	} `json:"data"`
}

// NewTikTokProvider creates a new TikTok provider.
func NewTikTokProvider(clientKey, clientSecret, redirectURI string) *TikTokProvider {
	return &TikTokProvider{
		clientKey:    clientKey,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		scopes:       []string{"user.info.basic"},
		authURL:      "https://www.tiktok.com/v2/auth/authorize/",
		apiBaseURL:   "https://open.tiktokapis.com/v2",
	}
}

// Name returns the provider identifier.
func (p *TikTokProvider) Name() string {
	return "tiktok"
}

// StateCookieName returns the CSRF state cookie name for the TikTok flow.
func (p *TikTokProvider) StateCookieName() string {
	return "oauth_state_tt"
}

// AuthURL generates the authorization URL.
func (p *TikTokProvider) AuthURL(state string) string {
	q := url.Values{
		"client_key":    {p.clientKey},
		"redirect_uri":  {p.redirectURI},
		"scope":         {strings.Join(p.scopes, ",")},
		"response_type": {"code"},
		"state":         {state},
	}
	return p.authURL + "?" + q.Encode()
}

// Exchange trades the authorization code for an access token. Failures are
// returned as *oauth2.RetrieveError so callers can surface the upstream
// body uniformly across providers.
func (p *TikTokProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	form := url.Values{
		"client_key":    {p.clientKey},
		"client_secret": {p.clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {p.redirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBaseURL+"/oauth/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("token exchange: reading response: %w", err)
	}

	var tr tiktokTokenResponse
	if jsonErr := json.Unmarshal(body, &tr); jsonErr == nil && tr.Error != "" {
		return nil, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        tr.Error,
			ErrorDescription: tr.ErrorDescription,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}
	if tr.AccessToken == "" {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}

	token := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   "Bearer",
	}
	if tr.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return token.WithExtra(map[string]any{"open_id": tr.OpenID, "scope": tr.Scope}), nil
}

// Account fetches the authorized TikTok user.
func (p *TikTokProvider) Account(ctx context.Context, token *oauth2.Token) (*Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/user/info/?fields=open_id,display_name", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get user info: status %d", resp.StatusCode)
	}

	var user tiktokUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if user.Data.User.OpenID == "" {
		return nil, fmt.Errorf("user info response missing open_id")
	}

	return &Account{
		Provider:    p.Name(),
		AccountID:   user.Data.User.OpenID,
		Username:    user.Data.User.DisplayName,
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
		Scopes:      p.scopes,
	}, nil
}
