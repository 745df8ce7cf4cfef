package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sellista/authbroker/internal/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// InstagramProvider implements ConnectProvider over the Instagram Basic
// Display API. The initial exchange yields a short-lived token; a second,
// optional hop trades it for a long-lived one.
type InstagramProvider struct {
	config       oauth2.Config
	clientSecret string
	graphBaseURL string // defaults to https://graph.instagram.com
}

type igTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type igProfileResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// NewInstagramProvider creates a new Instagram Basic Display provider.
func NewInstagramProvider(clientID, clientSecret, redirectURI string) *InstagramProvider {
	return &InstagramProvider{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       []string{"user_profile", "user_media"},
			Endpoint:     endpoints.Instagram,
		},
		clientSecret: clientSecret,
		graphBaseURL: "https://graph.instagram.com",
	}
}

// Name returns the provider identifier.
func (p *InstagramProvider) Name() string {
	return "instagram"
}

// StateCookieName returns the CSRF state cookie name for the Instagram flow.
func (p *InstagramProvider) StateCookieName() string {
	return "oauth_state_ig"
}

// AuthURL generates the authorization URL.
func (p *InstagramProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for a short-lived token.
func (p *InstagramProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code)
}

// Account upgrades the token to a long-lived one where possible, then
// fetches the profile. Failure of the long-lived hop is not fatal: the
// short-lived token still works, the linkage just expires sooner.
func (p *InstagramProvider) Account(ctx context.Context, token *oauth2.Token) (*Account, error) {
	accessToken := token.AccessToken
	expiresAt := token.Expiry

	if longLived, err := p.exchangeLongLived(ctx, accessToken); err != nil {
		log.LogWarnWithFields("idp", "Long-lived token exchange failed, keeping short-lived token", map[string]any{
			"provider": p.Name(),
			"error":    err.Error(),
		})
	} else {
		accessToken = longLived.AccessToken
		if longLived.ExpiresIn > 0 {
			expiresAt = time.Now().Add(time.Duration(longLived.ExpiresIn) * time.Second)
		}
	}

	profile, err := p.fetchProfile(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	return &Account{
		Provider:    p.Name(),
		AccountID:   profile.ID,
		Username:    profile.Username,
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
		Scopes:      p.config.Scopes,
	}, nil
}

func (p *InstagramProvider) exchangeLongLived(ctx context.Context, shortLived string) (*igTokenResponse, error) {
	q := url.Values{
		"grant_type":    {"ig_exchange_token"},
		"client_secret": {p.clientSecret},
		"access_token":  {shortLived},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.graphBaseURL+"/access_token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("long-lived exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("long-lived exchange: status %d", resp.StatusCode)
	}

	var tr igTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("long-lived exchange: decoding response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("long-lived exchange: empty access token")
	}
	return &tr, nil
}

func (p *InstagramProvider) fetchProfile(ctx context.Context, accessToken string) (*igProfileResponse, error) {
	q := url.Values{
		"fields":       {"id,username"},
		"access_token": {accessToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.graphBaseURL+"/me?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get profile: status %d", resp.StatusCode)
	}

	var profile igProfileResponse
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("profile response missing id")
	}
	return &profile, nil
}
