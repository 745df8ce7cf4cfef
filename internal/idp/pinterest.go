package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// PinterestProvider implements ConnectProvider over the Pinterest v5 API.
// Pinterest authenticates the token request with HTTP basic auth rather
// than form credentials.
type PinterestProvider struct {
	config     oauth2.Config
	apiBaseURL string // defaults to https://api.pinterest.com/v5
}

type pinterestUserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// NewPinterestProvider creates a new Pinterest provider.
func NewPinterestProvider(clientID, clientSecret, redirectURI string) *PinterestProvider {
	return &PinterestProvider{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       []string{"user_accounts:read", "pins:read", "boards:read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://www.pinterest.com/oauth/",
				TokenURL:  "https://api.pinterest.com/v5/oauth/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiBaseURL: "https://api.pinterest.com/v5",
	}
}

// Name returns the provider identifier.
func (p *PinterestProvider) Name() string {
	return "pinterest"
}

// StateCookieName returns the CSRF state cookie name for the Pinterest flow.
func (p *PinterestProvider) StateCookieName() string {
	return "oauth_state_pin"
}

// AuthURL generates the authorization URL.
func (p *PinterestProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for tokens.
func (p *PinterestProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code)
}

// Account fetches the authorized user account.
func (p *PinterestProvider) Account(ctx context.Context, token *oauth2.Token) (*Account, error) {
	client := p.config.Client(ctx, token)

	resp, err := client.Get(p.apiBaseURL + "/user_account")
	if err != nil {
		return nil, fmt.Errorf("failed to get user account: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get user account: status %d", resp.StatusCode)
	}

	var user pinterestUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user account: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("user account response missing id")
	}

	return &Account{
		Provider:    p.Name(),
		AccountID:   user.ID,
		Username:    user.Username,
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
		Scopes:      p.config.Scopes,
	}, nil
}
