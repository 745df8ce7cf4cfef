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
)

const facebookGraphVersion = "v19.0"

// FacebookProvider implements ConnectProvider for Instagram business
// accounts reached through Facebook Pages. The user logs in with Facebook,
// we enumerate their pages and pick the first one with a linked Instagram
// business account.
type FacebookProvider struct {
	config       oauth2.Config
	clientSecret string
	graphBaseURL string // defaults to https://graph.facebook.com/<version>
}

type fbTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type fbIGAccount struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type fbPage struct {
	ID                       string       `json:"id"`
	Name                     string       `json:"name"`
	InstagramBusinessAccount *fbIGAccount `json:"instagram_business_account"`
}

type fbPagesResponse struct {
	Data []fbPage `json:"data"`
}

// NewFacebookProvider creates a new Facebook/Instagram-Graph provider.
func NewFacebookProvider(clientID, clientSecret, redirectURI string) *FacebookProvider {
	return &FacebookProvider{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       []string{"pages_show_list", "instagram_basic"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://www.facebook.com/" + facebookGraphVersion + "/dialog/oauth",
				TokenURL: "https://graph.facebook.com/" + facebookGraphVersion + "/oauth/access_token",
			},
		},
		clientSecret: clientSecret,
		graphBaseURL: "https://graph.facebook.com/" + facebookGraphVersion,
	}
}

// Name returns the provider identifier.
func (p *FacebookProvider) Name() string {
	return "facebook"
}

// StateCookieName returns the CSRF state cookie name for the Facebook flow.
func (p *FacebookProvider) StateCookieName() string {
	return "oauth_state_fb"
}

// AuthURL generates the authorization URL.
func (p *FacebookProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for a user access token.
func (p *FacebookProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code)
}

// Account enumerates the user's pages looking for a linked Instagram
// business account. Pages that come back without the field are retried with
// a per-page lookup before being skipped; zero matches is ErrNotLinked.
func (p *FacebookProvider) Account(ctx context.Context, token *oauth2.Token) (*Account, error) {
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

	pages, err := p.fetchPages(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	for _, page := range pages {
		igAccount := page.InstagramBusinessAccount
		if igAccount == nil {
			// The list response sometimes omits nested fields; retry with a
			// direct page lookup before giving up on this page.
			igAccount, err = p.fetchPageIGAccount(ctx, accessToken, page.ID)
			if err != nil {
				log.LogWarnWithFields("idp", "Page lookup failed, skipping page", map[string]any{
					"page":  page.ID,
					"error": err.Error(),
				})
				continue
			}
		}
		if igAccount == nil || igAccount.ID == "" {
			continue
		}

		return &Account{
			Provider:    p.Name(),
			AccountID:   igAccount.ID,
			Username:    igAccount.Username,
			AccessToken: accessToken,
			ExpiresAt:   expiresAt,
			Scopes:      p.config.Scopes,
		}, nil
	}

	return nil, ErrNotLinked
}

func (p *FacebookProvider) exchangeLongLived(ctx context.Context, shortLived string) (*fbTokenResponse, error) {
	q := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {p.config.ClientID},
		"client_secret":     {p.clientSecret},
		"fb_exchange_token": {shortLived},
	}

	var tr fbTokenResponse
	if err := p.getJSON(ctx, p.graphBaseURL+"/oauth/access_token?"+q.Encode(), &tr); err != nil {
		return nil, fmt.Errorf("long-lived exchange: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("long-lived exchange: empty access token")
	}
	return &tr, nil
}

func (p *FacebookProvider) fetchPages(ctx context.Context, accessToken string) ([]fbPage, error) {
	q := url.Values{
		"fields":       {"id,name,instagram_business_account{id,username}"},
		"access_token": {accessToken},
	}

	var pages fbPagesResponse
	if err := p.getJSON(ctx, p.graphBaseURL+"/me/accounts?"+q.Encode(), &pages); err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	return pages.Data, nil
}

func (p *FacebookProvider) fetchPageIGAccount(ctx context.Context, accessToken, pageID string) (*fbIGAccount, error) {
	q := url.Values{
		"fields":       {"instagram_business_account{id,username}"},
		"access_token": {accessToken},
	}

	var page fbPage
	if err := p.getJSON(ctx, p.graphBaseURL+"/"+pageID+"?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return page.InstagramBusinessAccount, nil
}

func (p *FacebookProvider) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
