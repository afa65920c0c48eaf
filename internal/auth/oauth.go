package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// ErrOAuthExchange means GitHub rejected the authorization code (expired,
// already used, or issued to another client). Handlers map it to 401.
var ErrOAuthExchange = errors.New("auth: OAuth code exchange failed")

// Scopes requested from GitHub:
//   - repo:            read contents and commit the README back
//   - admin:repo_hook: create and delete the push webhook on activation
//   - read:user:       profile (id, login, avatar)
var Scopes = []string{"repo", "admin:repo_hook", "read:user"}

// ProviderConfig configures the GitHub OAuth app. AuthURL and TokenURL
// default to github.com; tests point them at an httptest server.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	AuthURL      string
	TokenURL     string
	Timeout      time.Duration
}

// GitHubProvider wraps golang.org/x/oauth2 for the Authorization Code flow.
// The code-for-token exchange is server to server with the client secret;
// the access token never reaches the browser.
type GitHubProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

func NewGitHubProvider(cfg ProviderConfig) *GitHubProvider {
	endpoint := github.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
}

// AuthURL returns the GitHub consent URL carrying state.
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the authorization code for an access token. Any failure
// is wrapped with ErrOAuthExchange; the profile lookup is a separate step so
// a token is never lost to a profile hiccup.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrOAuthExchange)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOAuthExchange, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrOAuthExchange)
	}
	return token, nil
}
