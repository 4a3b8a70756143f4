package oauth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	githubOAuth "golang.org/x/oauth2/github"

	"github.com/tiersync/backend/config"
)

// Provider performs the GitHub OAuth code exchange.
type Provider struct {
	config *oauth2.Config
}

// NewProvider creates a GitHub OAuth provider.
func NewProvider(cfg config.GitHubConfig) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:org", "write:org", "user:email"}
	}
	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     githubOAuth.Endpoint,
		},
	}
}

// AuthCodeURL returns the authorize URL for state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token.
func (p *Provider) Exchange(ctx context.Context, code string) (string, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("exchange code: empty access token")
	}
	return token.AccessToken, nil
}
