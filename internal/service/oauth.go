package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	googleOAuth "golang.org/x/oauth2/google"

	"github.com/shelfmark/shelfmark/internal/domain"
)

// OAuthConfig holds provider OAuth client configuration.
type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string
	FrontendURL        string
}

// OAuthClient performs the provider handshake (authorize URL, code exchange,
// userinfo fetch) and normalizes the result into an OAuthLoginInput. The
// identity core never talks to providers directly.
type OAuthClient struct {
	google *oauth2.Config
	github *oauth2.Config
}

// NewOAuthClient creates an OAuthClient.
func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	return &OAuthClient{
		google: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Endpoint:     googleOAuth.Endpoint,
			Scopes:       []string{"openid", "profile", "email"},
			RedirectURL:  cfg.FrontendURL + "/auth/google/callback",
		},
		github: &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			Endpoint:     github.Endpoint,
			Scopes:       []string{"user:email"},
			RedirectURL:  cfg.FrontendURL + "/auth/github/callback",
		},
	}
}

// GoogleAuthURL returns the Google OAuth authorization URL.
func (c *OAuthClient) GoogleAuthURL(state string) string {
	return c.google.AuthCodeURL(state)
}

// GitHubAuthURL returns the GitHub OAuth authorization URL.
func (c *OAuthClient) GitHubAuthURL(state string) string {
	return c.github.AuthCodeURL(state)
}

// ExchangeGoogle trades an authorization code for the caller's Google
// identity facts.
func (c *OAuthClient) ExchangeGoogle(ctx context.Context, code string) (*OAuthLoginInput, error) {
	token, err := c.google.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google token exchange: %w", err)
	}

	info, err := fetchGoogleUserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch google user info: %w", err)
	}

	verified := true
	return &OAuthLoginInput{
		Email:    info.Email,
		Provider: domain.ProviderGoogle,
		Metadata: domain.ProviderMetadata{
			Subject:       info.ID,
			EmailVerified: &verified,
			Name:          info.Name,
			AvatarURL:     info.Picture,
		},
	}, nil
}

// ExchangeGitHub trades an authorization code for the caller's GitHub
// identity facts, including the primary email's verification flag.
func (c *OAuthClient) ExchangeGitHub(ctx context.Context, code string) (*OAuthLoginInput, error) {
	token, err := c.github.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("github token exchange: %w", err)
	}

	info, err := fetchGitHubUserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch github user info: %w", err)
	}

	return &OAuthLoginInput{
		Email:    info.Email,
		Provider: domain.ProviderGitHub,
		Metadata: domain.ProviderMetadata{
			Subject:       fmt.Sprintf("%d", info.ID),
			EmailVerified: &info.EmailVerified,
			Name:          info.Login,
			AvatarURL:     info.AvatarURL,
		},
	}, nil
}

type googleUserInfo struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func fetchGoogleUserInfo(ctx context.Context, accessToken string) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://www.googleapis.com/oauth2/v2/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google user info returned status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	return &info, nil
}

type githubUserInfo struct {
	ID            int64  `json:"id"`
	Login         string `json:"login"`
	Email         string `json:"email"`
	AvatarURL     string `json:"avatar_url"`
	EmailVerified bool   `json:"-"`
}

func fetchGitHubUserInfo(ctx context.Context, accessToken string) (*githubUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.github.com/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github user info returned status %d", resp.StatusCode)
	}

	var info githubUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}

	// The /user endpoint omits the email for private profiles and never
	// carries the verification flag; the emails endpoint has both.
	email, verified, err := fetchGitHubPrimaryEmail(ctx, accessToken)
	if err != nil {
		if info.Email == "" {
			return nil, err
		}
	} else {
		info.Email = email
		info.EmailVerified = verified
	}

	if info.Email == "" {
		return nil, fmt.Errorf("no email found for github user")
	}

	return &info, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func fetchGitHubPrimaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.github.com/user/emails", nil)
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("fetch emails: %w", err)
	}
	defer resp.Body.Close()

	var emails []githubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", false, fmt.Errorf("decode emails: %w", err)
	}

	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified, nil
		}
	}

	if len(emails) > 0 {
		return emails[0].Email, emails[0].Verified, nil
	}

	return "", false, fmt.Errorf("no email found for github user")
}
