package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	githubAuthEndpoint   = "https://github.com/login/oauth/authorize"
	githubTokenEndpoint  = "https://github.com/login/oauth/access_token"
	githubUserEndpoint   = "https://api.github.com/user"
	githubEmailsEndpoint = "https://api.github.com/user/emails"
)

// GitHubConfig configures the GitHub provider.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	// Scopes defaults to read:user and user:email.
	Scopes []string
	// StoreTokens marks the provider as needing token-at-rest storage.
	StoreTokens bool
	HTTPClient  *http.Client
	now         func() time.Time
}

// GitHub implements [Provider]. GitHub OAuth app tokens have no refresh
// flow, so an expired stored token surfaces as a terminal expiry to callers.
type GitHub struct {
	config GitHubConfig
	client *http.Client
}

// NewGitHub returns a GitHub [Provider].
func NewGitHub(cfg GitHubConfig) *GitHub {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}
	return &GitHub{config: cfg, client: defaultHTTPClient(cfg.HTTPClient)}
}

// Name implements [Provider].
func (g *GitHub) Name() string { return "github" }

// AuthorizationURL implements [Provider].
func (g *GitHub) AuthorizationURL(state, redirectURI string) (string, error) {
	v := url.Values{}
	v.Set("client_id", g.config.ClientID)
	v.Set("redirect_uri", redirectURI)
	v.Set("scope", strings.Join(g.config.Scopes, " "))
	v.Set("state", state)
	return githubAuthEndpoint + "?" + v.Encode(), nil
}

// ExchangeCode implements [Provider].
func (g *GitHub) ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", g.config.ClientID)
	form.Set("client_secret", g.config.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return postTokenForm(ctx, g.client, githubTokenEndpoint, form, g.config.now)
}

// UserInfo implements [Provider]. The primary verified address is resolved
// through /user/emails because the profile email is often unset.
func (g *GitHub) UserInfo(ctx context.Context, tok *Token) (*UserInfo, error) {
	var profile struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := getJSON(ctx, g.client, githubUserEndpoint, tok.AccessToken, &profile); err != nil {
		return nil, err
	}

	email := profile.Email
	verified := email != ""
	if email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := getJSON(ctx, g.client, githubEmailsEndpoint, tok.AccessToken, &emails); err == nil {
			for _, e := range emails {
				if e.Primary {
					email = e.Email
					verified = e.Verified
					break
				}
			}
		}
	}

	display := profile.Name
	if display == "" {
		display = profile.Login
	}
	raw, _ := json.Marshal(profile)
	return &UserInfo{
		ProviderUserID: strconv.FormatInt(profile.ID, 10),
		Email:          email,
		EmailVerified:  verified,
		DisplayName:    display,
		Raw:            raw,
	}, nil
}

// Refresh implements [Provider].
func (g *GitHub) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return nil, ErrRefreshUnsupported
}

// RequiresTokenStorage implements [Provider].
func (g *GitHub) RequiresTokenStorage() bool { return g.config.StoreTokens }

// SupportsRefresh implements [Provider].
func (g *GitHub) SupportsRefresh() bool { return false }
