package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	googleAuthEndpoint     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenEndpoint    = "https://oauth2.googleapis.com/token"
	googleUserInfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"
)

// GoogleConfig configures the Google provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// Scopes defaults to openid/email/profile.
	Scopes []string
	// StoreTokens marks the provider as needing token-at-rest storage for
	// later API calls. Leave false for sign-in-only deployments; nothing is
	// persisted then and no encryption key is required.
	StoreTokens bool
	// HTTPClient overrides the default 10s-timeout client.
	HTTPClient *http.Client
	// now is injected by tests.
	now func() time.Time
}

// Google implements [Provider] against Google's OAuth2/OIDC endpoints.
type Google struct {
	config GoogleConfig
	client *http.Client
}

// NewGoogle returns a Google [Provider].
func NewGoogle(cfg GoogleConfig) *Google {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	return &Google{config: cfg, client: defaultHTTPClient(cfg.HTTPClient)}
}

// Name implements [Provider].
func (g *Google) Name() string { return "google" }

// AuthorizationURL implements [Provider]. Offline access is requested only
// when tokens are stored, since that is what produces a refresh token.
func (g *Google) AuthorizationURL(state, redirectURI string) (string, error) {
	v := url.Values{}
	v.Set("client_id", g.config.ClientID)
	v.Set("redirect_uri", redirectURI)
	v.Set("response_type", "code")
	v.Set("scope", strings.Join(g.config.Scopes, " "))
	v.Set("state", state)
	if g.config.StoreTokens {
		v.Set("access_type", "offline")
		v.Set("prompt", "consent")
	}
	return googleAuthEndpoint + "?" + v.Encode(), nil
}

// ExchangeCode implements [Provider].
func (g *Google) ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", g.config.ClientID)
	form.Set("client_secret", g.config.ClientSecret)
	form.Set("redirect_uri", redirectURI)
	return postTokenForm(ctx, g.client, googleTokenEndpoint, form, g.config.now)
}

// UserInfo implements [Provider] via the OIDC userinfo endpoint.
func (g *Google) UserInfo(ctx context.Context, tok *Token) (*UserInfo, error) {
	var profile struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := getJSON(ctx, g.client, googleUserInfoEndpoint, tok.AccessToken, &profile); err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(profile)
	return &UserInfo{
		ProviderUserID: profile.Sub,
		Email:          profile.Email,
		EmailVerified:  profile.EmailVerified,
		DisplayName:    profile.Name,
		Raw:            raw,
	}, nil
}

// Refresh implements [Provider].
func (g *Google) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", g.config.ClientID)
	form.Set("client_secret", g.config.ClientSecret)

	tok, err := postTokenForm(ctx, g.client, googleTokenEndpoint, form, g.config.now)
	if err != nil {
		return nil, err
	}
	// Google omits the refresh token on renewal; keep using the old one.
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// RequiresTokenStorage implements [Provider].
func (g *Google) RequiresTokenStorage() bool { return g.config.StoreTokens }

// SupportsRefresh implements [Provider].
func (g *Google) SupportsRefresh() bool { return true }
