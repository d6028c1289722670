// Package oauth defines the provider abstraction for the authorization-code
// flow: building redirect URLs, exchanging codes for tokens, fetching
// profiles, and refreshing expired tokens. Providers register in a [Registry]
// under a unique string identifier; the engine looks them up by that
// identifier and never knows concrete types.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

var (
	// ErrExchangeFailed is returned when the provider rejects a code or
	// refresh-token exchange.
	ErrExchangeFailed = errors.New("oauth: token exchange failed")
	// ErrRefreshUnsupported is returned by Refresh on providers whose tokens
	// cannot be renewed.
	ErrRefreshUnsupported = errors.New("oauth: refresh unsupported")
	// ErrDuplicateProvider is returned when a registry identifier is reused.
	ErrDuplicateProvider = errors.New("oauth: duplicate provider identifier")
)

// Token is a provider token set returned from an exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Expired reports whether the token's deadline has passed at now. Tokens
// without a deadline never expire.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// UserInfo is the provider profile used for identity resolution. Raw carries
// the undecoded payload for storage.
type UserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	DisplayName    string
	Raw            json.RawMessage
}

// Provider is the capability set every OAuth integration implements.
type Provider interface {
	// Name is the unique registry identifier.
	Name() string
	// AuthorizationURL builds the redirect URL carrying state.
	AuthorizationURL(state, redirectURI string) (string, error)
	// ExchangeCode swaps an authorization code for provider tokens.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error)
	// UserInfo fetches the profile for tok.
	UserInfo(ctx context.Context, tok *Token) (*UserInfo, error)
	// Refresh renews an expired token pair, or ErrRefreshUnsupported.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	// RequiresTokenStorage reports whether tokens must be persisted for
	// later API calls. Authentication-only providers return false and store
	// nothing.
	RequiresTokenStorage() bool
	// SupportsRefresh reports whether Refresh is usable.
	SupportsRefresh() bool
}

// Registry maps provider identifiers to implementations. Safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under p.Name(). Reusing an identifier is an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return errors.New("oauth: empty provider identifier")
	}
	if _, exists := r.providers[name]; exists {
		return ErrDuplicateProvider
	}
	r.providers[name] = p
	return nil
}

// Get looks up a provider by identifier.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}
