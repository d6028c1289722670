package authkeep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voleyn/authkeep/oauth"
)

// AuthorizationURL starts the authorization-code flow: it generates a CSRF
// state value bound to the provider and redirect URI, stores it with the
// configured TTL, and returns the provider redirect URL. When the flow is
// started by a logged-in identity wanting to link an additional provider,
// pass its id as linkIdentityID; pass "" for plain sign-in.
//
// Providers that require token storage fail closed with
// [ErrEncryptionRequired] when no encryption key is configured, before any
// redirect happens.
func (e *Engine) AuthorizationURL(ctx context.Context, provider, redirectURI, linkIdentityID string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	p, ok := e.providers.Get(provider)
	if !ok {
		return "", ErrProviderNotFound
	}
	if p.RequiresTokenStorage() && !e.sealer.Enabled() {
		return "", ErrEncryptionRequired
	}

	state, err := e.stateStore.Create(ctx, &oauthState{
		Provider:       provider,
		RedirectURI:    redirectURI,
		LinkIdentityID: linkIdentityID,
	}, e.config.OAuth.StateTTL)
	if err != nil {
		return "", errors.Join(ErrBackendUnavailable, err)
	}

	url, err := p.AuthorizationURL(state, redirectURI)
	if err != nil {
		return "", err
	}
	e.emitAudit(ctx, auditEventOAuthStart, linkIdentityID, true, nil, func() map[string]string {
		return map[string]string{"provider": provider}
	})
	return url, nil
}

// HandleOAuthCallback consumes the state, exchanges the code, fetches the
// provider profile, and resolves it to an identity in priority order:
//
//  1. an existing connection for (provider, provider user id)
//  2. the identity that started the flow, when it was a link request
//  3. an existing identity whose verified email matches the profile's
//     verified email
//  4. a newly created password-less identity
//
// The state value is single-use: a replayed callback fails with
// [ErrInvalidOAuthState] before any provider call is made. Like Login, the
// result switches to a pending MFA challenge when the resolved identity has
// a confirmed enrollment.
func (e *Engine) HandleOAuthCallback(ctx context.Context, creds OAuthCredentials) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	key := "ip:" + clientIPFromContext(ctx)
	if err := e.checkLimit(ctx, OpOAuthCallback, key); err != nil {
		return nil, err
	}
	if err := e.recordAttempt(ctx, OpOAuthCallback, key); err != nil {
		return nil, err
	}

	record, err := e.stateStore.Consume(ctx, creds.State)
	if err != nil {
		if errors.Is(err, errOAuthStateNotFound) {
			e.metricInc(MetricOAuthStateInvalid)
			e.emitAudit(ctx, auditEventOAuthCallback, "", false, ErrInvalidOAuthState, nil)
			return nil, ErrInvalidOAuthState
		}
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	if record.Provider != creds.Provider {
		e.metricInc(MetricOAuthStateInvalid)
		return nil, ErrInvalidOAuthState
	}

	p, ok := e.providers.Get(creds.Provider)
	if !ok {
		return nil, ErrProviderNotFound
	}
	if p.RequiresTokenStorage() && !e.sealer.Enabled() {
		// Fail before the exchange: no provider tokens are obtained, no
		// identity or connection is created.
		return nil, ErrEncryptionRequired
	}

	tok, err := p.ExchangeCode(ctx, creds.Code, record.RedirectURI)
	if err != nil {
		e.metricInc(MetricOAuthCallbackFailure)
		e.emitAudit(ctx, auditEventOAuthCallback, "", false, err, nil)
		return nil, err
	}
	info, err := p.UserInfo(ctx, tok)
	if err != nil {
		e.metricInc(MetricOAuthCallbackFailure)
		return nil, err
	}

	identity, err := e.resolveOAuthIdentity(ctx, record, info)
	if err != nil {
		e.metricInc(MetricOAuthCallbackFailure)
		e.emitAudit(ctx, auditEventOAuthCallback, "", false, err, nil)
		return nil, err
	}
	switch identity.Status {
	case IdentityDisabled:
		return nil, ErrIdentityDisabled
	case IdentityDeleted:
		return nil, ErrInvalidCredentials
	}

	if err := e.saveConnection(ctx, p, identity.ID, info, tok); err != nil {
		return nil, err
	}

	e.metricInc(MetricOAuthCallbackSuccess)
	e.emitAudit(ctx, auditEventOAuthCallback, identity.ID, true, nil, func() map[string]string {
		return map[string]string{"provider": creds.Provider}
	})

	methods, err := e.enrolledMethods(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if len(methods) > 0 {
		result, err := e.beginMFAChallenge(ctx, identity, methods)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricMFARequired)
		return result, nil
	}
	return e.completeLogin(ctx, identity, nil)
}

func (e *Engine) resolveOAuthIdentity(ctx context.Context, state *oauthState, info *oauth.UserInfo) (*Identity, error) {
	conn, err := e.store.GetConnection(ctx, state.Provider, info.ProviderUserID)
	if err != nil && !errors.Is(err, ErrConnectionNotFound) {
		return nil, e.mapStoreErr(err)
	}

	if state.LinkIdentityID != "" {
		if conn != nil && conn.IdentityID != state.LinkIdentityID {
			return nil, ErrConnectionConflict
		}
		identity, err := e.store.GetIdentity(ctx, state.LinkIdentityID)
		if err != nil {
			return nil, e.mapStoreErr(err)
		}
		return identity, nil
	}

	if conn != nil {
		identity, err := e.store.GetIdentity(ctx, conn.IdentityID)
		if err != nil {
			return nil, e.mapStoreErr(err)
		}
		return identity, nil
	}

	// No connection yet: try to attach to an existing identity by verified
	// email. An unverified provider email never links to an existing account,
	// only creates a fresh one.
	if info.Email != "" && info.EmailVerified {
		identity, err := e.store.GetIdentityByEmail(ctx, info.Email)
		switch {
		case err == nil:
			return identity, nil
		case !errors.Is(err, ErrIdentityNotFound):
			return nil, e.mapStoreErr(err)
		}
	}

	status := EmailUnverified
	if info.EmailVerified {
		status = EmailVerified
	}
	identity, err := e.store.CreateIdentity(ctx, CreateIdentityInput{
		Email:       info.Email,
		DisplayName: info.DisplayName,
		EmailStatus: status,
		Status:      IdentityActive,
	})
	if err != nil {
		return nil, e.mapStoreErr(err)
	}
	return identity, nil
}

// saveConnection upserts the provider link. Token material is sealed before
// it touches the store, and only kept at all for providers that need it for
// later API calls.
func (e *Engine) saveConnection(ctx context.Context, p oauth.Provider, identityID string, info *oauth.UserInfo, tok *oauth.Token) error {
	conn := &OAuthConnection{
		IdentityID:     identityID,
		Provider:       p.Name(),
		ProviderUserID: info.ProviderUserID,
		RawProfile:     info.Raw,
	}
	if p.RequiresTokenStorage() {
		sealed, err := e.sealer.Seal(tok.AccessToken)
		if err != nil {
			return mapSealErr(err)
		}
		conn.AccessToken = sealed
		if tok.RefreshToken != "" {
			if sealed, err = e.sealer.Seal(tok.RefreshToken); err != nil {
				return mapSealErr(err)
			}
			conn.RefreshToken = sealed
		}
		conn.ExpiresAt = tok.ExpiresAt
		conn.Scopes = tok.Scopes
	}
	if err := e.store.UpsertConnection(ctx, conn); err != nil {
		return e.mapStoreErr(err)
	}
	// A token refresh may be cached from a previous link of the same account.
	e.providerTokens.Delete(providerTokenCacheKey(identityID, p.Name()))
	return nil
}

// ProviderToken returns a live provider access token for the identity's
// connection, refreshing through the provider when the stored one has
// expired. Decrypted tokens are cached in-process, and concurrent refreshes
// of the same connection collapse into a single upstream call.
func (e *Engine) ProviderToken(ctx context.Context, identityID, provider string) (*oauth.Token, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	p, ok := e.providers.Get(provider)
	if !ok {
		return nil, ErrProviderNotFound
	}

	cacheKey := providerTokenCacheKey(identityID, provider)
	if cached, ok := e.providerTokens.Get(cacheKey); ok {
		if tok, ok := cached.(*oauth.Token); ok && !tok.Expired(e.now()) {
			return tok, nil
		}
	}

	tok, err := e.loadConnectionToken(ctx, identityID, provider)
	if err != nil {
		return nil, err
	}
	if !tok.Expired(e.now()) {
		e.providerTokens.Set(cacheKey, tok, e.config.OAuth.TokenCacheTTL)
		return tok, nil
	}
	if !p.SupportsRefresh() || tok.RefreshToken == "" {
		return nil, ErrProviderTokenExpired
	}

	refreshed, err, _ := e.refreshGroup.Do(cacheKey, func() (any, error) {
		// Re-read under the flight: a concurrent caller may have refreshed
		// and persisted already.
		current, err := e.loadConnectionToken(ctx, identityID, provider)
		if err != nil {
			return nil, err
		}
		if !current.Expired(e.now()) {
			return current, nil
		}
		fresh, err := p.Refresh(ctx, current.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderTokenExpired, err)
		}
		if err := e.persistRefreshedToken(ctx, identityID, provider, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	tok = refreshed.(*oauth.Token)
	e.providerTokens.Set(cacheKey, tok, e.config.OAuth.TokenCacheTTL)
	return tok, nil
}

func (e *Engine) loadConnectionToken(ctx context.Context, identityID, provider string) (*oauth.Token, error) {
	conn, err := e.store.GetIdentityConnection(ctx, identityID, provider)
	if err != nil {
		if errors.Is(err, ErrConnectionNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, e.mapStoreErr(err)
	}
	if conn.AccessToken == "" {
		// Authentication-only provider; nothing was stored.
		return nil, ErrConnectionNotFound
	}
	access, err := e.sealer.Open(conn.AccessToken)
	if err != nil {
		return nil, mapSealErr(err)
	}
	tok := &oauth.Token{
		AccessToken: access,
		ExpiresAt:   conn.ExpiresAt,
		Scopes:      conn.Scopes,
	}
	if conn.RefreshToken != "" {
		if tok.RefreshToken, err = e.sealer.Open(conn.RefreshToken); err != nil {
			return nil, mapSealErr(err)
		}
	}
	return tok, nil
}

func (e *Engine) persistRefreshedToken(ctx context.Context, identityID, provider string, tok *oauth.Token) error {
	conn, err := e.store.GetIdentityConnection(ctx, identityID, provider)
	if err != nil {
		return e.mapStoreErr(err)
	}
	if conn.AccessToken, err = e.sealer.Seal(tok.AccessToken); err != nil {
		return mapSealErr(err)
	}
	if tok.RefreshToken != "" {
		if conn.RefreshToken, err = e.sealer.Seal(tok.RefreshToken); err != nil {
			return mapSealErr(err)
		}
	}
	conn.ExpiresAt = tok.ExpiresAt
	if len(tok.Scopes) > 0 {
		conn.Scopes = tok.Scopes
	}
	return e.mapStoreErr(e.store.UpsertConnection(ctx, conn))
}

func providerTokenCacheKey(identityID, provider string) string {
	return identityID + "|" + provider
}

// Providers returns the registered provider identifiers.
func (e *Engine) Providers() []string {
	if e == nil || e.providers == nil {
		return nil
	}
	return e.providers.Names()
}

// providerTokenCacheSweep is the janitor interval for the in-process token
// cache.
const providerTokenCacheSweep = 10 * time.Minute
