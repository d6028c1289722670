package authkeep

import (
	"context"
	"errors"

	"github.com/voleyn/authkeep/token"
)

// Refresh verifies a refresh token and mints a new access token. The refresh
// token itself is returned unchanged: refresh tokens are not rotated, and
// revocation happens through the session version, never per token.
//
// A refresh token whose embedded session version trails the identity's
// current one fails with [ErrSessionInvalidated]; the client must log in
// again.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	claims, err := e.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	key := "id:" + claims.Subject
	if err := e.checkLimit(ctx, OpRefresh, key); err != nil {
		return nil, err
	}
	if err := e.recordAttempt(ctx, OpRefresh, key); err != nil {
		return nil, err
	}

	identity, err := e.store.GetIdentity(ctx, claims.Subject)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, e.mapStoreErr(err)
	}
	switch identity.Status {
	case IdentityDisabled:
		e.metricInc(MetricRefreshFailure)
		return nil, ErrIdentityDisabled
	case IdentityDeleted:
		e.metricInc(MetricRefreshFailure)
		return nil, ErrInvalidToken
	}

	if claims.SessionVersion != identity.SessionVersion {
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventRefresh, identity.ID, false, ErrSessionInvalidated, nil)
		return nil, ErrSessionInvalidated
	}

	access, err := e.tokens.IssueAccess(identity.ID, identity.Email, identity.SessionVersion)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefresh, identity.ID, true, nil, nil)
	return &TokenPair{AccessToken: access, RefreshToken: refreshToken}, nil
}

// VerifyAccess validates an access token and checks its session-version
// snapshot against the identity's current value. This is the hook HTTP
// middleware calls per request; a stale snapshot means the session was
// revoked.
func (e *Engine) VerifyAccess(ctx context.Context, accessToken string) (*Identity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	claims, err := e.tokens.Verify(token.TrimBearer(accessToken), token.TypeAccess)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	identity, err := e.store.GetIdentity(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, e.mapStoreErr(err)
	}
	if identity.Status != IdentityActive {
		return nil, ErrIdentityDisabled
	}
	if claims.SessionVersion != identity.SessionVersion {
		return nil, ErrSessionInvalidated
	}
	return identity, nil
}

// Logout records a single-device logout. Tokens are stateless, so the server
// keeps nothing to delete; the client discards its pair and this call exists
// for the audit trail. It succeeds even when the identity no longer exists.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	claims, err := e.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, claims.Subject, true, nil, nil)
	return nil
}

// LogoutAll revokes every outstanding token for the identity by bumping its
// session version. Access tokens issued before the bump keep working until
// their short expiry unless the caller routes requests through
// [Engine.VerifyAccess].
func (e *Engine) LogoutAll(ctx context.Context, identityID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.store.BumpSessionVersion(ctx, identityID); err != nil {
		return e.mapStoreErr(err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, identityID, true, nil, nil)
	return nil
}
