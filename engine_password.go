package authkeep

import (
	"context"
	"errors"

	"github.com/voleyn/authkeep/token"
)

// Reauthorize re-checks the identity's password and issues a short-lived
// step-up token bound to a single scope. High-sensitivity operations demand
// one of these on top of a valid access token.
func (e *Engine) Reauthorize(ctx context.Context, identityID, pass, scope string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	key := "id:" + identityID
	if err := e.checkLimit(ctx, OpLogin, key); err != nil {
		return "", err
	}
	if err := e.recordAttempt(ctx, OpLogin, key); err != nil {
		return "", err
	}

	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return "", e.mapStoreErr(err)
	}
	if identity.Status != IdentityActive || identity.PasswordHash == "" {
		return "", ErrInvalidCredentials
	}
	ok, err := e.hasher.Verify(pass, identity.PasswordHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	e.recordSuccess(ctx, OpLogin, key)
	return e.tokens.IssueReauth(identity.ID, identity.SessionVersion, scope)
}

// requireReauth validates a step-up token for identityID and scope and
// returns the current identity. Every mismatch collapses into
// [ErrReauthorizationRequired]: the caller learns only that a fresh
// reauthorization is needed.
func (e *Engine) requireReauth(ctx context.Context, identityID, reauthToken, scope string) (*Identity, error) {
	claims, err := e.tokens.Verify(reauthToken, token.TypeReauth)
	if err != nil {
		return nil, ErrReauthorizationRequired
	}
	if claims.Subject != identityID || claims.Scope != scope {
		return nil, ErrReauthorizationRequired
	}
	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrReauthorizationRequired
		}
		return nil, e.mapStoreErr(err)
	}
	if identity.Status != IdentityActive || identity.SessionVersion != claims.SessionVersion {
		return nil, ErrReauthorizationRequired
	}
	return identity, nil
}

// ChangePassword verifies the current password, installs the new one, and
// bumps the session version so every outstanding token dies. It returns a
// fresh pair bound to the new version so the current device stays logged in.
func (e *Engine) ChangePassword(ctx context.Context, identityID, oldPass, newPass string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.checkPasswordPolicy(newPass); err != nil {
		return nil, err
	}
	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}
	if identity.Status != IdentityActive {
		return nil, ErrIdentityDisabled
	}
	if identity.PasswordHash != "" {
		ok, err := e.hasher.Verify(oldPass, identity.PasswordHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidCredentials
		}
		same, err := e.hasher.Verify(newPass, identity.PasswordHash)
		if err != nil {
			return nil, err
		}
		if same {
			return nil, ErrPasswordReuse
		}
	}

	hash, err := e.hasher.Hash(newPass)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdatePasswordHash(ctx, identityID, hash); err != nil {
		return nil, e.mapStoreErr(err)
	}
	version, err := e.store.BumpSessionVersion(ctx, identityID)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}

	email := identity.Email
	e.dispatchNotify("password_changed", func(ctx context.Context) error {
		return e.notifier.SendPasswordChanged(ctx, email)
	})
	e.metricInc(MetricPasswordChange)
	e.emitAudit(ctx, auditEventPasswordChange, identityID, true, nil, nil)

	return e.issuePair(identity.ID, identity.Email, version)
}

// RequestPasswordReset stores a single-use reset token for the address and
// dispatches it. The call is deliberately indistinguishable for known and
// unknown addresses: both return nil after comparable work, so it cannot be
// used to probe which emails have accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if err := e.ready(); err != nil {
		return err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	for _, key := range limiterKeys(email, clientIPFromContext(ctx)) {
		if err := e.checkLimit(ctx, OpPasswordReset, key); err != nil {
			return err
		}
		if err := e.recordAttempt(ctx, OpPasswordReset, key); err != nil {
			return err
		}
	}
	e.metricInc(MetricPasswordResetRequest)

	identity, err := e.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			e.hasher.DummyVerify(email)
			return nil
		}
		return e.mapStoreErr(err)
	}
	if identity.Status != IdentityActive {
		return nil
	}

	tok, err := e.newSecurityToken(identity.ID, SecurityTokenPasswordReset, e.config.SecurityTokens.ResetTTL, "")
	if err != nil {
		return err
	}
	if err := e.store.UpsertSecurityToken(ctx, tok); err != nil {
		return e.mapStoreErr(err)
	}
	e.dispatchNotify("password_reset", func(ctx context.Context) error {
		return e.notifier.SendPasswordReset(ctx, email, tok.Value)
	})
	e.emitAudit(ctx, auditEventPasswordResetRequest, identity.ID, true, nil, nil)
	return nil
}

// ConfirmPasswordReset consumes the reset token, installs the new password,
// and bumps the session version, all in one store transaction. A second
// confirmation with the same token fails with [ErrSecurityTokenInvalid].
func (e *Engine) ConfirmPasswordReset(ctx context.Context, tokenValue, newPass string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.checkPasswordPolicy(newPass); err != nil {
		return err
	}

	var resetEmail, resetIdentityID string
	err := e.store.ConsumeSecurityToken(ctx, tokenValue, SecurityTokenPasswordReset,
		func(ctx context.Context, tx IdentityMutator, tok *SecurityToken) error {
			identity, err := tx.GetIdentity(ctx, tok.IdentityID)
			if err != nil {
				return err
			}
			if identity.PasswordHash != "" {
				same, err := e.hasher.Verify(newPass, identity.PasswordHash)
				if err != nil {
					return err
				}
				if same {
					return ErrPasswordReuse
				}
			}
			hash, err := e.hasher.Hash(newPass)
			if err != nil {
				return err
			}
			if err := tx.UpdatePasswordHash(ctx, tok.IdentityID, hash); err != nil {
				return err
			}
			if _, err := tx.BumpSessionVersion(ctx, tok.IdentityID); err != nil {
				return err
			}
			resetEmail = identity.Email
			resetIdentityID = identity.ID
			return nil
		})
	if err != nil {
		switch {
		case errors.Is(err, ErrSecurityTokenInvalid), errors.Is(err, ErrPasswordReuse):
			return err
		}
		return e.mapStoreErr(err)
	}

	email := resetEmail
	e.dispatchNotify("password_changed", func(ctx context.Context) error {
		return e.notifier.SendPasswordChanged(ctx, email)
	})
	e.metricInc(MetricPasswordResetConfirm)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, resetIdentityID, true, nil, nil)
	return nil
}

func (e *Engine) issuePair(identityID, email string, sessionVersion uint64) (*TokenPair, error) {
	access, err := e.tokens.IssueAccess(identityID, email, sessionVersion)
	if err != nil {
		return nil, err
	}
	refresh, err := e.tokens.IssueRefresh(identityID, sessionVersion)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
