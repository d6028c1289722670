package authkeep

import (
	"context"
	"errors"
)

// RequestEmailVerification stores a fresh verification token for the
// identity's current address, replacing any outstanding one, and dispatches
// it. Already-verified addresses are a no-op.
func (e *Engine) RequestEmailVerification(ctx context.Context, identityID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	key := "id:" + identityID
	if err := e.checkLimit(ctx, OpEmailVerification, key); err != nil {
		return err
	}
	if err := e.recordAttempt(ctx, OpEmailVerification, key); err != nil {
		return err
	}

	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return e.mapStoreErr(err)
	}
	if identity.Status != IdentityActive {
		return ErrIdentityDisabled
	}
	if identity.EmailStatus == EmailVerified {
		return nil
	}
	return e.issueVerification(ctx, identity)
}

// ConfirmEmailVerification consumes the verification token and marks the
// address verified.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, tokenValue string) error {
	if err := e.ready(); err != nil {
		return err
	}
	var verifiedID string
	err := e.store.ConsumeSecurityToken(ctx, tokenValue, SecurityTokenEmailVerification,
		func(ctx context.Context, tx IdentityMutator, tok *SecurityToken) error {
			verifiedID = tok.IdentityID
			return tx.SetEmailStatus(ctx, tok.IdentityID, EmailVerified)
		})
	if err != nil {
		if errors.Is(err, ErrSecurityTokenInvalid) {
			return ErrSecurityTokenInvalid
		}
		return e.mapStoreErr(err)
	}
	e.metricInc(MetricEmailVerified)
	e.emitAudit(ctx, auditEventEmailVerify, verifiedID, true, nil, nil)
	return nil
}

// RequestEmailChange starts an address change. It requires a step-up token
// scoped to email changes, stores a confirmation token whose payload is the
// new address, mails the confirmation link to the NEW address, and notifies
// the old one.
func (e *Engine) RequestEmailChange(ctx context.Context, identityID, newEmail, reauthToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	identity, err := e.requireReauth(ctx, identityID, reauthToken, ScopeEmailChange)
	if err != nil {
		return err
	}
	newEmail, err = normalizeEmail(newEmail)
	if err != nil {
		return err
	}
	if newEmail == identity.Email {
		return errors.Join(ErrValidation, errors.New("new address equals current address"))
	}

	key := "id:" + identityID
	if err := e.checkLimit(ctx, OpEmailChange, key); err != nil {
		return err
	}
	if err := e.recordAttempt(ctx, OpEmailChange, key); err != nil {
		return err
	}

	// Early duplicate check for a friendly error; the store enforces
	// uniqueness again at confirmation time.
	if _, err := e.store.GetIdentityByEmail(ctx, newEmail); err == nil {
		return ErrEmailAlreadyInUse
	} else if !errors.Is(err, ErrIdentityNotFound) {
		return e.mapStoreErr(err)
	}

	tok, err := e.newSecurityToken(identityID, SecurityTokenEmailChange, e.config.SecurityTokens.EmailChangeTTL, newEmail)
	if err != nil {
		return err
	}
	if err := e.store.UpsertSecurityToken(ctx, tok); err != nil {
		return e.mapStoreErr(err)
	}

	oldEmail := identity.Email
	e.dispatchNotify("email_change_confirm", func(ctx context.Context) error {
		return e.notifier.SendEmailChangeConfirm(ctx, newEmail, tok.Value)
	})
	e.dispatchNotify("email_change_notice", func(ctx context.Context) error {
		return e.notifier.SendEmailChangeNotice(ctx, oldEmail)
	})
	e.emitAudit(ctx, auditEventEmailChange, identityID, true, nil, func() map[string]string {
		return map[string]string{"stage": "requested"}
	})
	return nil
}

// ConfirmEmailChange consumes the change token and installs the new address
// carried in its payload. The address flips to verified (possession of the
// token proves it) and the session version is bumped, logging out every
// device.
func (e *Engine) ConfirmEmailChange(ctx context.Context, tokenValue string) error {
	if err := e.ready(); err != nil {
		return err
	}
	var changedID string
	err := e.store.ConsumeSecurityToken(ctx, tokenValue, SecurityTokenEmailChange,
		func(ctx context.Context, tx IdentityMutator, tok *SecurityToken) error {
			if tok.Payload == "" {
				return ErrSecurityTokenInvalid
			}
			if err := tx.UpdateEmail(ctx, tok.IdentityID, tok.Payload, EmailVerified); err != nil {
				return err
			}
			if _, err := tx.BumpSessionVersion(ctx, tok.IdentityID); err != nil {
				return err
			}
			changedID = tok.IdentityID
			return nil
		})
	if err != nil {
		switch {
		case errors.Is(err, ErrSecurityTokenInvalid), errors.Is(err, ErrEmailAlreadyInUse):
			return err
		}
		return e.mapStoreErr(err)
	}
	e.metricInc(MetricEmailChanged)
	e.emitAudit(ctx, auditEventEmailChange, changedID, true, nil, func() map[string]string {
		return map[string]string{"stage": "confirmed"}
	})
	return nil
}
