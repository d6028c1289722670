package authkeep

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Reauthorization scopes accepted by the step-up flows. A reauth token is
// bound to exactly one of these at issuance.
const (
	ScopeEmailChange    = "email:change"
	ScopeAccountDelete  = "account:delete"
	ScopePasswordChange = "password:change"
)

// Register creates an identity from primary credentials. The email starts
// unverified; a verification token is stored and dispatched to the notifier.
func (e *Engine) Register(ctx context.Context, input RegisterInput) (*Identity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}
	if err := e.checkPasswordPolicy(input.Password); err != nil {
		return nil, err
	}

	key := "ip:" + clientIPFromContext(ctx)
	if err := e.checkLimit(ctx, OpRegister, key); err != nil {
		return nil, err
	}
	if err := e.recordAttempt(ctx, OpRegister, key); err != nil {
		return nil, err
	}

	hash, err := e.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}
	identity, err := e.store.CreateIdentity(ctx, CreateIdentityInput{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(input.DisplayName),
		EmailStatus:  EmailUnverified,
		Status:       IdentityActive,
	})
	if err != nil {
		if errors.Is(err, ErrEmailAlreadyInUse) {
			e.metricInc(MetricRegisterDuplicate)
			return nil, ErrEmailAlreadyInUse
		}
		return nil, e.mapStoreErr(err)
	}

	if err := e.issueVerification(ctx, identity); err != nil {
		// The identity exists; the caller can re-request verification.
		e.logger.Warn("verification token issue failed", zap.Error(err))
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegister, identity.ID, true, nil, nil)
	return identity, nil
}

// issueVerification stores a fresh email-verification token and dispatches
// the notification. Any prior verification token is replaced.
func (e *Engine) issueVerification(ctx context.Context, identity *Identity) error {
	tok, err := e.newSecurityToken(identity.ID, SecurityTokenEmailVerification, e.config.SecurityTokens.VerificationTTL, "")
	if err != nil {
		return err
	}
	if err := e.store.UpsertSecurityToken(ctx, tok); err != nil {
		return e.mapStoreErr(err)
	}
	if err := e.store.SetEmailStatus(ctx, identity.ID, EmailPending); err != nil {
		return e.mapStoreErr(err)
	}
	email := identity.Email
	e.dispatchNotify("verification", func(ctx context.Context) error {
		return e.notifier.SendVerification(ctx, email, tok.Value)
	})
	return nil
}

// RequestAccountDeletion starts the deletion flow. It requires a fresh
// reauthorization token scoped to account deletion, then stores a single-use
// confirmation token and mails it to the account address.
func (e *Engine) RequestAccountDeletion(ctx context.Context, identityID, reauthToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	identity, err := e.requireReauth(ctx, identityID, reauthToken, ScopeAccountDelete)
	if err != nil {
		return err
	}

	key := "id:" + identityID
	if err := e.checkLimit(ctx, OpAccountDeletion, key); err != nil {
		return err
	}
	if err := e.recordAttempt(ctx, OpAccountDeletion, key); err != nil {
		return err
	}

	tok, err := e.newSecurityToken(identityID, SecurityTokenAccountDeletion, e.config.SecurityTokens.DeletionTTL, "")
	if err != nil {
		return err
	}
	if err := e.store.UpsertSecurityToken(ctx, tok); err != nil {
		return e.mapStoreErr(err)
	}
	email := identity.Email
	e.dispatchNotify("deletion_request", func(ctx context.Context) error {
		return e.notifier.SendDeletionRequest(ctx, email, tok.Value)
	})
	e.emitAudit(ctx, auditEventDeletionRequest, identityID, true, nil, nil)
	return nil
}

// ConfirmAccountDeletion consumes the deletion token and removes the
// identity. Consumption and deletion happen in one store transaction, so a
// replayed token finds nothing to act on.
func (e *Engine) ConfirmAccountDeletion(ctx context.Context, tokenValue string) error {
	if err := e.ready(); err != nil {
		return err
	}
	var deletedEmail string
	err := e.store.ConsumeSecurityToken(ctx, tokenValue, SecurityTokenAccountDeletion,
		func(ctx context.Context, tx IdentityMutator, tok *SecurityToken) error {
			identity, err := tx.GetIdentity(ctx, tok.IdentityID)
			if err != nil {
				return err
			}
			deletedEmail = identity.Email
			return tx.DeleteIdentity(ctx, tok.IdentityID)
		})
	if err != nil {
		if errors.Is(err, ErrSecurityTokenInvalid) {
			return ErrSecurityTokenInvalid
		}
		return e.mapStoreErr(err)
	}

	if deletedEmail != "" {
		email := deletedEmail
		e.dispatchNotify("deletion_confirmed", func(ctx context.Context) error {
			return e.notifier.SendDeletionConfirmed(ctx, email)
		})
	}
	e.metricInc(MetricDeletionConfirmed)
	e.emitAudit(ctx, auditEventDeletionConfirm, "", true, nil, nil)
	return nil
}

// SetIdentityStatus moves the identity between active and disabled. Disabling
// also bumps the session version, so outstanding tokens die immediately.
func (e *Engine) SetIdentityStatus(ctx context.Context, identityID string, status IdentityStatus) error {
	if err := e.ready(); err != nil {
		return err
	}
	if status == IdentityDeleted {
		return fmt.Errorf("%w: deletion goes through the confirmation flow", ErrValidation)
	}
	if err := e.store.SetStatus(ctx, identityID, status); err != nil {
		return e.mapStoreErr(err)
	}
	if status == IdentityDisabled {
		if _, err := e.store.BumpSessionVersion(ctx, identityID); err != nil {
			return e.mapStoreErr(err)
		}
	}
	return nil
}

func (e *Engine) checkPasswordPolicy(pass string) error {
	if utf8.RuneCountInString(pass) < e.config.Password.MinLength {
		return fmt.Errorf("%w: password shorter than %d characters", ErrValidation, e.config.Password.MinLength)
	}
	if len(pass) > 512 {
		return fmt.Errorf("%w: password too long", ErrValidation)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	return email, nil
}
