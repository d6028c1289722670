package authkeep

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voleyn/authkeep/seal"
)

const securityTokenBytes = 32

// generateOpaqueValue returns a cryptographically random URL-safe token
// value.
func generateOpaqueValue() (string, error) {
	raw := make([]byte, securityTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// newSecurityToken builds an unsaved single-use token row. Storing it via
// UpsertSecurityToken replaces any live token of the same type for the
// identity, so only the newest link or code is ever valid.
func (e *Engine) newSecurityToken(identityID string, typ SecurityTokenType, ttl time.Duration, payload string) (SecurityToken, error) {
	value, err := generateOpaqueValue()
	if err != nil {
		return SecurityToken{}, err
	}
	if typ == SecurityTokenAPIAccess {
		value = e.config.SecurityTokens.APIKeyPrefix + value
	}
	now := e.now()
	return SecurityToken{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Type:       typ,
		Value:      value,
		Payload:    payload,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}, nil
}

// IssueAPIKey mints a prefixed opaque API key for the identity, replacing
// any previously issued one. The key is returned exactly once; only its row
// is kept server-side.
func (e *Engine) IssueAPIKey(ctx context.Context, identityID string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	if _, err := e.store.GetIdentity(ctx, identityID); err != nil {
		return "", e.mapStoreErr(err)
	}
	tok, err := e.newSecurityToken(identityID, SecurityTokenAPIAccess, e.config.SecurityTokens.APIKeyTTL, "")
	if err != nil {
		return "", err
	}
	if err := e.store.UpsertSecurityToken(ctx, tok); err != nil {
		return "", e.mapStoreErr(err)
	}
	return tok.Value, nil
}

// ValidateAPIKey resolves an API key to its identity. Unlike the other
// security token types the row is validated repeatedly, not consumed; the
// last-used timestamp is refreshed on each hit.
func (e *Engine) ValidateAPIKey(ctx context.Context, key string) (*Identity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(key, e.config.SecurityTokens.APIKeyPrefix) {
		return nil, ErrAPIKeyInvalid
	}
	tok, err := e.store.GetSecurityToken(ctx, key, SecurityTokenAPIAccess)
	if err != nil {
		if errors.Is(err, ErrSecurityTokenInvalid) {
			return nil, ErrAPIKeyInvalid
		}
		return nil, e.mapStoreErr(err)
	}
	if e.now().After(tok.ExpiresAt) {
		return nil, ErrAPIKeyInvalid
	}
	identity, err := e.store.GetIdentity(ctx, tok.IdentityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrAPIKeyInvalid
		}
		return nil, e.mapStoreErr(err)
	}
	if identity.Status != IdentityActive {
		return nil, ErrAPIKeyInvalid
	}
	if err := e.store.TouchSecurityToken(ctx, tok.ID, e.now()); err != nil {
		e.logger.Warn("api key touch failed", zap.Error(err))
	}
	return identity, nil
}

// RevokeAPIKey deletes the identity's API key, if any.
func (e *Engine) RevokeAPIKey(ctx context.Context, identityID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.mapStoreErr(e.store.DeleteSecurityTokens(ctx, identityID, SecurityTokenAPIAccess))
}

// mapSealErr translates seal package failures into the public taxonomy.
func mapSealErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, seal.ErrKeyMissing):
		return ErrEncryptionKeyMissing
	}
	return ErrDecryptionFailed
}

// mapStoreErr normalizes store failures: recognized sentinel errors pass
// through, anything else is a backend failure.
func (e *Engine) mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrIdentityNotFound),
		errors.Is(err, ErrSecurityTokenInvalid),
		errors.Is(err, ErrEmailAlreadyInUse),
		errors.Is(err, ErrMFANotEnrolled),
		errors.Is(err, ErrConnectionNotFound),
		errors.Is(err, ErrPasswordReuse):
		return err
	}
	return errors.Join(ErrBackendUnavailable, err)
}
