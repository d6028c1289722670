package authkeep

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ProvisionTOTP generates a fresh shared secret for the identity and stores
// it unconfirmed. The plaintext secret and otpauth:// URI are returned
// exactly once for QR-code display; login challenges ignore the enrollment
// until [Engine.ConfirmTOTP] proves the authenticator works.
//
// Re-provisioning replaces an unconfirmed enrollment. A confirmed one must
// be disabled first.
func (e *Engine) ProvisionTOTP(ctx context.Context, identityID string) (*TOTPEnrollment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}
	if identity.Status != IdentityActive {
		return nil, ErrIdentityDisabled
	}
	if existing, err := e.store.GetTOTP(ctx, identityID); err == nil && existing.Confirmed {
		return nil, fmt.Errorf("%w: totp already enrolled", ErrValidation)
	} else if err != nil && !errors.Is(err, ErrMFANotEnrolled) {
		return nil, e.mapStoreErr(err)
	}

	_, secretB32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := e.sealer.Seal(secretB32)
	if err != nil {
		return nil, mapSealErr(err)
	}
	rec := &TOTPRecord{
		IdentityID: identityID,
		Secret:     sealed,
		Algorithm:  e.config.TOTP.Algorithm,
		Digits:     e.config.TOTP.Digits,
		Period:     e.config.TOTP.Period,
	}
	if err := e.store.SaveTOTP(ctx, rec); err != nil {
		return nil, e.mapStoreErr(err)
	}
	return &TOTPEnrollment{
		SecretBase32: secretB32,
		URI:          e.totp.ProvisionURI(secretB32, identity.Email),
	}, nil
}

// ConfirmTOTP verifies one code against the pending enrollment, activates
// it, and returns a fresh set of plaintext backup codes. The codes are shown
// once; only their hashes are kept.
func (e *Engine) ConfirmTOTP(ctx context.Context, identityID, code string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	key := "id:" + identityID
	if err := e.checkLimit(ctx, OpMFAVerify, key); err != nil {
		return nil, err
	}
	if err := e.recordAttempt(ctx, OpMFAVerify, key); err != nil {
		return nil, err
	}

	rec, err := e.store.GetTOTP(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrMFANotEnrolled) {
			return nil, ErrMFANotEnrolled
		}
		return nil, e.mapStoreErr(err)
	}
	if rec.Confirmed {
		return nil, fmt.Errorf("%w: totp already confirmed", ErrValidation)
	}

	secret, err := e.openTOTPSecret(rec)
	if err != nil {
		return nil, err
	}
	ok, step, err := e.totp.VerifyCode(secret, code, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMFACodeInvalid
	}

	rec.Confirmed = true
	rec.UsageCount++
	rec.LastUsedStep = step
	rec.LastUsedAt = e.now()
	if err := e.store.SaveTOTP(ctx, rec); err != nil {
		return nil, e.mapStoreErr(err)
	}

	codes, err := e.resetBackupCodes(ctx, identityID)
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, auditEventMFAEnrolled, identityID, true, nil, nil)
	return codes, nil
}

// DisableTOTP removes the enrollment and all backup codes. It requires a
// step-up token scoped to password changes: losing a phone is exactly the
// situation where an attacker with a stolen session would love this call.
func (e *Engine) DisableTOTP(ctx context.Context, identityID, reauthToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.requireReauth(ctx, identityID, reauthToken, ScopePasswordChange); err != nil {
		return err
	}
	if err := e.store.DeleteTOTP(ctx, identityID); err != nil {
		return e.mapStoreErr(err)
	}
	if err := e.store.ReplaceBackupCodes(ctx, identityID, nil); err != nil {
		return e.mapStoreErr(err)
	}
	e.emitAudit(ctx, auditEventMFADisabled, identityID, true, nil, nil)
	return nil
}

// RegenerateBackupCodes replaces the identity's backup codes with a fresh
// set and returns the plaintexts once. Requires a confirmed TOTP enrollment.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rec, err := e.store.GetTOTP(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrMFANotEnrolled) {
			return nil, ErrMFANotEnrolled
		}
		return nil, e.mapStoreErr(err)
	}
	if !rec.Confirmed {
		return nil, ErrMFANotEnrolled
	}
	codes, err := e.resetBackupCodes(ctx, identityID)
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, auditEventBackupCodesReset, identityID, true, nil, nil)
	return codes, nil
}

// BackupCodeCount reports how many unused backup codes remain.
func (e *Engine) BackupCodeCount(ctx context.Context, identityID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	codes, err := e.store.GetBackupCodes(ctx, identityID)
	if err != nil {
		return 0, e.mapStoreErr(err)
	}
	return countUnused(codes), nil
}

func (e *Engine) resetBackupCodes(ctx context.Context, identityID string) ([]string, error) {
	plaintexts, records, err := generateBackupCodes(e.config.MFA.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, identityID, records); err != nil {
		return nil, e.mapStoreErr(err)
	}
	return plaintexts, nil
}

// backupCodeAlphabet avoids ambiguous characters (0/O, 1/I/L).
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// generateBackupCodes produces n codes in XXXXX-XXXXX form together with
// their hash records.
func generateBackupCodes(n int) ([]string, []BackupCodeRecord, error) {
	plaintexts := make([]string, 0, n)
	records := make([]BackupCodeRecord, 0, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, 10)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		buf := make([]byte, 0, 11)
		for j, b := range raw {
			if j == 5 {
				buf = append(buf, '-')
			}
			buf = append(buf, backupCodeAlphabet[int(b)%len(backupCodeAlphabet)])
		}
		code := string(buf)
		plaintexts = append(plaintexts, code)
		records = append(records, BackupCodeRecord{Hash: sha256.Sum256([]byte(code[:5] + code[6:]))})
	}
	return plaintexts, records, nil
}
