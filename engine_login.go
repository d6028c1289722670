package authkeep

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/voleyn/authkeep/token"
)

// MFA method identifiers carried in challenge state and accepted by
// [Engine.VerifyMFA].
const (
	MFAMethodTOTP   = "totp"
	MFAMethodBackup = "backup"
)

// Login authenticates primary credentials. When the identity has a confirmed
// TOTP enrollment the result has MFARequired set and carries an MFA session
// token instead of the final pair; complete the login with [Engine.VerifyMFA].
//
// The login attempt is recorded against the rate limiter before credentials
// are checked, so aborted attempts still consume budget.
func (e *Engine) Login(ctx context.Context, email, pass string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	keys := limiterKeys(email, clientIPFromContext(ctx))

	for _, key := range keys {
		if err := e.checkLimit(ctx, OpLogin, key); err != nil {
			if errors.Is(err, ErrRateLimited) {
				e.metricInc(MetricLoginRateLimited)
				e.emitAudit(ctx, auditEventLoginRateLimited, "", false, ErrRateLimited, nil)
			}
			return nil, err
		}
	}
	for _, key := range keys {
		if err := e.recordAttempt(ctx, OpLogin, key); err != nil {
			return nil, err
		}
	}

	identity, err := e.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			// Burn a hash anyway so unknown emails cost the same.
			e.hasher.DummyVerify(pass)
			e.loginFailed(ctx, "", ErrInvalidCredentials)
			return nil, ErrInvalidCredentials
		}
		return nil, e.mapStoreErr(err)
	}

	switch identity.Status {
	case IdentityDisabled:
		e.loginFailed(ctx, identity.ID, ErrIdentityDisabled)
		return nil, ErrIdentityDisabled
	case IdentityDeleted:
		e.loginFailed(ctx, identity.ID, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}
	if identity.PasswordHash == "" {
		// OAuth-created identity with no password set.
		e.hasher.DummyVerify(pass)
		e.loginFailed(ctx, identity.ID, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	ok, err := e.hasher.Verify(pass, identity.PasswordHash)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}
	if !ok {
		e.loginFailed(ctx, identity.ID, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

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
		e.emitAudit(ctx, auditEventMFAChallenge, identity.ID, true, nil, nil)
		return result, nil
	}

	return e.completeLogin(ctx, identity, keys)
}

// enrolledMethods returns the MFA methods available for login challenges:
// TOTP when a confirmed enrollment exists, plus backup codes when any are
// unused. An unconfirmed enrollment offers nothing.
func (e *Engine) enrolledMethods(ctx context.Context, identityID string) ([]string, error) {
	rec, err := e.store.GetTOTP(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrMFANotEnrolled) {
			return nil, nil
		}
		return nil, e.mapStoreErr(err)
	}
	if !rec.Confirmed {
		return nil, nil
	}
	methods := []string{MFAMethodTOTP}
	codes, err := e.store.GetBackupCodes(ctx, identityID)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}
	if countUnused(codes) > 0 {
		methods = append(methods, MFAMethodBackup)
	}
	return methods, nil
}

func (e *Engine) beginMFAChallenge(ctx context.Context, identity *Identity, methods []string) (*LoginResult, error) {
	attempts := e.config.MFA.MaxAttempts
	sessionToken, challengeID, err := e.tokens.IssueMFASession(identity.ID, identity.SessionVersion, attempts, methods)
	if err != nil {
		return nil, err
	}
	record := &mfaChallenge{
		IdentityID:     identity.ID,
		Email:          identity.Email,
		SessionVersion: identity.SessionVersion,
		ExpiresAt:      e.now().Add(e.config.MFA.ChallengeTTL).Unix(),
		Methods:        methods,
	}
	if err := e.mfaStore.Save(ctx, challengeID, record, e.config.MFA.ChallengeTTL); err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	return &LoginResult{
		IdentityID:        identity.ID,
		MFARequired:       true,
		MFAToken:          sessionToken,
		AttemptsRemaining: attempts,
		Methods:           methods,
	}, nil
}

// VerifyMFA completes a pending challenge with a TOTP code or backup code.
// On a wrong code the returned error is [ErrMFACodeInvalid] and the returned
// result carries the decremented AttemptsRemaining; exhausting the budget
// yields [ErrMFAAttemptsExhausted] and kills the session token for good.
func (e *Engine) VerifyMFA(ctx context.Context, mfaToken, code, method string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	claims, err := e.tokens.Verify(mfaToken, token.TypeMFASession)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrMFASessionExpired
		}
		return nil, ErrInvalidToken
	}

	challenge, err := e.mfaStore.Get(ctx, claims.ID)
	if err != nil {
		switch {
		case errors.Is(err, errMFAChallengeNotFound), errors.Is(err, errMFAChallengeExpired):
			return nil, ErrMFASessionExpired
		}
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	key := "id:" + challenge.IdentityID
	if err := e.checkLimit(ctx, OpMFAVerify, key); err != nil {
		return nil, err
	}
	if err := e.recordAttempt(ctx, OpMFAVerify, key); err != nil {
		return nil, err
	}

	var (
		verified       bool
		backupCodesLow bool
	)
	switch method {
	case MFAMethodTOTP:
		verified, err = e.verifyChallengeTOTP(ctx, challenge.IdentityID, code)
	case MFAMethodBackup:
		verified, backupCodesLow, err = e.verifyChallengeBackup(ctx, challenge.IdentityID, code)
	default:
		return nil, ErrMFACodeInvalid
	}
	if err != nil {
		return nil, err
	}

	if !verified {
		e.metricInc(MetricMFAFailure)
		remaining, ferr := e.mfaStore.RecordFailure(ctx, claims.ID, e.config.MFA.MaxAttempts)
		switch {
		case ferr == nil:
			e.emitAudit(ctx, auditEventMFAVerify, challenge.IdentityID, false, ErrMFACodeInvalid, nil)
			return &LoginResult{
				IdentityID:        challenge.IdentityID,
				MFARequired:       true,
				MFAToken:          mfaToken,
				AttemptsRemaining: remaining,
				Methods:           challenge.Methods,
			}, ErrMFACodeInvalid
		case errors.Is(ferr, errMFAChallengeExceeded):
			e.metricInc(MetricMFAExhausted)
			e.emitAudit(ctx, auditEventMFAExhausted, challenge.IdentityID, false, ErrMFAAttemptsExhausted, nil)
			return nil, ErrMFAAttemptsExhausted
		case errors.Is(ferr, errMFAChallengeNotFound), errors.Is(ferr, errMFAChallengeExpired):
			return nil, ErrMFASessionExpired
		}
		return nil, errors.Join(ErrBackendUnavailable, ferr)
	}

	// Consume the challenge. Exactly one concurrent verifier wins the
	// delete; the loser sees an expired session.
	deleted, err := e.mfaStore.Delete(ctx, claims.ID)
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	if !deleted {
		return nil, ErrMFASessionExpired
	}

	identity, err := e.store.GetIdentity(ctx, challenge.IdentityID)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}
	if identity.SessionVersion != challenge.SessionVersion {
		// Password changed or sessions were revoked mid-challenge.
		return nil, ErrSessionInvalidated
	}

	e.metricInc(MetricMFASuccess)
	if method == MFAMethodBackup {
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, identity.ID, true, nil, nil)
	}
	e.emitAudit(ctx, auditEventMFAVerify, identity.ID, true, nil, nil)

	result, err := e.completeLogin(ctx, identity, limiterKeys(identity.Email, clientIPFromContext(ctx)))
	if err != nil {
		return nil, err
	}
	result.BackupCodesLow = backupCodesLow
	return result, nil
}

func (e *Engine) verifyChallengeTOTP(ctx context.Context, identityID, code string) (bool, error) {
	rec, err := e.store.GetTOTP(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrMFANotEnrolled) {
			return false, ErrMFANotEnrolled
		}
		return false, e.mapStoreErr(err)
	}
	if !rec.Confirmed {
		return false, ErrMFANotEnrolled
	}

	secret, err := e.openTOTPSecret(rec)
	if err != nil {
		return false, err
	}
	ok, step, err := e.totp.VerifyCode(secret, code, e.now())
	if err != nil {
		return false, err
	}
	if !ok || step <= rec.LastUsedStep {
		// A replayed code within the window counts as a plain failure.
		return false, nil
	}

	rec.UsageCount++
	rec.LastUsedStep = step
	rec.LastUsedAt = e.now()
	if err := e.store.SaveTOTP(ctx, rec); err != nil {
		return false, e.mapStoreErr(err)
	}
	return true, nil
}

func (e *Engine) verifyChallengeBackup(ctx context.Context, identityID, code string) (verified, low bool, err error) {
	codes, err := e.store.GetBackupCodes(ctx, identityID)
	if err != nil {
		return false, false, e.mapStoreErr(err)
	}
	if len(codes) == 0 {
		return false, false, ErrBackupCodesNotConfigured
	}

	hash := hashBackupCode(code)
	consumed, err := e.store.ConsumeBackupCode(ctx, identityID, hash)
	if err != nil {
		return false, false, e.mapStoreErr(err)
	}
	if !consumed {
		return false, false, nil
	}
	remaining := countUnused(codes) - 1
	return true, remaining < e.config.MFA.BackupCodesLowThreshold, nil
}

func (e *Engine) completeLogin(ctx context.Context, identity *Identity, limitKeys []string) (*LoginResult, error) {
	access, err := e.tokens.IssueAccess(identity.ID, identity.Email, identity.SessionVersion)
	if err != nil {
		return nil, err
	}
	refresh, err := e.tokens.IssueRefresh(identity.ID, identity.SessionVersion)
	if err != nil {
		return nil, err
	}
	if err := e.store.TouchLastLogin(ctx, identity.ID, e.now()); err != nil {
		e.logger.Warn("last-login update failed", zap.Error(err))
	}
	for _, key := range limitKeys {
		e.recordSuccess(ctx, OpLogin, key)
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLogin, identity.ID, true, nil, nil)
	return &LoginResult{
		IdentityID:   identity.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// loginFailed accounts a rejected credential check. The limiter budget was
// already consumed by the up-front attempt record, so only metrics and audit
// happen here.
func (e *Engine) loginFailed(ctx context.Context, identityID string, cause error) {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLogin, identityID, false, cause, nil)
}

// openTOTPSecret unseals and decodes the stored shared secret.
func (e *Engine) openTOTPSecret(rec *TOTPRecord) ([]byte, error) {
	plain, err := e.sealer.Open(rec.Secret)
	if err != nil {
		e.logger.Error("totp secret unseal failed", zap.Error(err))
		return nil, mapSealErr(err)
	}
	secret, err := b32.DecodeString(strings.ToUpper(plain))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return secret, nil
}

func hashBackupCode(code string) [32]byte {
	normalized := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
	return sha256.Sum256([]byte(normalized))
}

func countUnused(codes []BackupCodeRecord) int {
	n := 0
	for _, c := range codes {
		if !c.Used {
			n++
		}
	}
	return n
}

// limiterKeys returns the per-subject and per-IP limiter keys for an
// operation. Empty components are skipped.
func limiterKeys(subject, ip string) []string {
	keys := make([]string, 0, 2)
	if subject != "" {
		keys = append(keys, "sub:"+subject)
	}
	if ip != "" {
		keys = append(keys, "ip:"+ip)
	}
	return keys
}
