package authkeep

import "errors"

var (
	// ErrInvalidCredentials is returned when the email/password pair does not
	// match a stored identity. It deliberately does not distinguish between
	// an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for tokens that fail signature, claim, or
	// type checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for structurally valid tokens whose expiry
	// has elapsed.
	ErrTokenExpired = errors.New("token expired")
	// ErrSessionInvalidated is returned when a token's embedded session
	// version no longer matches the identity's current session version.
	ErrSessionInvalidated = errors.New("session invalidated")
	// ErrRateLimited is returned when a named limiter rejects an operation.
	// It is an expected, non-exceptional outcome; callers should branch on it.
	ErrRateLimited = errors.New("too many requests")
	// ErrSecurityTokenInvalid is returned when a single-use security token is
	// unknown, already consumed, of the wrong type, or expired. The cases are
	// indistinguishable on purpose.
	ErrSecurityTokenInvalid = errors.New("invalid or expired security token")
	// ErrMFACodeInvalid is returned for a TOTP or backup code that does not
	// verify.
	ErrMFACodeInvalid = errors.New("invalid mfa code")
	// ErrMFAAttemptsExhausted is returned once a challenge has consumed its
	// attempt budget; the MFA session token is unusable afterwards regardless
	// of its remaining lifetime.
	ErrMFAAttemptsExhausted = errors.New("mfa attempts exhausted")
	// ErrMFASessionExpired is returned when the MFA session token or its
	// challenge record has expired.
	ErrMFASessionExpired = errors.New("mfa session expired")
	// ErrMFANotEnrolled is returned when a challenge method is requested for
	// an identity without a confirmed enrollment of that method.
	ErrMFANotEnrolled = errors.New("mfa method not enrolled")
	// ErrProviderNotFound is returned for an OAuth provider identifier with
	// no registered implementation.
	ErrProviderNotFound = errors.New("oauth provider not found")
	// ErrInvalidOAuthState is returned when callback state is unknown,
	// expired, already consumed, or bound to a different provider.
	ErrInvalidOAuthState = errors.New("invalid oauth state")
	// ErrEncryptionRequired is returned when a provider requires token
	// storage but no encryption key is configured. The flow fails closed
	// rather than storing plaintext secrets.
	ErrEncryptionRequired = errors.New("token encryption required")
	// ErrEncryptionKeyMissing is returned when a sealed ("v1:") value is
	// read back while no encryption key is configured.
	ErrEncryptionKeyMissing = errors.New("encryption key missing")
	// ErrDecryptionFailed is returned when a sealed value fails to open.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrProviderTokenExpired is returned by ProviderToken when the stored
	// provider token has expired and the provider does not support refresh.
	ErrProviderTokenExpired = errors.New("provider token expired")
	// ErrConnectionNotFound is returned when an identity has no stored
	// connection for the requested provider.
	ErrConnectionNotFound = errors.New("provider connection not found")
	// ErrConnectionConflict is returned when a provider account is already
	// linked to a different identity.
	ErrConnectionConflict = errors.New("provider account linked to another identity")
	// ErrEmailAlreadyInUse is returned when registering or changing to an
	// email that belongs to another identity.
	ErrEmailAlreadyInUse = errors.New("email already in use")
	// ErrValidation is returned for policy violations on caller-supplied
	// values (password policy, display name).
	ErrValidation = errors.New("validation failed")
	// ErrPasswordReuse is returned when a new password equals the current one.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrReauthorizationRequired is returned by high-sensitivity mutations
	// that were called without a valid step-up token.
	ErrReauthorizationRequired = errors.New("reauthorization required")
	// ErrIdentityNotFound is returned when an identity id resolves to no row.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrIdentityDisabled is returned on login for disabled identities.
	ErrIdentityDisabled = errors.New("identity disabled")
	// ErrBackupCodesNotConfigured is returned when backup-code verification
	// is requested for an identity with no stored codes.
	ErrBackupCodesNotConfigured = errors.New("backup codes not configured")
	// ErrBackendUnavailable wraps Redis and store transport failures.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned when an Engine method is called on a nil
	// or incompletely built engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrAPIKeyInvalid is returned for unknown, revoked, or expired API keys.
	ErrAPIKeyInvalid = errors.New("invalid api key")
)
