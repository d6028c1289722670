package authkeep

import (
	"context"
	"time"
)

// EmailStatus represents the verification state of an identity's email
// address.
type EmailStatus uint8

const (
	// EmailUnverified marks an address that has never been verified.
	EmailUnverified EmailStatus = iota
	// EmailPending marks an address with an outstanding verification token.
	EmailPending
	// EmailVerified marks a confirmed address.
	EmailVerified
)

// IdentityStatus represents the lifecycle state of an identity record.
type IdentityStatus uint8

const (
	// IdentityActive is the normal, usable state.
	IdentityActive IdentityStatus = iota
	// IdentityDisabled blocks all authentication without deleting data.
	IdentityDisabled
	// IdentityDeleted marks a tombstoned identity.
	IdentityDeleted
)

// Identity is the durable account record owned by the [IdentityStore].
// PasswordHash is empty for password-less identities created through OAuth.
// SessionVersion is monotonically incremented on logout-all, password change,
// password reset confirmation, and email change; every issued token embeds a
// snapshot of it.
type Identity struct {
	ID             string
	Email          string
	PasswordHash   string
	DisplayName    string
	EmailStatus    EmailStatus
	Status         IdentityStatus
	SessionVersion uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastLoginAt    time.Time
}

// SecurityTokenType discriminates single-use security token rows.
type SecurityTokenType string

const (
	// SecurityTokenEmailVerification tokens confirm ownership of an address (24h).
	SecurityTokenEmailVerification SecurityTokenType = "email_verification"
	// SecurityTokenPasswordReset tokens authorize a password reset (1h).
	SecurityTokenPasswordReset SecurityTokenType = "password_reset"
	// SecurityTokenEmailChange tokens confirm a pending address change; the
	// new address rides in Payload.
	SecurityTokenEmailChange SecurityTokenType = "email_change"
	// SecurityTokenAccountDeletion tokens confirm account deletion.
	SecurityTokenAccountDeletion SecurityTokenType = "account_deletion"
	// SecurityTokenAPIAccess rows are long-lived prefixed API keys. Unlike
	// the other types they are validated repeatedly, not consumed.
	SecurityTokenAPIAccess SecurityTokenType = "api_access"
)

// SecurityToken is a time-limited single-use credential row. At most one live
// row exists per (identity, type); creating a new one replaces any prior one
// of the same type.
type SecurityToken struct {
	ID         string
	IdentityID string
	Type       SecurityTokenType
	Value      string
	Payload    string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// TOTPRecord is an identity's TOTP enrollment. Secret holds the shared secret
// sealed with the configured encryption key ("v1:" format) or plaintext in
// development mode. An unconfirmed record only participates in the
// confirm-setup step, never in login challenges.
type TOTPRecord struct {
	IdentityID   string
	Secret       string
	Algorithm    string
	Digits       int
	Period       int
	Confirmed    bool
	UsageCount   uint32
	LastUsedStep int64
	LastUsedAt   time.Time
}

// BackupCodeRecord stores the SHA-256 hash of a single backup code. The
// plaintext is returned to the caller exactly once at generation time.
type BackupCodeRecord struct {
	Hash   [32]byte
	Used   bool
	UsedAt time.Time
}

// OAuthConnection links an identity to a provider account. AccessToken and
// RefreshToken are stored in the at-rest format produced by the seal package;
// both are empty for authentication-only providers. (Provider,
// ProviderUserID) is unique, and an identity holds at most one connection per
// provider.
type OAuthConnection struct {
	IdentityID     string
	Provider       string
	ProviderUserID string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	Scopes         []string
	RawProfile     []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateIdentityInput is the input for [IdentityStore.CreateIdentity].
type CreateIdentityInput struct {
	Email        string
	PasswordHash string
	DisplayName  string
	EmailStatus  EmailStatus
	Status       IdentityStatus
}

// IdentityMutator is the subset of identity operations available both
// directly on the [IdentityStore] and inside a security-token consumption
// transaction. GetIdentity is included so validation reads made by a consume
// callback observe the same snapshot the transaction mutates.
type IdentityMutator interface {
	GetIdentity(ctx context.Context, identityID string) (*Identity, error)
	UpdatePasswordHash(ctx context.Context, identityID, hash string) error
	UpdateEmail(ctx context.Context, identityID, email string, status EmailStatus) error
	SetEmailStatus(ctx context.Context, identityID string, status EmailStatus) error
	// BumpSessionVersion atomically increments and returns the identity's
	// session version.
	BumpSessionVersion(ctx context.Context, identityID string) (uint64, error)
	DeleteIdentity(ctx context.Context, identityID string) error
}

// IdentityStore is the persistence contract callers implement to integrate
// authkeep with their database. It covers identity records, single-use
// security tokens, TOTP enrollment, backup codes, and OAuth connections.
//
// Implementations must make ConsumeSecurityToken and ConsumeBackupCode
// atomic: two concurrent consumers of the same token or code must observe
// exactly one success.
type IdentityStore interface {
	IdentityMutator

	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	CreateIdentity(ctx context.Context, input CreateIdentityInput) (*Identity, error)
	SetStatus(ctx context.Context, identityID string, status IdentityStatus) error
	TouchLastLogin(ctx context.Context, identityID string, at time.Time) error

	// UpsertSecurityToken stores tok, replacing any live token with the same
	// (identity, type) pair so only the newest one is valid.
	UpsertSecurityToken(ctx context.Context, tok SecurityToken) error
	// GetSecurityToken returns the live token matching (value, type) without
	// consuming it. Used for API-key validation.
	GetSecurityToken(ctx context.Context, value string, typ SecurityTokenType) (*SecurityToken, error)
	// TouchSecurityToken updates the row's last-used timestamp.
	TouchSecurityToken(ctx context.Context, id string, at time.Time) error
	// DeleteSecurityTokens removes all tokens of the given type for the
	// identity.
	DeleteSecurityTokens(ctx context.Context, identityID string, typ SecurityTokenType) error
	// ConsumeSecurityToken looks up the live token matching (value, type),
	// rejects it if expired, runs apply, and deletes every token of that type
	// for the owning identity — all inside one transaction. If any step
	// fails, no row changes. A missing, mismatched, or expired token yields
	// [ErrSecurityTokenInvalid].
	ConsumeSecurityToken(ctx context.Context, value string, typ SecurityTokenType, apply func(ctx context.Context, tx IdentityMutator, tok *SecurityToken) error) error

	GetTOTP(ctx context.Context, identityID string) (*TOTPRecord, error)
	SaveTOTP(ctx context.Context, rec *TOTPRecord) error
	DeleteTOTP(ctx context.Context, identityID string) error

	GetBackupCodes(ctx context.Context, identityID string) ([]BackupCodeRecord, error)
	ReplaceBackupCodes(ctx context.Context, identityID string, codes []BackupCodeRecord) error
	// ConsumeBackupCode marks the unused code matching hash as used and
	// reports whether a match was found. The check-and-mark is atomic.
	ConsumeBackupCode(ctx context.Context, identityID string, hash [32]byte) (bool, error)

	GetConnection(ctx context.Context, provider, providerUserID string) (*OAuthConnection, error)
	GetIdentityConnection(ctx context.Context, identityID, provider string) (*OAuthConnection, error)
	UpsertConnection(ctx context.Context, conn *OAuthConnection) error
}

// Notifier is the outbound notification contract. The engine dispatches
// every call fire-and-forget on its own goroutine: a send failure is logged
// and never fails or blocks the operation that triggered it.
type Notifier interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
	SendPasswordChanged(ctx context.Context, email string) error
	SendEmailChangeConfirm(ctx context.Context, newEmail, token string) error
	SendEmailChangeNotice(ctx context.Context, oldEmail string) error
	SendDeletionRequest(ctx context.Context, email, token string) error
	SendDeletionConfirmed(ctx context.Context, email string) error
}

// TokenPair bundles a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// LoginResult is returned by [Engine.Login], [Engine.VerifyMFA], and
// [Engine.HandleOAuthCallback]. Either the token pair is populated, or
// MFARequired is set and MFAToken carries the challenge session. A pending
// challenge is a successful outcome, not an error: the call returns a nil
// error and MFARequired is the branch point.
type LoginResult struct {
	IdentityID   string
	AccessToken  string
	RefreshToken string

	MFARequired       bool
	MFAToken          string
	AttemptsRemaining int
	Methods           []string

	// BackupCodesLow signals that the identity should regenerate backup
	// codes soon; set when a successful backup-code login leaves fewer
	// unused codes than the configured threshold.
	BackupCodesLow bool
}

// RegisterInput is the input for [Engine.Register].
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// OAuthCredentials carries the provider callback parameters.
type OAuthCredentials struct {
	Provider string
	Code     string
	State    string
}

// TOTPEnrollment holds the plaintext secret and otpauth:// URI returned by
// [Engine.ProvisionTOTP] for QR-code display. The secret is never returned
// again.
type TOTPEnrollment struct {
	SecretBase32 string
	URI          string
}
