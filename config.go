package authkeep

import (
	"errors"
	"fmt"
	"time"

	"github.com/voleyn/authkeep/password"
	"github.com/voleyn/authkeep/token"
)

// Operation names for the per-operation rate limiters. Each maps to a policy
// in [Config.RateLimits].
const (
	OpLogin             = "login"
	OpRefresh           = "refresh"
	OpRegister          = "register"
	OpPasswordReset     = "password_reset"
	OpEmailVerification = "email_verification"
	OpEmailChange       = "email_change"
	OpMFAVerify         = "mfa_verify"
	OpOAuthCallback     = "oauth_callback"
	OpAccountDeletion   = "account_deletion"
)

// RateWindow is one (duration, max attempts) pair of a limiter policy.
type RateWindow struct {
	Duration time.Duration
	Max      int64
}

// TOTPConfig tunes TOTP generation and verification.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	// VerificationWindow is the number of adjacent time steps accepted on
	// either side of the current one, tolerating client clock skew.
	VerificationWindow int
}

// MFAConfig tunes the challenge state machine.
type MFAConfig struct {
	// ChallengeTTL bounds how long an MFA session token stays usable.
	ChallengeTTL time.Duration
	// MaxAttempts is the per-challenge code budget; exhausting it kills the
	// challenge regardless of remaining TTL.
	MaxAttempts int
	// BackupCodeCount is how many codes a (re)generation produces.
	BackupCodeCount int
	// BackupCodesLowThreshold triggers the regenerate-soon signal.
	BackupCodesLowThreshold int
}

// SecurityTokenConfig holds the validity deadlines for single-use security
// tokens.
type SecurityTokenConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	EmailChangeTTL  time.Duration
	DeletionTTL     time.Duration
	APIKeyTTL       time.Duration
	APIKeyPrefix    string
}

// OAuthConfig tunes the OAuth flow manager.
type OAuthConfig struct {
	// EncryptionSecret keys the at-rest sealing of provider tokens and TOTP
	// secrets. Empty means development plaintext mode: providers requiring
	// token storage fail closed, and a warning is logged for the rest.
	EncryptionSecret string
	// StateTTL bounds the CSRF state lifetime.
	StateTTL time.Duration
	// TokenCacheTTL bounds the in-process cache of decrypted provider tokens.
	TokenCacheTTL time.Duration
}

// PasswordConfig combines hashing parameters with the acceptance policy.
type PasswordConfig struct {
	Argon2    password.Config
	MinLength int
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	QueueSize  int
	DropOldest bool
}

// Config is the full engine configuration. Obtain a baseline from
// [DefaultConfig] and override fields before [Builder.Build]; Build
// validates the result.
type Config struct {
	Token          token.Config
	Password       PasswordConfig
	TOTP           TOTPConfig
	MFA            MFAConfig
	SecurityTokens SecurityTokenConfig
	OAuth          OAuthConfig
	RateLimits     map[string][]RateWindow
	Audit          AuditConfig
	MetricsEnabled bool
}

// DefaultConfig returns the documented baseline: 15m access / 21d refresh /
// 5m reauth and MFA session tokens, 6-digit 30s TOTP with a ±1 step window,
// 3 MFA attempts, and the spec deadlines for single-use tokens.
func DefaultConfig() Config {
	return Config{
		Token: token.Config{
			SigningMethod: token.MethodHS256,
			Issuer:        "authkeep",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    21 * 24 * time.Hour,
			ReauthTTL:     5 * time.Minute,
			MFASessionTTL: 5 * time.Minute,
			Leeway:        30 * time.Second,
		},
		Password: PasswordConfig{
			Argon2:    password.DefaultConfig(),
			MinLength: 10,
		},
		TOTP: TOTPConfig{
			Issuer:             "authkeep",
			Digits:             6,
			Period:             30,
			Algorithm:          "SHA1",
			VerificationWindow: 1,
		},
		MFA: MFAConfig{
			ChallengeTTL:            5 * time.Minute,
			MaxAttempts:             3,
			BackupCodeCount:         10,
			BackupCodesLowThreshold: 3,
		},
		SecurityTokens: SecurityTokenConfig{
			VerificationTTL: 24 * time.Hour,
			ResetTTL:        time.Hour,
			EmailChangeTTL:  time.Hour,
			DeletionTTL:     24 * time.Hour,
			APIKeyTTL:       365 * 24 * time.Hour,
			APIKeyPrefix:    "ak_",
		},
		OAuth: OAuthConfig{
			StateTTL:      10 * time.Minute,
			TokenCacheTTL: 5 * time.Minute,
		},
		RateLimits: map[string][]RateWindow{
			OpLogin:             {{Duration: time.Minute, Max: 5}, {Duration: time.Hour, Max: 20}},
			OpRefresh:           {{Duration: time.Minute, Max: 10}},
			OpRegister:          {{Duration: time.Hour, Max: 10}},
			OpPasswordReset:     {{Duration: time.Minute, Max: 3}, {Duration: time.Hour, Max: 10}},
			OpEmailVerification: {{Duration: time.Minute, Max: 3}},
			OpEmailChange:       {{Duration: time.Hour, Max: 5}},
			OpMFAVerify:         {{Duration: time.Minute, Max: 10}},
			OpOAuthCallback:     {{Duration: time.Minute, Max: 10}},
			OpAccountDeletion:   {{Duration: time.Hour, Max: 3}},
		},
		Audit: AuditConfig{
			Enabled:    true,
			QueueSize:  1024,
			DropOldest: true,
		},
		MetricsEnabled: true,
	}
}

func validateConfig(cfg Config) error {
	if cfg.TOTP.Digits < 6 || cfg.TOTP.Digits > 8 {
		return fmt.Errorf("totp digits out of range: %d", cfg.TOTP.Digits)
	}
	if cfg.TOTP.Period < 15 || cfg.TOTP.Period > 120 {
		return fmt.Errorf("totp period out of range: %d", cfg.TOTP.Period)
	}
	if cfg.TOTP.VerificationWindow < 0 || cfg.TOTP.VerificationWindow > 4 {
		return errors.New("totp verification window out of range")
	}
	if cfg.MFA.ChallengeTTL <= 0 {
		return errors.New("mfa challenge ttl must be positive")
	}
	if cfg.MFA.MaxAttempts < 1 {
		return errors.New("mfa max attempts must be at least 1")
	}
	if cfg.MFA.BackupCodeCount < 1 {
		return errors.New("backup code count must be at least 1")
	}
	if cfg.Password.MinLength < 8 {
		return errors.New("password minimum length below floor")
	}
	st := cfg.SecurityTokens
	if st.VerificationTTL <= 0 || st.ResetTTL <= 0 || st.EmailChangeTTL <= 0 || st.DeletionTTL <= 0 {
		return errors.New("security token TTLs must be positive")
	}
	if cfg.OAuth.StateTTL <= 0 {
		return errors.New("oauth state ttl must be positive")
	}
	for op, windows := range cfg.RateLimits {
		for _, w := range windows {
			if w.Duration <= 0 || w.Max < 1 {
				return fmt.Errorf("invalid rate window for %s", op)
			}
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.QueueSize < 1 {
		return errors.New("audit queue size must be at least 1")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.RateLimits = make(map[string][]RateWindow, len(cfg.RateLimits))
	for op, windows := range cfg.RateLimits {
		out.RateLimits[op] = append([]RateWindow(nil), windows...)
	}
	return out
}
