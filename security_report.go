package authkeep

import (
	"sort"
	"time"
)

// SecurityReport summarizes the engine's effective security posture for
// startup logs and operational review. It contains no secrets.
type SecurityReport struct {
	SigningAlgorithm string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	Argon2           PasswordConfigReport

	EncryptionAtRest bool
	MFAMaxAttempts   int
	BackupCodeCount  int

	RateLimitedOps []string
	Providers      []string

	AuditEnabled   bool
	MetricsEnabled bool
}

// PasswordConfigReport echoes the active Argon2id parameters.
type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// SecurityReport builds the posture summary from the active configuration.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	ops := make([]string, 0, len(e.config.RateLimits))
	for op := range e.config.RateLimits {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	argon := e.config.Password.Argon2
	return SecurityReport{
		SigningAlgorithm: string(e.config.Token.SigningMethod),
		AccessTTL:        e.config.Token.AccessTTL,
		RefreshTTL:       e.config.Token.RefreshTTL,
		Argon2: PasswordConfigReport{
			Memory:      argon.Memory,
			Time:        argon.Time,
			Parallelism: argon.Parallelism,
			SaltLength:  argon.SaltLength,
			KeyLength:   argon.KeyLength,
		},
		EncryptionAtRest: e.sealer.Enabled(),
		MFAMaxAttempts:   e.config.MFA.MaxAttempts,
		BackupCodeCount:  e.config.MFA.BackupCodeCount,
		RateLimitedOps:   ops,
		Providers:        e.Providers(),
		AuditEnabled:     e.config.Audit.Enabled,
		MetricsEnabled:   e.metrics != nil,
	}
}
