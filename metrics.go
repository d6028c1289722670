package authkeep

import "sync/atomic"

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts completed primary-credential logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential checks.
	MetricLoginFailure
	// MetricLoginRateLimited counts limiter rejections on login.
	MetricLoginRateLimited
	// MetricMFARequired counts logins that entered the MFA-pending state.
	MetricMFARequired
	// MetricMFASuccess counts verified challenges.
	MetricMFASuccess
	// MetricMFAFailure counts wrong-code submissions.
	MetricMFAFailure
	// MetricMFAExhausted counts challenges killed by attempt exhaustion.
	MetricMFAExhausted
	// MetricBackupCodeUsed counts successful backup-code verifications.
	MetricBackupCodeUsed
	// MetricRefreshSuccess counts minted access tokens via refresh.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refresh attempts.
	MetricRefreshFailure
	// MetricSessionInvalidated counts refreshes rejected on a stale session
	// version.
	MetricSessionInvalidated
	// MetricLogout counts current-device logouts.
	MetricLogout
	// MetricLogoutAll counts global logouts (session-version bumps).
	MetricLogoutAll
	// MetricRegisterSuccess counts created identities.
	MetricRegisterSuccess
	// MetricRegisterDuplicate counts duplicate-email rejections.
	MetricRegisterDuplicate
	// MetricPasswordChange counts completed password changes.
	MetricPasswordChange
	// MetricPasswordResetRequest counts reset requests (real or decoy).
	MetricPasswordResetRequest
	// MetricPasswordResetConfirm counts completed resets.
	MetricPasswordResetConfirm
	// MetricEmailVerified counts confirmed verifications.
	MetricEmailVerified
	// MetricEmailChanged counts confirmed address changes.
	MetricEmailChanged
	// MetricDeletionConfirmed counts completed account deletions.
	MetricDeletionConfirmed
	// MetricOAuthCallbackSuccess counts resolved OAuth callbacks.
	MetricOAuthCallbackSuccess
	// MetricOAuthCallbackFailure counts rejected OAuth callbacks.
	MetricOAuthCallbackFailure
	// MetricOAuthStateInvalid counts state validation failures.
	MetricOAuthStateInvalid
	// MetricRateLimited counts limiter rejections across all operations.
	MetricRateLimited

	metricCount
)

var metricNames = map[MetricID]string{
	MetricLoginSuccess:         "login_success",
	MetricLoginFailure:         "login_failure",
	MetricLoginRateLimited:     "login_rate_limited",
	MetricMFARequired:          "mfa_required",
	MetricMFASuccess:           "mfa_success",
	MetricMFAFailure:           "mfa_failure",
	MetricMFAExhausted:         "mfa_exhausted",
	MetricBackupCodeUsed:       "backup_code_used",
	MetricRefreshSuccess:       "refresh_success",
	MetricRefreshFailure:       "refresh_failure",
	MetricSessionInvalidated:   "session_invalidated",
	MetricLogout:               "logout",
	MetricLogoutAll:            "logout_all",
	MetricRegisterSuccess:      "register_success",
	MetricRegisterDuplicate:    "register_duplicate",
	MetricPasswordChange:       "password_change",
	MetricPasswordResetRequest: "password_reset_request",
	MetricPasswordResetConfirm: "password_reset_confirm",
	MetricEmailVerified:        "email_verified",
	MetricEmailChanged:         "email_changed",
	MetricDeletionConfirmed:    "deletion_confirmed",
	MetricOAuthCallbackSuccess: "oauth_callback_success",
	MetricOAuthCallbackFailure: "oauth_callback_failure",
	MetricOAuthStateInvalid:    "oauth_state_invalid",
	MetricRateLimited:          "rate_limited",
}

// Name returns the stable snake_case name of the metric.
func (id MetricID) Name() string {
	return metricNames[id]
}

// Metrics is a fixed-size set of atomic counters. All methods are safe for
// concurrent use and are no-ops on a nil receiver.
type Metrics struct {
	counters [metricCount]atomic.Uint64
}

// NewMetrics returns an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Inc increments one counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricCount)}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricCount; id++ {
		snap.Counters[id] = m.counters[id].Load()
	}
	return snap
}
