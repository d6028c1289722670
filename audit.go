package authkeep

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Audit event types emitted by the engine.
const (
	auditEventLogin                = "login"
	auditEventLoginRateLimited     = "login.rate_limited"
	auditEventMFAChallenge         = "mfa.challenge"
	auditEventMFAVerify            = "mfa.verify"
	auditEventMFAExhausted         = "mfa.attempts_exhausted"
	auditEventMFAEnrolled          = "mfa.enrolled"
	auditEventMFADisabled          = "mfa.disabled"
	auditEventBackupCodeUsed       = "mfa.backup_code_used"
	auditEventBackupCodesReset     = "mfa.backup_codes_reset"
	auditEventRefresh              = "token.refresh"
	auditEventLogout               = "session.logout"
	auditEventLogoutAll            = "session.logout_all"
	auditEventRegister             = "account.register"
	auditEventPasswordChange       = "password.change"
	auditEventPasswordResetRequest = "password.reset_request"
	auditEventPasswordResetConfirm = "password.reset_confirm"
	auditEventEmailVerify          = "email.verify"
	auditEventEmailChange          = "email.change"
	auditEventDeletionRequest      = "account.deletion_request"
	auditEventDeletionConfirm      = "account.deletion_confirm"
	auditEventOAuthStart           = "oauth.start"
	auditEventOAuthCallback        = "oauth.callback"
	auditEventRateLimited          = "rate_limited"
)

// AuditEvent is one security-relevant occurrence. Events are dispatched
// asynchronously; emission never blocks or fails the triggering flow.
type AuditEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  string            `json:"event_type"`
	IdentityID string            `json:"identity_id,omitempty"`
	IP         string            `json:"ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives dispatched events.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards all events.
type NoOpSink struct{}

// Emit implements [AuditSink].
func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a channel, for test and pipeline consumers.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink returns a [ChannelSink] with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan AuditEvent, buffer)}
}

// Emit implements [AuditSink].
func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to an io.Writer.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink returns a [JSONWriterSink] over w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Emit implements [AuditSink].
func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
