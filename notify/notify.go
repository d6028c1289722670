// Package notify provides ready-made implementations of the engine's
// Notifier contract: a zap-backed logger for development and an SMTP sender
// built on go-mail for production.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes every notification to a structured log instead of
// sending it. Token values are logged in full; use it only in development.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a [LogNotifier] over logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) log(kind, email, token string) error {
	fields := []zap.Field{zap.String("kind", kind), zap.String("email", email)}
	if token != "" {
		fields = append(fields, zap.String("token", token))
	}
	n.logger.Info("notification", fields...)
	return nil
}

func (n *LogNotifier) SendVerification(_ context.Context, email, token string) error {
	return n.log("verification", email, token)
}

func (n *LogNotifier) SendPasswordReset(_ context.Context, email, token string) error {
	return n.log("password_reset", email, token)
}

func (n *LogNotifier) SendPasswordChanged(_ context.Context, email string) error {
	return n.log("password_changed", email, "")
}

func (n *LogNotifier) SendEmailChangeConfirm(_ context.Context, newEmail, token string) error {
	return n.log("email_change_confirm", newEmail, token)
}

func (n *LogNotifier) SendEmailChangeNotice(_ context.Context, oldEmail string) error {
	return n.log("email_change_notice", oldEmail, "")
}

func (n *LogNotifier) SendDeletionRequest(_ context.Context, email, token string) error {
	return n.log("deletion_request", email, token)
}

func (n *LogNotifier) SendDeletionConfirmed(_ context.Context, email string) error {
	return n.log("deletion_confirmed", email, "")
}
