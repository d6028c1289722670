package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"

	mail "github.com/go-mail/mail"
)

// SMTPConfig configures the SMTP notifier. BaseURL is the public address of
// the service frontend; token links are built under it.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	// TLSMode is "auto" (STARTTLS when offered), "ssl", or "none".
	TLSMode            string
	InsecureSkipVerify bool

	BaseURL     string
	ProductName string
}

// SMTPNotifier sends notification mail through an SMTP relay. Each send
// dials a fresh connection, which matches the engine's low-volume,
// fire-and-forget dispatch model.
type SMTPNotifier struct {
	config SMTPConfig
}

// NewSMTPNotifier validates cfg and returns an [SMTPNotifier].
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "authkeep"
	}
	return &SMTPNotifier{config: cfg}, nil
}

func (n *SMTPNotifier) link(path, token string) string {
	return n.config.BaseURL + path + "?token=" + url.QueryEscape(token)
}

func (n *SMTPNotifier) send(ctx context.Context, to, subject, body string) error {
	m := mail.NewMessage()
	m.SetHeader("From", n.config.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := mail.NewDialer(n.config.Host, n.config.Port, n.config.Username, n.config.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         n.config.Host,
		InsecureSkipVerify: n.config.InsecureSkipVerify,
	}
	switch n.config.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: n.config.InsecureSkipVerify}
	}

	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *SMTPNotifier) SendVerification(ctx context.Context, email, token string) error {
	return n.send(ctx, email,
		fmt.Sprintf("Verify your %s email address", n.config.ProductName),
		"Confirm your email address by opening this link:\n\n"+
			n.link("/verify-email", token)+"\n\nThe link expires in 24 hours.")
}

func (n *SMTPNotifier) SendPasswordReset(ctx context.Context, email, token string) error {
	return n.send(ctx, email,
		fmt.Sprintf("Reset your %s password", n.config.ProductName),
		"A password reset was requested for this address. Open this link to choose a new password:\n\n"+
			n.link("/reset-password", token)+"\n\nThe link expires in 1 hour. If you did not request this, ignore this mail.")
}

func (n *SMTPNotifier) SendPasswordChanged(ctx context.Context, email string) error {
	return n.send(ctx, email,
		fmt.Sprintf("Your %s password was changed", n.config.ProductName),
		"Your password was just changed and all other sessions were signed out.\n\n"+
			"If this was not you, reset your password immediately.")
}

func (n *SMTPNotifier) SendEmailChangeConfirm(ctx context.Context, newEmail, token string) error {
	return n.send(ctx, newEmail,
		fmt.Sprintf("Confirm your new %s email address", n.config.ProductName),
		"Confirm this address as the new login email by opening this link:\n\n"+
			n.link("/confirm-email-change", token)+"\n\nThe link expires in 1 hour.")
}

func (n *SMTPNotifier) SendEmailChangeNotice(ctx context.Context, oldEmail string) error {
	return n.send(ctx, oldEmail,
		fmt.Sprintf("Your %s email address is being changed", n.config.ProductName),
		"A change of the login email for your account was requested.\n\n"+
			"If this was not you, reset your password immediately.")
}

func (n *SMTPNotifier) SendDeletionRequest(ctx context.Context, email, token string) error {
	return n.send(ctx, email,
		fmt.Sprintf("Confirm deletion of your %s account", n.config.ProductName),
		"Confirm the permanent deletion of your account by opening this link:\n\n"+
			n.link("/confirm-deletion", token)+"\n\nThe link expires in 24 hours. If you did not request this, ignore this mail.")
}

func (n *SMTPNotifier) SendDeletionConfirmed(ctx context.Context, email string) error {
	return n.send(ctx, email,
		fmt.Sprintf("Your %s account was deleted", n.config.ProductName),
		"Your account and its data have been deleted. This cannot be undone.")
}
