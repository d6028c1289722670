package authkeep_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voleyn/authkeep"
)

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	first, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	pair, err := env.engine.ChangePassword(ctx, identity.ID, testPassword, "a-brand-new-password")
	if err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected a fresh pair bound to the new session version")
	}

	// Every token issued before the change is dead.
	if _, err := env.engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, authkeep.ErrSessionInvalidated) {
		t.Fatalf("old refresh token: got %v", err)
	}
	if _, err := env.engine.VerifyAccess(ctx, first.AccessToken); !errors.Is(err, authkeep.ErrSessionInvalidated) {
		t.Fatalf("old access token: got %v", err)
	}
	// The returned pair is not.
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("fresh refresh token failed: %v", err)
	}

	if _, err := env.engine.Login(ctx, testEmail, testPassword); !errors.Is(err, authkeep.ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := env.engine.Login(ctx, testEmail, "a-brand-new-password"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	env.notifier.wait(t, "password_changed")
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)

	if _, err := env.engine.ChangePassword(context.Background(), identity.ID, "not-the-password", "a-brand-new-password"); !errors.Is(err, authkeep.ErrInvalidCredentials) {
		t.Fatalf("wrong current password: got %v", err)
	}
}

func TestChangePasswordRejectsReuse(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)

	if _, err := env.engine.ChangePassword(context.Background(), identity.ID, testPassword, testPassword); !errors.Is(err, authkeep.ErrPasswordReuse) {
		t.Fatalf("reused password: got %v", err)
	}
}

func TestChangePasswordEnforcesPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)

	if _, err := env.engine.ChangePassword(context.Background(), identity.ID, testPassword, "short"); !errors.Is(err, authkeep.ErrValidation) {
		t.Fatalf("short password: got %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	session, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := env.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	reset := env.notifier.wait(t, "password_reset")
	if reset.Email != testEmail || reset.Token == "" {
		t.Fatalf("unexpected reset notification: %+v", reset)
	}

	if err := env.engine.ConfirmPasswordReset(ctx, reset.Token, "a-brand-new-password"); err != nil {
		t.Fatalf("ConfirmPasswordReset failed: %v", err)
	}
	env.notifier.wait(t, "password_changed")

	// The reset revokes every outstanding session.
	if _, err := env.engine.Refresh(ctx, session.RefreshToken); !errors.Is(err, authkeep.ErrSessionInvalidated) {
		t.Fatalf("pre-reset refresh token: got %v", err)
	}
	result, err := env.engine.Login(ctx, testEmail, "a-brand-new-password")
	if err != nil {
		t.Fatalf("login with reset password failed: %v", err)
	}
	if result.IdentityID != identity.ID {
		t.Fatalf("identity mismatch: %s", result.IdentityID)
	}

	// Single use: confirming again with the same token fails.
	if err := env.engine.ConfirmPasswordReset(ctx, reset.Token, "yet-another-password"); !errors.Is(err, authkeep.ErrSecurityTokenInvalid) {
		t.Fatalf("replayed reset token: got %v", err)
	}
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t)

	// Unknown addresses must be indistinguishable from known ones.
	if err := env.engine.RequestPasswordReset(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
}

func TestPasswordResetRejectsReuse(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t)
	ctx := context.Background()

	if err := env.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	reset := env.notifier.wait(t, "password_reset")

	if err := env.engine.ConfirmPasswordReset(ctx, reset.Token, testPassword); !errors.Is(err, authkeep.ErrPasswordReuse) {
		t.Fatalf("resetting to the current password: got %v", err)
	}
	// The failed attempt must not have burned the token.
	if err := env.engine.ConfirmPasswordReset(ctx, reset.Token, "a-brand-new-password"); err != nil {
		t.Fatalf("reset after reuse rejection failed: %v", err)
	}
}

func TestPasswordResetNewTokenReplacesOld(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t)
	ctx := context.Background()

	if err := env.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	first := env.notifier.wait(t, "password_reset")
	if err := env.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	second := env.notifier.wait(t, "password_reset")

	if err := env.engine.ConfirmPasswordReset(ctx, first.Token, "a-brand-new-password"); !errors.Is(err, authkeep.ErrSecurityTokenInvalid) {
		t.Fatalf("superseded token: got %v", err)
	}
	if err := env.engine.ConfirmPasswordReset(ctx, second.Token, "a-brand-new-password"); err != nil {
		t.Fatalf("latest token failed: %v", err)
	}
}

func TestReauthorize(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	if _, err := env.engine.Reauthorize(ctx, identity.ID, "wrong-password-here", authkeep.ScopeEmailChange); !errors.Is(err, authkeep.ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}

	stepUp, err := env.engine.Reauthorize(ctx, identity.ID, testPassword, authkeep.ScopeEmailChange)
	if err != nil {
		t.Fatalf("Reauthorize failed: %v", err)
	}
	if stepUp == "" {
		t.Fatal("expected a step-up token")
	}

	// Scope binding: a token for email changes buys nothing else.
	if err := env.engine.RequestAccountDeletion(ctx, identity.ID, stepUp); !errors.Is(err, authkeep.ErrReauthorizationRequired) {
		t.Fatalf("cross-scope step-up token: got %v", err)
	}
}
