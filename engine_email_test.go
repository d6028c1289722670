package authkeep_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voleyn/authkeep"
)

func TestEmailVerificationFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	identity, err := env.engine.Register(ctx, authkeep.RegisterInput{
		Email:    testEmail,
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	verification := env.notifier.wait(t, "verification")
	if verification.Email != testEmail || verification.Token == "" {
		t.Fatalf("unexpected verification notification: %+v", verification)
	}

	stored, err := env.store.GetIdentity(ctx, identity.ID)
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if stored.EmailStatus != authkeep.EmailPending {
		t.Fatalf("EmailStatus = %d, want pending", stored.EmailStatus)
	}

	if err := env.engine.ConfirmEmailVerification(ctx, verification.Token); err != nil {
		t.Fatalf("ConfirmEmailVerification failed: %v", err)
	}
	stored, _ = env.store.GetIdentity(ctx, identity.ID)
	if stored.EmailStatus != authkeep.EmailVerified {
		t.Fatalf("EmailStatus = %d, want verified", stored.EmailStatus)
	}

	if err := env.engine.ConfirmEmailVerification(ctx, verification.Token); !errors.Is(err, authkeep.ErrSecurityTokenInvalid) {
		t.Fatalf("replayed verification token: got %v", err)
	}
}

func TestRequestEmailVerificationReissues(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	if err := env.engine.RequestEmailVerification(ctx, identity.ID); err != nil {
		t.Fatalf("RequestEmailVerification failed: %v", err)
	}
	reissued := env.notifier.wait(t, "verification")

	if err := env.engine.ConfirmEmailVerification(ctx, reissued.Token); err != nil {
		t.Fatalf("ConfirmEmailVerification failed: %v", err)
	}

	// Verified addresses make further requests a silent no-op.
	if err := env.engine.RequestEmailVerification(ctx, identity.ID); err != nil {
		t.Fatalf("request for verified address must not error: %v", err)
	}
}

func TestEmailChangeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()
	const newEmail = "alice.new@example.com"

	session, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// No step-up token, no change.
	if err := env.engine.RequestEmailChange(ctx, identity.ID, newEmail, ""); !errors.Is(err, authkeep.ErrReauthorizationRequired) {
		t.Fatalf("missing step-up token: got %v", err)
	}

	stepUp, err := env.engine.Reauthorize(ctx, identity.ID, testPassword, authkeep.ScopeEmailChange)
	if err != nil {
		t.Fatalf("Reauthorize failed: %v", err)
	}
	if err := env.engine.RequestEmailChange(ctx, identity.ID, newEmail, stepUp); err != nil {
		t.Fatalf("RequestEmailChange failed: %v", err)
	}

	confirm := env.notifier.wait(t, "email_change_confirm")
	if confirm.Email != newEmail {
		t.Fatalf("confirmation went to %q, want the new address", confirm.Email)
	}
	notice := env.notifier.wait(t, "email_change_notice")
	if notice.Email != testEmail {
		t.Fatalf("notice went to %q, want the old address", notice.Email)
	}

	if err := env.engine.ConfirmEmailChange(ctx, confirm.Token); err != nil {
		t.Fatalf("ConfirmEmailChange failed: %v", err)
	}

	stored, err := env.store.GetIdentity(ctx, identity.ID)
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if stored.Email != newEmail {
		t.Fatalf("email = %q, want %q", stored.Email, newEmail)
	}
	if stored.EmailStatus != authkeep.EmailVerified {
		t.Fatal("possession of the token proves the address; it must be verified")
	}

	// The change revokes outstanding sessions and rebinds login to the new
	// address.
	if _, err := env.engine.Refresh(ctx, session.RefreshToken); !errors.Is(err, authkeep.ErrSessionInvalidated) {
		t.Fatalf("pre-change refresh token: got %v", err)
	}
	if _, err := env.engine.Login(ctx, testEmail, testPassword); !errors.Is(err, authkeep.ErrInvalidCredentials) {
		t.Fatalf("old address still logs in: %v", err)
	}
	if _, err := env.engine.Login(ctx, newEmail, testPassword); err != nil {
		t.Fatalf("new address login failed: %v", err)
	}
}

func TestEmailChangeRejectsTakenAddress(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	if _, err := env.engine.Register(ctx, authkeep.RegisterInput{
		Email:    "bob@example.com",
		Password: testPassword,
	}); err != nil {
		t.Fatalf("second Register failed: %v", err)
	}

	stepUp, err := env.engine.Reauthorize(ctx, identity.ID, testPassword, authkeep.ScopeEmailChange)
	if err != nil {
		t.Fatalf("Reauthorize failed: %v", err)
	}
	if err := env.engine.RequestEmailChange(ctx, identity.ID, "bob@example.com", stepUp); !errors.Is(err, authkeep.ErrEmailAlreadyInUse) {
		t.Fatalf("taken address: got %v", err)
	}
	if err := env.engine.RequestEmailChange(ctx, identity.ID, testEmail, stepUp); !errors.Is(err, authkeep.ErrValidation) {
		t.Fatalf("unchanged address: got %v", err)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t)

	_, err := env.engine.Register(context.Background(), authkeep.RegisterInput{
		Email:    testEmail,
		Password: testPassword,
	})
	if !errors.Is(err, authkeep.ErrEmailAlreadyInUse) {
		t.Fatalf("duplicate Register: got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, email := range []string{"", "not-an-email", "a@b@c", "alice <alice@example.com>"} {
		if _, err := env.engine.Register(ctx, authkeep.RegisterInput{Email: email, Password: testPassword}); !errors.Is(err, authkeep.ErrValidation) {
			t.Fatalf("email %q: got %v", email, err)
		}
	}
	if _, err := env.engine.Register(ctx, authkeep.RegisterInput{Email: testEmail, Password: "short"}); !errors.Is(err, authkeep.ErrValidation) {
		t.Fatalf("weak password: got %v", err)
	}
}

func TestAccountDeletionFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	stepUp, err := env.engine.Reauthorize(ctx, identity.ID, testPassword, authkeep.ScopeAccountDelete)
	if err != nil {
		t.Fatalf("Reauthorize failed: %v", err)
	}
	if err := env.engine.RequestAccountDeletion(ctx, identity.ID, stepUp); err != nil {
		t.Fatalf("RequestAccountDeletion failed: %v", err)
	}
	request := env.notifier.wait(t, "deletion_request")
	if request.Token == "" {
		t.Fatal("expected a deletion token")
	}

	if err := env.engine.ConfirmAccountDeletion(ctx, request.Token); err != nil {
		t.Fatalf("ConfirmAccountDeletion failed: %v", err)
	}
	env.notifier.wait(t, "deletion_confirmed")

	if _, err := env.store.GetIdentity(ctx, identity.ID); !errors.Is(err, authkeep.ErrIdentityNotFound) {
		t.Fatalf("identity should be gone, got %v", err)
	}
	if _, err := env.engine.Login(ctx, testEmail, testPassword); !errors.Is(err, authkeep.ErrInvalidCredentials) {
		t.Fatalf("deleted identity login: got %v", err)
	}
	if err := env.engine.ConfirmAccountDeletion(ctx, request.Token); !errors.Is(err, authkeep.ErrSecurityTokenInvalid) {
		t.Fatalf("replayed deletion token: got %v", err)
	}
}
