package authkeep_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/voleyn/authkeep"
)

func TestProvisionAndConfirmTOTP(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	enrollment, err := env.engine.ProvisionTOTP(ctx, identity.ID)
	if err != nil {
		t.Fatalf("ProvisionTOTP failed: %v", err)
	}
	if enrollment.SecretBase32 == "" {
		t.Fatal("expected a plaintext secret for QR display")
	}
	if !strings.HasPrefix(enrollment.URI, "otpauth://totp/") {
		t.Fatalf("unexpected URI %q", enrollment.URI)
	}
	if !strings.Contains(enrollment.URI, "secret="+enrollment.SecretBase32) {
		t.Fatal("URI must carry the secret")
	}

	// The stored secret is sealed, never plaintext.
	rec, err := env.store.GetTOTP(ctx, identity.ID)
	if err != nil {
		t.Fatalf("GetTOTP failed: %v", err)
	}
	if rec.Confirmed {
		t.Fatal("enrollment must start unconfirmed")
	}
	if !strings.HasPrefix(rec.Secret, "v1:") || strings.Contains(rec.Secret, enrollment.SecretBase32) {
		t.Fatal("stored secret must be sealed")
	}

	// Unconfirmed enrollments do not affect login.
	if result, err := env.engine.Login(ctx, testEmail, testPassword); err != nil || result.MFARequired {
		t.Fatalf("unconfirmed enrollment changed login: (%+v, %v)", result, err)
	}

	if _, err := env.engine.ConfirmTOTP(ctx, identity.ID, "000000"); !errors.Is(err, authkeep.ErrMFACodeInvalid) {
		t.Fatalf("wrong confirmation code: got %v", err)
	}
	codes, err := env.engine.ConfirmTOTP(ctx, identity.ID, totpCodeAt(t, enrollment.SecretBase32, *env.now))
	if err != nil {
		t.Fatalf("ConfirmTOTP failed: %v", err)
	}
	codeForm := regexp.MustCompile(`^[A-Z2-9]{5}-[A-Z2-9]{5}$`)
	for _, code := range codes {
		if !codeForm.MatchString(code) {
			t.Fatalf("backup code %q has unexpected form", code)
		}
	}

	count, err := env.engine.BackupCodeCount(ctx, identity.ID)
	if err != nil {
		t.Fatalf("BackupCodeCount failed: %v", err)
	}
	if count != len(codes) {
		t.Fatalf("BackupCodeCount = %d, want %d", count, len(codes))
	}

	// Now the login requires a second factor.
	result, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !result.MFARequired {
		t.Fatal("confirmed enrollment must gate login")
	}
}

func TestProvisionTOTPReplacesUnconfirmed(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	first, err := env.engine.ProvisionTOTP(ctx, identity.ID)
	if err != nil {
		t.Fatalf("first ProvisionTOTP failed: %v", err)
	}
	second, err := env.engine.ProvisionTOTP(ctx, identity.ID)
	if err != nil {
		t.Fatalf("re-provision failed: %v", err)
	}
	if first.SecretBase32 == second.SecretBase32 {
		t.Fatal("re-provisioning must mint a fresh secret")
	}

	// Only the latest secret confirms.
	if _, err := env.engine.ConfirmTOTP(ctx, identity.ID, totpCodeAt(t, first.SecretBase32, *env.now)); !errors.Is(err, authkeep.ErrMFACodeInvalid) {
		t.Fatalf("stale secret: got %v", err)
	}
	if _, err := env.engine.ConfirmTOTP(ctx, identity.ID, totpCodeAt(t, second.SecretBase32, *env.now)); err != nil {
		t.Fatalf("ConfirmTOTP failed: %v", err)
	}
}

func TestProvisionTOTPRejectsConfirmedEnrollment(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	env.enrollTOTP(t, identity.ID)

	if _, err := env.engine.ProvisionTOTP(context.Background(), identity.ID); !errors.Is(err, authkeep.ErrValidation) {
		t.Fatalf("re-provision over confirmed enrollment: got %v", err)
	}
}

func TestDisableTOTP(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	env.enrollTOTP(t, identity.ID)
	ctx := context.Background()

	if err := env.engine.DisableTOTP(ctx, identity.ID, "bogus"); !errors.Is(err, authkeep.ErrReauthorizationRequired) {
		t.Fatalf("disable without step-up: got %v", err)
	}

	stepUp, err := env.engine.Reauthorize(ctx, identity.ID, testPassword, authkeep.ScopePasswordChange)
	if err != nil {
		t.Fatalf("Reauthorize failed: %v", err)
	}
	if err := env.engine.DisableTOTP(ctx, identity.ID, stepUp); err != nil {
		t.Fatalf("DisableTOTP failed: %v", err)
	}

	// Login goes back to single factor; backup codes are gone too.
	result, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.MFARequired {
		t.Fatal("disabled enrollment must not gate login")
	}
	count, err := env.engine.BackupCodeCount(ctx, identity.ID)
	if err != nil {
		t.Fatalf("BackupCodeCount failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("backup codes remaining after disable: %d", count)
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	_, original := env.enrollTOTP(t, identity.ID)
	ctx := context.Background()

	fresh, err := env.engine.RegenerateBackupCodes(ctx, identity.ID)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(fresh) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(fresh))
	}

	// The old codes are dead.
	session, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := env.engine.VerifyMFA(ctx, session.MFAToken, original[0], authkeep.MFAMethodBackup); !errors.Is(err, authkeep.ErrMFACodeInvalid) {
		t.Fatalf("replaced backup code: got %v", err)
	}
	if _, err := env.engine.VerifyMFA(ctx, session.MFAToken, fresh[0], authkeep.MFAMethodBackup); err != nil {
		t.Fatalf("fresh backup code failed: %v", err)
	}
}

func TestRegenerateBackupCodesRequiresEnrollment(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)

	if _, err := env.engine.RegenerateBackupCodes(context.Background(), identity.ID); !errors.Is(err, authkeep.ErrMFANotEnrolled) {
		t.Fatalf("regenerate without enrollment: got %v", err)
	}
}
