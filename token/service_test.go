package token

import (
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		SigningMethod: MethodHS256,
		Secret:        []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "test",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    21 * 24 * time.Hour,
		ReauthTTL:     5 * time.Minute,
		MFASessionTTL: 5 * time.Minute,
	}
}

func newTestService(t *testing.T, at time.Time) (*Service, *time.Time) {
	t.Helper()
	now := at
	svc, err := NewService(testConfig(), func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, &now
}

func TestIssueAndVerifyAccess(t *testing.T) {
	svc, _ := newTestService(t, time.Now())

	signed, err := svc.IssueAccess("id-1", "alice@example.com", 7)
	if err != nil {
		t.Fatalf("IssueAccess failed: %v", err)
	}
	claims, err := svc.Verify(signed, TypeAccess)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "id-1" || claims.Email != "alice@example.com" || claims.SessionVersion != 7 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatal("expected a jti")
	}
}

func TestVerifyRejectsWrongType(t *testing.T) {
	svc, _ := newTestService(t, time.Now())

	refresh, err := svc.IssueRefresh("id-1", 1)
	if err != nil {
		t.Fatalf("IssueRefresh failed: %v", err)
	}
	if _, err := svc.Verify(refresh, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for refresh-as-access, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	svc, now := newTestService(t, time.Now())

	signed, err := svc.IssueAccess("id-1", "a@b.co", 1)
	if err != nil {
		t.Fatalf("IssueAccess failed: %v", err)
	}
	*now = now.Add(16 * time.Minute)
	if _, err := svc.Verify(signed, TypeAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsTampered(t *testing.T) {
	svc, _ := newTestService(t, time.Now())

	signed, err := svc.IssueAccess("id-1", "a@b.co", 1)
	if err != nil {
		t.Fatalf("IssueAccess failed: %v", err)
	}
	tampered := signed[:len(signed)-2] + "xx"
	if _, err := svc.Verify(tampered, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for tampered token, got %v", err)
	}
}

func TestRefreshAccessSessionVersionMismatch(t *testing.T) {
	svc, _ := newTestService(t, time.Now())

	refresh, err := svc.IssueRefresh("id-1", 3)
	if err != nil {
		t.Fatalf("IssueRefresh failed: %v", err)
	}
	if _, err := svc.RefreshAccess(refresh, "a@b.co", 3); err != nil {
		t.Fatalf("RefreshAccess with matching version failed: %v", err)
	}
	if _, err := svc.RefreshAccess(refresh, "a@b.co", 4); !errors.Is(err, ErrSessionInvalidated) {
		t.Fatalf("expected ErrSessionInvalidated, got %v", err)
	}
}

func TestIssueMFASessionCarriesChallengeState(t *testing.T) {
	svc, _ := newTestService(t, time.Now())

	signed, jti, err := svc.IssueMFASession("id-1", 2, 3, []string{"totp", "backup"})
	if err != nil {
		t.Fatalf("IssueMFASession failed: %v", err)
	}
	claims, err := svc.Verify(signed, TypeMFASession)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.ID != jti {
		t.Fatalf("jti mismatch: %q vs %q", claims.ID, jti)
	}
	if claims.Attempts != 3 || len(claims.Methods) != 2 {
		t.Fatalf("unexpected challenge claims: %+v", claims)
	}
}

func TestIdentifyType(t *testing.T) {
	svc, _ := newTestService(t, time.Now())

	access, _ := svc.IssueAccess("id-1", "a@b.co", 1)
	refresh, _ := svc.IssueRefresh("id-1", 1)

	if typ := svc.IdentifyType(access); typ != TypeAccess {
		t.Fatalf("expected access, got %q", typ)
	}
	if typ := svc.IdentifyType(refresh); typ != TypeRefresh {
		t.Fatalf("expected refresh, got %q", typ)
	}
	if typ := svc.IdentifyType("not-a-token"); typ != TypeUnknown {
		t.Fatalf("expected unknown, got %q", typ)
	}
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Secret = []byte("short")
	if _, err := NewService(cfg, nil); err == nil {
		t.Fatal("expected error for short HS256 secret")
	}
}

func TestTrimBearer(t *testing.T) {
	for in, want := range map[string]string{
		"Bearer abc":   "abc",
		"  Bearer abc": "abc",
		"abc":          "abc",
	} {
		if got := TrimBearer(in); got != want {
			t.Fatalf("TrimBearer(%q) = %q, want %q", in, got, want)
		}
	}
}
