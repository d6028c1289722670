package seal

import (
	"errors"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := New("unit-test-secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sealed, err := s.Seal("ya29.provider-access-token")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1:") {
		t.Fatalf("expected v1: prefix, got %q", sealed)
	}
	if !Sealed(sealed) {
		t.Fatal("Sealed should report true for v1: values")
	}

	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if plain != "ya29.provider-access-token" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	s, _ := New("unit-test-secret")
	a, _ := s.Seal("same-value")
	b, _ := s.Seal("same-value")
	if a == b {
		t.Fatal("sealing twice must produce different nonces")
	}
}

func TestNilSealerIsPlaintextMode(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New(\"\") failed: %v", err)
	}
	if s.Enabled() {
		t.Fatal("empty secret must disable sealing")
	}
	out, err := s.Seal("plain-value")
	if err != nil || out != "plain-value" {
		t.Fatalf("nil Seal = (%q, %v)", out, err)
	}
	back, err := s.Open("plain-value")
	if err != nil || back != "plain-value" {
		t.Fatalf("nil Open = (%q, %v)", back, err)
	}
}

func TestOpenSealedWithoutKey(t *testing.T) {
	keyed, _ := New("unit-test-secret")
	sealed, _ := keyed.Seal("secret-material")

	var unkeyed *Sealer
	if _, err := unkeyed.Open(sealed); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("expected ErrKeyMissing, got %v", err)
	}
}

func TestOpenPlaintextPassthroughWithKey(t *testing.T) {
	s, _ := New("unit-test-secret")
	// Legacy rows written before encryption was enabled read back as-is.
	out, err := s.Open("legacy-plaintext-row")
	if err != nil || out != "legacy-plaintext-row" {
		t.Fatalf("legacy Open = (%q, %v)", out, err)
	}
}

func TestOpenRejectsTamperedAndWrongKey(t *testing.T) {
	s, _ := New("unit-test-secret")
	sealed, _ := s.Seal("secret-material")

	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}
	if _, err := s.Open(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for tampered value, got %v", err)
	}

	other, _ := New("a-different-secret")
	if _, err := other.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt under wrong key, got %v", err)
	}

	if _, err := s.Open("v1:!!!not-base64!!!"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for bad encoding, got %v", err)
	}
}
