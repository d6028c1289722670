package password

import (
	"strings"
	"testing"
)

// Small parameters keep the tests fast while staying above the floors.
func testHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := testHasher(t)

	encoded, err := h.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected PHC prefix: %s", encoded)
	}

	ok, err := h.Verify("correct-horse-battery", encoded)
	if err != nil || !ok {
		t.Fatalf("Verify of correct password = (%v, %v)", ok, err)
	}
	ok, err = h.Verify("wrong-password", encoded)
	if err != nil || ok {
		t.Fatalf("Verify of wrong password = (%v, %v)", ok, err)
	}
}

func TestHashesAreSalted(t *testing.T) {
	h := testHasher(t)

	a, _ := h.Hash("same-password-here")
	b, _ := h.Hash("same-password-here")
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestVerifyUsesParametersFromHash(t *testing.T) {
	// A hash produced with different parameters must still verify: the
	// parameters ride in the PHC string, not in the verifier's config.
	producer, err := NewHasher(Config{
		Memory:      16 * 1024,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	encoded, err := producer.Hash("portable-password1")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	ok, err := testHasher(t).Verify("portable-password1", encoded)
	if err != nil || !ok {
		t.Fatalf("cross-config Verify = (%v, %v)", ok, err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	h := testHasher(t)
	for _, encoded := range []string{
		"",
		"$argon2id$",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$AAAA",
		"plain-text",
	} {
		if _, err := h.Verify("x", encoded); err == nil {
			t.Fatalf("expected error for malformed hash %q", encoded)
		}
	}
}

func TestNeedsRehash(t *testing.T) {
	weak, err := NewHasher(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	encoded, _ := weak.Hash("password-to-migrate")

	strong, err := NewHasher(Config{
		Memory:      16 * 1024,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	if needs, err := weak.NeedsRehash(encoded); err != nil || needs {
		t.Fatalf("same-config NeedsRehash = (%v, %v)", needs, err)
	}
	if needs, err := strong.NeedsRehash(encoded); err != nil || !needs {
		t.Fatalf("upgraded-config NeedsRehash = (%v, %v)", needs, err)
	}
}

func TestNewHasherEnforcesFloors(t *testing.T) {
	if _, err := NewHasher(Config{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}); err == nil {
		t.Fatal("expected error for memory below floor")
	}
	if _, err := NewHasher(Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}); err == nil {
		t.Fatal("expected error for salt length below floor")
	}
}
