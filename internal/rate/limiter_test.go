package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, policies map[string]Policy) (*Limiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Now()
	return New(rdb, policies, func() time.Time { return now }), &now
}

func TestLimiterAllowsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Policy{
		"login": {{Duration: time.Minute, Max: 3}},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "login", "sub:alice")
		if err != nil {
			t.Fatalf("Check #%d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt #%d should be allowed", i)
		}
		if err := l.RecordAttempt(ctx, "login", "sub:alice"); err != nil {
			t.Fatalf("RecordAttempt #%d failed: %v", i, err)
		}
	}

	d, err := l.Check(ctx, "login", "sub:alice")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("4th attempt within the window should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected RetryAfter: %v", d.RetryAfter)
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l, now := newTestLimiter(t, map[string]Policy{
		"login": {{Duration: time.Minute, Max: 2}},
	})
	ctx := context.Background()

	_ = l.RecordAttempt(ctx, "login", "k")
	_ = l.RecordAttempt(ctx, "login", "k")

	if d, _ := l.Check(ctx, "login", "k"); d.Allowed {
		t.Fatal("expected denial inside the window")
	}

	*now = now.Add(61 * time.Second)
	d, err := l.Check(ctx, "login", "k")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected the window to have slid past old attempts")
	}
}

func TestLimiterMultiWindowTakesStrictest(t *testing.T) {
	l, now := newTestLimiter(t, map[string]Policy{
		"login": {
			{Duration: time.Minute, Max: 5},
			{Duration: time.Hour, Max: 6},
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = l.RecordAttempt(ctx, "login", "k")
	}
	if d, _ := l.Check(ctx, "login", "k"); d.Allowed {
		t.Fatal("per-minute window should deny")
	}

	// Slide past the minute window; the hourly budget still has one left.
	*now = now.Add(2 * time.Minute)
	if d, _ := l.Check(ctx, "login", "k"); !d.Allowed {
		t.Fatal("hourly window should still allow one more")
	}
	_ = l.RecordAttempt(ctx, "login", "k")

	d, _ := l.Check(ctx, "login", "k")
	if d.Allowed {
		t.Fatal("hourly window should now deny")
	}
	if d.RetryAfter <= 50*time.Minute {
		t.Fatalf("RetryAfter should come from the hourly window, got %v", d.RetryAfter)
	}
}

func TestLimiterRecordSuccessClears(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Policy{
		"login": {{Duration: time.Minute, Max: 1}},
	})
	ctx := context.Background()

	_ = l.RecordAttempt(ctx, "login", "k")
	if d, _ := l.Check(ctx, "login", "k"); d.Allowed {
		t.Fatal("expected denial before success reset")
	}
	if err := l.RecordSuccess(ctx, "login", "k"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if d, _ := l.Check(ctx, "login", "k"); !d.Allowed {
		t.Fatal("expected success to forgive prior attempts")
	}
}

// RecordFailure and RecordAttempt share one budget: a failure-counting
// policy must not charge the same event twice.
func TestLimiterFailureSharesAttemptBudget(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Policy{
		"mfa_verify": {{Duration: time.Minute, Max: 3}},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.RecordFailure(ctx, "mfa_verify", "id:u1"); err != nil {
			t.Fatalf("RecordFailure #%d failed: %v", i, err)
		}
	}
	if err := l.RecordAttempt(ctx, "mfa_verify", "id:u1"); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	d, err := l.Check(ctx, "mfa_verify", "id:u1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("2 failures + 1 attempt must exhaust a budget of 3")
	}
	if err := l.RecordSuccess(ctx, "mfa_verify", "id:u1"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if d, _ := l.Check(ctx, "mfa_verify", "id:u1"); !d.Allowed {
		t.Fatal("success must forgive recorded failures")
	}
}

func TestLimiterUnknownOperationNeverLimits(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Policy{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := l.RecordAttempt(ctx, "unconfigured", "k"); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}
	if d, _ := l.Check(ctx, "unconfigured", "k"); !d.Allowed {
		t.Fatal("operations without a policy must never be limited")
	}
}

func TestLimiterKeysAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Policy{
		"login": {{Duration: time.Minute, Max: 1}},
	})
	ctx := context.Background()

	_ = l.RecordAttempt(ctx, "login", "sub:alice")
	if d, _ := l.Check(ctx, "login", "sub:alice"); d.Allowed {
		t.Fatal("alice should be limited")
	}
	if d, _ := l.Check(ctx, "login", "sub:bob"); !d.Allowed {
		t.Fatal("bob must not be affected by alice's attempts")
	}
}
