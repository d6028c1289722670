package authkeep_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voleyn/authkeep"
)

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	key, err := env.engine.IssueAPIKey(ctx, identity.ID)
	if err != nil {
		t.Fatalf("IssueAPIKey failed: %v", err)
	}
	if !strings.HasPrefix(key, "ak_") {
		t.Fatalf("key %q missing prefix", key)
	}

	// API keys validate repeatedly; they are not consumed.
	for i := 0; i < 3; i++ {
		resolved, err := env.engine.ValidateAPIKey(ctx, key)
		if err != nil {
			t.Fatalf("ValidateAPIKey #%d failed: %v", i, err)
		}
		if resolved.ID != identity.ID {
			t.Fatalf("resolved wrong identity %s", resolved.ID)
		}
	}

	if err := env.engine.RevokeAPIKey(ctx, identity.ID); err != nil {
		t.Fatalf("RevokeAPIKey failed: %v", err)
	}
	if _, err := env.engine.ValidateAPIKey(ctx, key); !errors.Is(err, authkeep.ErrAPIKeyInvalid) {
		t.Fatalf("revoked key: got %v", err)
	}
}

func TestAPIKeyReissueInvalidatesOld(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	first, err := env.engine.IssueAPIKey(ctx, identity.ID)
	if err != nil {
		t.Fatalf("first IssueAPIKey failed: %v", err)
	}
	second, err := env.engine.IssueAPIKey(ctx, identity.ID)
	if err != nil {
		t.Fatalf("second IssueAPIKey failed: %v", err)
	}

	if _, err := env.engine.ValidateAPIKey(ctx, first); !errors.Is(err, authkeep.ErrAPIKeyInvalid) {
		t.Fatalf("superseded key: got %v", err)
	}
	if _, err := env.engine.ValidateAPIKey(ctx, second); err != nil {
		t.Fatalf("current key failed: %v", err)
	}
}

func TestAPIKeyRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, key := range []string{"", "no-prefix-token", "ak_unknown-value"} {
		if _, err := env.engine.ValidateAPIKey(ctx, key); !errors.Is(err, authkeep.ErrAPIKeyInvalid) {
			t.Fatalf("key %q: got %v", key, err)
		}
	}
}

func TestAPIKeyExpires(t *testing.T) {
	env := newTestEnv(t, func(cfg *authkeep.Config) {
		cfg.SecurityTokens.APIKeyTTL = time.Hour
	})
	identity := env.register(t)
	ctx := context.Background()

	key, err := env.engine.IssueAPIKey(ctx, identity.ID)
	if err != nil {
		t.Fatalf("IssueAPIKey failed: %v", err)
	}
	if _, err := env.engine.ValidateAPIKey(ctx, key); err != nil {
		t.Fatalf("fresh key failed: %v", err)
	}

	env.advance(2 * time.Hour)
	if _, err := env.engine.ValidateAPIKey(ctx, key); !errors.Is(err, authkeep.ErrAPIKeyInvalid) {
		t.Fatalf("expired key: got %v", err)
	}
}

func TestAPIKeyDisabledIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	identity := env.register(t)
	ctx := context.Background()

	key, err := env.engine.IssueAPIKey(ctx, identity.ID)
	if err != nil {
		t.Fatalf("IssueAPIKey failed: %v", err)
	}
	if err := env.engine.SetIdentityStatus(ctx, identity.ID, authkeep.IdentityDisabled); err != nil {
		t.Fatalf("SetIdentityStatus failed: %v", err)
	}
	if _, err := env.engine.ValidateAPIKey(ctx, key); !errors.Is(err, authkeep.ErrAPIKeyInvalid) {
		t.Fatalf("key of disabled identity: got %v", err)
	}
}

func TestSecurityTokenExpiry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t)
	ctx := context.Background()

	if err := env.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	reset := env.notifier.wait(t, "password_reset")

	// Default reset TTL is one hour.
	env.advance(2 * time.Hour)
	if err := env.engine.ConfirmPasswordReset(ctx, reset.Token, "a-brand-new-password"); !errors.Is(err, authkeep.ErrSecurityTokenInvalid) {
		t.Fatalf("expired reset token: got %v", err)
	}
}

// Two concurrent consumers of one single-use token must see exactly one
// success.
func TestSecurityTokenConcurrentConsume(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t)
	ctx := context.Background()

	if err := env.engine.RequestPasswordReset(ctx, testEmail); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	reset := env.notifier.wait(t, "password_reset")

	const racers = 8
	errs := make([]error, racers)
	var (
		start sync.WaitGroup
		done  sync.WaitGroup
	)
	start.Add(1)
	for i := 0; i < racers; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			errs[i] = env.engine.ConfirmPasswordReset(ctx, reset.Token, "a-brand-new-password")
		}(i)
	}
	start.Done()
	done.Wait()

	succeeded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, authkeep.ErrSecurityTokenInvalid):
		case errors.Is(err, authkeep.ErrPasswordReuse):
			// A racer that ran after the winner sees its own new password as
			// the current one.
		default:
			t.Fatalf("racer %d: unexpected error %v", i, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d racers succeeded, want exactly 1", succeeded)
	}
}
