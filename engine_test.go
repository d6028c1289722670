package authkeep_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voleyn/authkeep"
	"github.com/voleyn/authkeep/oauth"
	"github.com/voleyn/authkeep/password"
	"github.com/voleyn/authkeep/store/memory"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "correct-horse-battery"
)

// capturedNotification is one recorded notifier call.
type capturedNotification struct {
	Kind  string
	Email string
	Token string
}

// captureNotifier records notifications on a channel so tests can pick up
// token values the way a user would from their inbox.
type captureNotifier struct {
	ch      chan capturedNotification
	pending []capturedNotification
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{ch: make(chan capturedNotification, 16)}
}

func (n *captureNotifier) record(kind, email, token string) error {
	n.ch <- capturedNotification{Kind: kind, Email: email, Token: token}
	return nil
}

func (n *captureNotifier) SendVerification(_ context.Context, email, token string) error {
	return n.record("verification", email, token)
}
func (n *captureNotifier) SendPasswordReset(_ context.Context, email, token string) error {
	return n.record("password_reset", email, token)
}
func (n *captureNotifier) SendPasswordChanged(_ context.Context, email string) error {
	return n.record("password_changed", email, "")
}
func (n *captureNotifier) SendEmailChangeConfirm(_ context.Context, newEmail, token string) error {
	return n.record("email_change_confirm", newEmail, token)
}
func (n *captureNotifier) SendEmailChangeNotice(_ context.Context, oldEmail string) error {
	return n.record("email_change_notice", oldEmail, "")
}
func (n *captureNotifier) SendDeletionRequest(_ context.Context, email, token string) error {
	return n.record("deletion_request", email, token)
}
func (n *captureNotifier) SendDeletionConfirmed(_ context.Context, email string) error {
	return n.record("deletion_confirmed", email, "")
}

// wait blocks until a notification of the given kind arrives. Dispatch order
// is not guaranteed, so notifications of other kinds are held back for later
// waits rather than dropped.
func (n *captureNotifier) wait(t *testing.T, kind string) capturedNotification {
	t.Helper()
	for i, held := range n.pending {
		if held.Kind == kind {
			n.pending = append(n.pending[:i], n.pending[i+1:]...)
			return held
		}
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-n.ch:
			if got.Kind == kind {
				return got
			}
			n.pending = append(n.pending, got)
		case <-deadline:
			t.Fatalf("timed out waiting for %q notification", kind)
		}
	}
}

type testEnv struct {
	engine   *authkeep.Engine
	store    *memory.Store
	redis    *redis.Client
	notifier *captureNotifier
	now      *time.Time
}

func testConfig() authkeep.Config {
	cfg := authkeep.DefaultConfig()
	cfg.Token.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.OAuth.EncryptionSecret = "test-encryption-secret"
	// Small Argon2 parameters keep the suite fast.
	cfg.Password.Argon2 = password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*authkeep.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithProviders(t, mutate)
}

func newTestEnvWithProviders(t *testing.T, mutate func(*authkeep.Config), providers ...oauth.Provider) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	now := time.Now()
	store := memory.NewWithClock(func() time.Time { return now })
	notifier := newCaptureNotifier()

	builder := authkeep.New().
		WithConfig(cfg).
		WithStore(store).
		WithRedis(rdb).
		WithNotifier(notifier).
		WithClock(func() time.Time { return now })
	for _, p := range providers {
		builder = builder.WithProvider(p)
	}
	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("engine build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, store: store, redis: rdb, notifier: notifier, now: &now}
}

// advance moves the injected clock forward.
func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

// register creates an identity and drains its verification notification.
func (env *testEnv) register(t *testing.T) *authkeep.Identity {
	t.Helper()
	identity, err := env.engine.Register(context.Background(), authkeep.RegisterInput{
		Email:       testEmail,
		Password:    testPassword,
		DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	env.notifier.wait(t, "verification")
	return identity
}

// enrollTOTP provisions and confirms a TOTP enrollment, returning the
// plaintext secret and the fresh backup codes.
func (env *testEnv) enrollTOTP(t *testing.T, identityID string) (string, []string) {
	t.Helper()
	enrollment, err := env.engine.ProvisionTOTP(context.Background(), identityID)
	if err != nil {
		t.Fatalf("ProvisionTOTP failed: %v", err)
	}
	codes, err := env.engine.ConfirmTOTP(context.Background(), identityID, totpCodeAt(t, enrollment.SecretBase32, *env.now))
	if err != nil {
		t.Fatalf("ConfirmTOTP failed: %v", err)
	}
	// The confirmation consumed the current time step; move to the next one
	// so login challenges are not rejected as replays.
	env.advance(30 * time.Second)
	return enrollment.SecretBase32, codes
}

// totpCodeAt computes the expected 6-digit SHA-1 code for the secret at t.
func totpCodeAt(t *testing.T, secretBase32 string, at time.Time) string {
	t.Helper()
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("bad secret base32: %v", err)
	}
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(at.Unix()/30))
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	return fmt.Sprintf("%06d", bin%1000000)
}
