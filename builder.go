package authkeep

import (
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voleyn/authkeep/internal/rate"
	"github.com/voleyn/authkeep/oauth"
	"github.com/voleyn/authkeep/password"
	"github.com/voleyn/authkeep/seal"
	"github.com/voleyn/authkeep/token"
)

// Builder assembles an [Engine]. Construction is allocation-only until
// Build, which validates the configuration and wires every component.
type Builder struct {
	config    Config
	store     IdentityStore
	redis     redis.UniversalClient
	notifier  Notifier
	auditSink AuditSink
	logger    *zap.Logger
	providers []oauth.Provider
	now       func() time.Time

	built bool
}

// New returns a [Builder] seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the persistence contract implementation. Required.
func (b *Builder) WithStore(store IdentityStore) *Builder {
	b.store = store
	return b
}

// WithRedis sets the Redis client backing rate-limit windows, MFA challenge
// state, and OAuth state. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithNotifier sets the outbound notification implementation. Optional; with
// none configured, flows that would notify simply skip dispatch.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the audit event consumer.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger. Defaults to zap.NewNop.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithProvider registers an OAuth provider. May be called repeatedly.
func (b *Builder) WithProvider(p oauth.Provider) *Builder {
	b.providers = append(b.providers, p)
	return b
}

// WithClock injects the time source used for token issuance, expiry checks,
// and window accounting. Tests use this; production leaves it unset.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and returns the assembled [Engine].
// A Builder is single-use.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.store == nil {
		return nil, errors.New("identity store is required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if err := validateConfig(b.config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tokens, err := token.NewService(b.config.Token, now)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}
	hasher, err := password.NewHasher(b.config.Password.Argon2)
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}
	sealer, err := seal.New(b.config.OAuth.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("token sealer: %w", err)
	}
	if !sealer.Enabled() {
		logger.Warn("no encryption secret configured; provider tokens and TOTP secrets will be stored in plaintext (development mode)")
	}

	policies := make(map[string]rate.Policy, len(b.config.RateLimits))
	for op, windows := range b.config.RateLimits {
		policy := make(rate.Policy, 0, len(windows))
		for _, w := range windows {
			policy = append(policy, rate.Window{Duration: w.Duration, Max: w.Max})
		}
		policies[op] = policy
	}

	registry := oauth.NewRegistry()
	for _, p := range b.providers {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("oauth provider %q: %w", p.Name(), err)
		}
	}

	cacheTTL := b.config.OAuth.TokenCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = cache.NoExpiration
	}

	engine := &Engine{
		config:         b.config,
		store:          b.store,
		tokens:         tokens,
		hasher:         hasher,
		totp:           newTOTPManager(b.config.TOTP),
		sealer:         sealer,
		limiter:        rate.New(b.redis, policies, now),
		mfaStore:       newMFAChallengeStore(b.redis, now),
		stateStore:     newOAuthStateStore(b.redis, now),
		providers:      registry,
		notifier:       b.notifier,
		audit:          newAuditDispatcher(b.config.Audit, b.auditSink),
		logger:         logger,
		now:            now,
		providerTokens: cache.New(cacheTTL, providerTokenCacheSweep),
	}
	if b.config.MetricsEnabled {
		engine.metrics = NewMetrics()
	}

	b.built = true
	return engine, nil
}
