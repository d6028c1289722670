package authkeep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/voleyn/authkeep/internal/rate"
	"github.com/voleyn/authkeep/oauth"
	"github.com/voleyn/authkeep/password"
	"github.com/voleyn/authkeep/seal"
	"github.com/voleyn/authkeep/token"
)

// Engine composes the token service, rate limiter, MFA challenge machine,
// OAuth flow manager, and single-use token lifecycle into the end-to-end
// authentication flows. Build one through [Builder]; it is immutable and safe
// for concurrent use afterwards.
type Engine struct {
	config     Config
	store      IdentityStore
	tokens     *token.Service
	hasher     *password.Hasher
	totp       *totpManager
	sealer     *seal.Sealer
	limiter    *rate.Limiter
	mfaStore   *mfaChallengeStore
	stateStore *oauthStateStore
	providers  *oauth.Registry
	notifier   Notifier
	audit      *auditDispatcher
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time

	// providerTokens caches decrypted provider tokens so repeated
	// ProviderToken calls skip the store and the unseal.
	providerTokens *cache.Cache
	// refreshGroup collapses concurrent provider-token refreshes for the
	// same connection into one upstream call.
	refreshGroup singleflight.Group

	notifyWG sync.WaitGroup
}

// Close flushes the audit queue and waits for in-flight notification
// dispatches.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.notifyWG.Wait()
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded on a full queue.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) emitAudit(ctx context.Context, eventType, identityID string, success bool, opErr error, metadata func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp:  e.now(),
		EventType:  eventType,
		IdentityID: identityID,
		IP:         clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		Success:    success,
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	if metadata != nil {
		event.Metadata = metadata()
	}
	e.audit.Emit(ctx, event)
}

// checkLimit enforces the named limiter for key without recording anything.
// Limiter backend failures deny the operation: rate limiting fails closed.
func (e *Engine) checkLimit(ctx context.Context, op, key string) error {
	if e.limiter == nil {
		return nil
	}
	decision, err := e.limiter.Check(ctx, op, key)
	if err != nil {
		e.logger.Error("rate limiter check failed", zap.String("op", op), zap.Error(err))
		return errors.Join(ErrBackendUnavailable, err)
	}
	if !decision.Allowed {
		e.metricInc(MetricRateLimited)
		e.emitAudit(ctx, auditEventRateLimited, "", false, ErrRateLimited, func() map[string]string {
			return map[string]string{"op": op, "retry_after": decision.RetryAfter.String()}
		})
		return ErrRateLimited
	}
	return nil
}

// recordAttempt counts one attempt before the protected operation runs, so
// operations that error mid-way still consume budget.
func (e *Engine) recordAttempt(ctx context.Context, op, key string) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.RecordAttempt(ctx, op, key); err != nil {
		e.logger.Error("rate limiter record failed", zap.String("op", op), zap.Error(err))
		return errors.Join(ErrBackendUnavailable, err)
	}
	return nil
}

func (e *Engine) recordSuccess(ctx context.Context, op, key string) {
	if e.limiter == nil {
		return
	}
	if err := e.limiter.RecordSuccess(ctx, op, key); err != nil {
		e.logger.Warn("rate limiter reset failed", zap.String("op", op), zap.Error(err))
	}
}

// dispatchNotify runs send on its own goroutine with a detached context.
// Notification failures are logged and never propagate to the caller.
func (e *Engine) dispatchNotify(name string, send func(ctx context.Context) error) {
	if e.notifier == nil {
		return
	}
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := send(ctx); err != nil {
			e.logger.Warn("notification dispatch failed", zap.String("notification", name), zap.Error(err))
		}
	}()
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	return nil
}
