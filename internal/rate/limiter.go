package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited marks a rejected attempt.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// Window is one (duration, max attempts) pair of a policy.
type Window struct {
	Duration time.Duration
	Max      int64
}

// Policy is the ordered window list for one named operation, e.g.
// {5/minute, 20/hour}.
type Policy []Window

// Decision is the outcome of a Check call. RetryAfter is a best-effort hint
// derived from the oldest attempt still inside the violated window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces sliding-window limits per (operation, key) using Redis
// sorted sets. Safe for concurrent use.
type Limiter struct {
	redis    redis.UniversalClient
	policies map[string]Policy
	now      func() time.Time
}

// New creates a [Limiter]. Operations without a policy are never limited.
// The now function defaults to time.Now.
func New(client redis.UniversalClient, policies map[string]Policy, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{redis: client, policies: policies, now: now}
}

func (l *Limiter) key(op, key string) string {
	return "rl:" + op + ":" + key
}

func maxDuration(p Policy) time.Duration {
	var d time.Duration
	for _, w := range p {
		if w.Duration > d {
			d = w.Duration
		}
	}
	return d
}

// Check reports whether another attempt for (op, key) is currently allowed.
// It does not record anything.
func (l *Limiter) Check(ctx context.Context, op, key string) (Decision, error) {
	policy, ok := l.policies[op]
	if !ok || len(policy) == 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	rkey := l.key(op, key)

	// Prune entries older than the widest window before counting.
	cutoff := now.Add(-maxDuration(policy)).UnixNano()
	if err := l.redis.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	decision := Decision{Allowed: true}
	for _, w := range policy {
		min := strconv.FormatInt(now.Add(-w.Duration).UnixNano(), 10)
		count, err := l.redis.ZCount(ctx, rkey, min, "+inf").Result()
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count < w.Max {
			continue
		}
		retry, err := l.retryAfter(ctx, rkey, w, now)
		if err != nil {
			return Decision{}, err
		}
		decision.Allowed = false
		if retry > decision.RetryAfter {
			decision.RetryAfter = retry
		}
	}
	return decision, nil
}

// RecordAttempt adds one attempt for (op, key). Called before the protected
// operation executes, so an operation that errors mid-way still counts.
func (l *Limiter) RecordAttempt(ctx context.Context, op, key string) error {
	policy, ok := l.policies[op]
	if !ok || len(policy) == 0 {
		return nil
	}

	now := l.now()
	rkey := l.key(op, key)
	widest := maxDuration(policy)

	pipe := l.redis.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(now.Add(-widest).UnixNano(), 10))
	pipe.Expire(ctx, rkey, widest)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RecordFailure adds one attempt for (op, key). It exists for operations
// whose policy counts only failures (MFA code submission) rather than all
// attempts; the accounting is identical to RecordAttempt.
func (l *Limiter) RecordFailure(ctx context.Context, op, key string) error {
	return l.RecordAttempt(ctx, op, key)
}

// RecordSuccess clears the window for (op, key), forgiving prior failures.
func (l *Limiter) RecordSuccess(ctx context.Context, op, key string) error {
	if _, ok := l.policies[op]; !ok {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(op, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) retryAfter(ctx context.Context, rkey string, w Window, now time.Time) (time.Duration, error) {
	min := strconv.FormatInt(now.Add(-w.Duration).UnixNano(), 10)
	zs, err := l.redis.ZRangeByScoreWithScores(ctx, rkey, &redis.ZRangeBy{
		Min: min, Max: "+inf", Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(zs) == 0 {
		return 0, nil
	}
	oldest := time.Unix(0, int64(zs[0].Score))
	retry := oldest.Add(w.Duration).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return retry, nil
}
