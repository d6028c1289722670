// Package rate provides the Redis-backed sliding-window rate limiter used by
// the engine for security-sensitive operations.
//
// # Window semantics
//
// Each named operation carries one or more (duration, max attempts) windows.
// Attempts are members of a per-key sorted set scored by unix-nanosecond
// timestamps; a window is exceeded when the set holds max or more members
// younger than the window. ZADD is the single atomic update, so concurrent
// attempts against the same key never lose increments. Key prefix: rl:.
//
// # What this package must NOT do
//
//   - Decide which operations are limited or with what policy (engine config).
//   - Be imported outside the authkeep module.
package rate
