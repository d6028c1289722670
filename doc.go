// Package authkeep is the session, credential, and multi-factor authentication
// engine behind a multi-tenant identity service. It issues and invalidates
// JWT access/refresh tokens, enforces sliding-window rate limits on
// security-sensitive operations, drives the MFA challenge state machine
// (TOTP and backup codes), runs the OAuth authorization-code flow with
// CSRF-safe single-use state and encrypted token-at-rest storage, and manages
// time-limited single-use security tokens for email verification, password
// reset, email change, and account deletion.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authkeep is the public surface. It exposes [Engine], [Builder], [Config],
// the [IdentityStore] persistence contract, and value types. Rate-limit
// window accounting lives under internal/ and is never exported. Durable
// records (identities, single-use tokens, MFA enrollment, OAuth connections)
// live behind [IdentityStore]; ephemeral shared state (rate-limit windows,
// MFA challenge attempts, OAuth CSRF state) lives in Redis.
//
// # Session invalidation model
//
// Every issued token embeds a snapshot of the identity's session version.
// Incrementing that version once invalidates every outstanding refresh token
// for the identity without a revocation list: verification compares the
// embedded snapshot against the current value and fails with
// [ErrSessionInvalidated] on mismatch. Access token verification is
// self-contained and performs no store round-trip, trading a small staleness
// window for statelessness.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or wire encodings in its public API.
//   - Perform HTTP routing, HTML rendering, or transport encoding of tokens.
//   - Evaluate roles or permissions beyond authenticated-vs-public.
package authkeep
