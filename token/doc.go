// Package token issues and verifies the signed tokens used by the authkeep
// engine: short-lived access tokens, long-lived refresh tokens, very
// short-lived step-up reauthorization tokens, and MFA challenge session
// tokens.
//
// Every token embeds a session-version snapshot under the "sev" claim and a
// type discriminator under "typ". Verification is self-contained — no store
// round-trip — so invalidating all outstanding tokens for an identity is a
// single session-version increment by the caller.
//
// # What this package must NOT do
//
//   - Touch Redis or any persistence layer.
//   - Decide rate-limit or MFA policy (that lives in the engine).
package token
