// Package identity provides the credential-verification core for a first-party
// email+password application: password login with email one-time-code (OTP)
// second factor, account lockout, forgot/reset password, invite-token
// onboarding, and an authenticated change-password challenge.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build]. There is no in-process mutable state beyond atomic metric
// counters; Redis and the caller-supplied stores are the source of truth, so
// multiple engine instances can run behind a load balancer.
//
// # Architecture boundaries
//
// identity is the public surface. It exposes [Engine], [Builder], [Config],
// the store interfaces ([UserStore], [InviteStore], [Mailer]) and value types
// (result structs, [AuditEvent], [MetricsSnapshot]). Challenge storage, rate
// limiting, OTP state transitions, and crypto primitives live under internal/
// and are never exported.
//
// # What this package must NOT do
//
//   - Render email templates, serve HTTP, or define a wire format; controllers
//     own those. The engine hands raw codes and tokens to [Mailer] and returns
//     result values.
//   - Reveal through any result message whether an email address is enrolled,
//     whether a code was wrong versus expired versus locked, or any other
//     sub-reason of an authentication failure.
//   - Retry failed store or mailer calls; retry policy belongs to the caller.
//
// # Failure discipline
//
// Expected security outcomes (wrong password, bad code, expired invite) are
// values: result structs carrying a status and a user-safe message. Go errors
// are reserved for validation faults and infrastructure failures (store or
// Redis unavailable), exposed as sentinels in errors.go.
package identity
