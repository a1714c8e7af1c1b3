// Package session owns the ABX client connection and session lifecycle.
//
// Ownership boundary:
// - Conn: dial with bounded retry, exact-size record reads, idempotent close
// - Client: stream-all, gap resolution, per-sequence resend, merge
// - retry/backoff policy and transport security options
//
// A session is strictly sequential: one outstanding request, blocking reads,
// and backoff sleeps on the caller's goroutine.
package session
