// Package session owns device-session records and their persistence.
//
// A user may hold at most a configured number of active sessions. Every
// read-then-write of a user's active set happens inside Store.WithUser, which
// grants exclusive access to that user's set for the duration of the callback.
// Three engines implement Store: an in-memory store for development and tests,
// PostgreSQL (transactional advisory locks), and Redis (token-guarded locks).
//
// Admission policy lives in package admission; this package only stores.
package session
