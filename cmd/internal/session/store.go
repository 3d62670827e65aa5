package session

import (
	"context"
	"time"
)

// Store persists session records.
//
// Get, ListActive and Touch may run concurrently with anything. Operations
// that change the size of a user's active set must run inside WithUser.
type Store interface {
	// Get loads a session by id. Returns ErrNotFound when unknown.
	Get(ctx context.Context, sessionID string) (Record, error)

	// ListActive returns the user's active sessions ordered by CreatedAt
	// ascending, ties broken by ID.
	ListActive(ctx context.Context, userID string) ([]Record, error)

	// Touch advances LastSeenAt to now unless it is already later.
	// Returns ErrNotFound when unknown.
	Touch(ctx context.Context, now time.Time, sessionID string) error

	// WithUser runs fn with exclusive access to userID's session set.
	// Acquisition honors ctx; fn's error is returned unchanged and any
	// writes made through the scope are discarded where the engine allows it.
	WithUser(ctx context.Context, userID string, fn func(Scope) error) error

	// Purge deletes inactive sessions deactivated before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Ping reports whether the backing engine is reachable.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}

// Scope is a user's session set under exclusive access.
// It is only valid inside the WithUser callback that produced it.
type Scope interface {
	UserID() string

	ListActive(ctx context.Context) ([]Record, error)

	// Get returns ErrNotFound for sessions owned by another user.
	Get(ctx context.Context, sessionID string) (Record, error)

	// Create inserts a new active session with CreatedAt = LastSeenAt = now.
	Create(ctx context.Context, now time.Time, deviceID, deviceInfo string) (Record, error)

	// Deactivate marks an active session inactive. It reports changed=false
	// for a session that was already inactive and ErrNotFound for unknown
	// sessions or sessions owned by another user.
	Deactivate(ctx context.Context, now time.Time, sessionID string, reason EndReason) (rec Record, changed bool, err error)
}
