package admission

import (
	"errors"

	"devicegate/cmd/internal/session"
)

var (
	// ErrInvalidRequest is returned for missing ids or unsupported causes.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is returned when a session id is unknown to the caller.
	ErrNotFound = session.ErrNotFound

	// ErrStoreUnavailable is returned when the store failed or timed out.
	ErrStoreUnavailable = session.ErrStoreUnavailable
)
