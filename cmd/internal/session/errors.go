package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no session matches the id (or, inside a
	// user scope, when the session belongs to a different user).
	ErrNotFound = errors.New("session not found")

	// ErrStoreUnavailable marks infrastructure failures and timeouts.
	// Callers may retry with backoff; it never means the operation succeeded.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrInvalidInput is returned for empty ids or unknown end reasons.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// StoreError wraps a failed store operation. It matches both
// ErrStoreUnavailable and the underlying cause under errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session store %s: unavailable", e.Op)
	}
	return fmt.Sprintf("session store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// Unavailable classifies err for op. Expected outcomes (nil, ErrNotFound,
// ErrInvalidInput) and errors already classified pass through; everything
// else, including context deadlines, becomes a *StoreError.
func Unavailable(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return &StoreError{Op: op, Err: err}
	}
}
