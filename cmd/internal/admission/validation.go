package admission

import (
	"context"
	"errors"
	"strings"

	"devicegate/cmd/internal/session"
)

// Reason explains why a session is not valid.
type Reason string

const (
	// ReasonNone accompanies a valid session.
	ReasonNone Reason = ""
	// ReasonNotFound means the id never existed or has been purged.
	ReasonNotFound Reason = "session_not_found"
	// ReasonLoggedOut means the session existed and was deactivated.
	ReasonLoggedOut Reason = "logged_out"
)

// Validation is the answer to "is this session still active".
type Validation struct {
	Valid  bool
	Reason Reason

	// Session is the stored record when one exists.
	Session session.Record
}

// Validate reports whether sessionID is active and, if so, advances its
// last-seen time. It never takes the user's exclusive scope.
func (c *Controller) Validate(ctx context.Context, sessionID string) (Validation, error) {
	if strings.TrimSpace(sessionID) == "" {
		c.observer.Validated(ReasonNotFound)
		return Validation{Reason: ReasonNotFound}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rec, err := c.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		c.observer.Validated(ReasonNotFound)
		return Validation{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Validation{}, c.fail("validate.get", err)
	}

	if !rec.Active {
		c.observer.Validated(ReasonLoggedOut)
		return Validation{Reason: ReasonLoggedOut, Session: rec}, nil
	}

	now := c.now()
	if err := c.store.Touch(ctx, now, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.observer.Validated(ReasonNotFound)
			return Validation{Reason: ReasonNotFound}, nil
		}
		return Validation{}, c.fail("validate.touch", err)
	}
	if now.After(rec.LastSeenAt) {
		rec.LastSeenAt = now
	}

	c.observer.Validated(ReasonNone)
	return Validation{Valid: true, Session: rec}, nil
}
