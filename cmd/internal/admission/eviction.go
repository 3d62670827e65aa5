package admission

import (
	"context"
	"strings"

	"devicegate/cmd/internal/session"
)

// EvictRequest names a session to deactivate.
//
// Cause is EndReasonLogout for self-logout or EndReasonForced when a sibling
// device frees a slot. When OwnerID is set the session must belong to that
// user; otherwise it is reported as not found.
type EvictRequest struct {
	SessionID string
	OwnerID   string
	Cause     session.EndReason
}

// EvictResult reports the session's state after eviction.
type EvictResult struct {
	Session         session.Record
	AlreadyInactive bool
}

// Evict deactivates a session under its owner's exclusive scope.
// Evicting an inactive session succeeds without changes.
func (c *Controller) Evict(ctx context.Context, req EvictRequest) (EvictResult, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return EvictResult{}, ErrInvalidRequest
	}
	switch req.Cause {
	case session.EndReasonLogout, session.EndReasonForced:
	default:
		return EvictResult{}, ErrInvalidRequest
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rec, err := c.store.Get(ctx, req.SessionID)
	if err != nil {
		return EvictResult{}, c.fail("evict.get", err)
	}
	if req.OwnerID != "" && rec.UserID != req.OwnerID {
		return EvictResult{}, ErrNotFound
	}
	if !rec.Active {
		return EvictResult{Session: rec, AlreadyInactive: true}, nil
	}

	var changed bool
	err = c.store.WithUser(ctx, rec.UserID, func(sc session.Scope) error {
		var err error
		rec, changed, err = sc.Deactivate(ctx, c.now(), req.SessionID, req.Cause)
		return err
	})
	if err != nil {
		return EvictResult{}, c.fail("evict", err)
	}

	if changed {
		c.ended([]session.Record{rec})
		c.log.Info("session.evicted",
			"session_id", rec.ID,
			"user_id", rec.UserID,
			"device_id", rec.DeviceID,
			"reason", string(req.Cause),
		)
	}
	return EvictResult{Session: rec, AlreadyInactive: !changed}, nil
}
