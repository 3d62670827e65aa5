package session

import "time"

// EndReason records why a session stopped being active.
type EndReason string

const (
	// EndReasonLogout is a self-initiated logout by the session owner.
	EndReasonLogout EndReason = "logout"
	// EndReasonForced is an eviction chosen by a sibling device to free a slot.
	EndReasonForced EndReason = "forced"
	// EndReasonReplaced is a re-login from the same device.
	EndReasonReplaced EndReason = "replaced"
)

// Valid reports whether r is one of the known reasons.
func (r EndReason) Valid() bool {
	switch r {
	case EndReasonLogout, EndReasonForced, EndReasonReplaced:
		return true
	default:
		return false
	}
}

// Record is one device session.
//
// Active only ever goes from true to false. LastSeenAt starts equal to
// CreatedAt and only moves forward through Touch.
type Record struct {
	ID         string
	UserID     string
	DeviceID   string
	DeviceInfo string

	CreatedAt  time.Time
	LastSeenAt time.Time

	Active        bool
	DeactivatedAt *time.Time
	EndReason     EndReason
}

func (r Record) clone() Record {
	if r.DeactivatedAt != nil {
		t := *r.DeactivatedAt
		r.DeactivatedAt = &t
	}
	return r
}
