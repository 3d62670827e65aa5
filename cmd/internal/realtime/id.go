package realtime

import (
	"time"

	"devicegate/cmd/internal/ids"
)

// NewEnvelopeID returns a ULID used as envelope id, or "" if entropy is unavailable.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
