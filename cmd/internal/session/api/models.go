package sessionapi

import (
	"time"

	"devicegate/cmd/internal/session"
)

type loginRequest struct {
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	DeviceInfo string `json:"deviceInfo,omitempty"`

	// EvictSessionID names a session to log out in the same atomic step.
	EvictSessionID string `json:"evictSessionId,omitempty"`
}

type logoutRequest struct {
	SessionID string `json:"sessionId"`
}

type forceLogoutRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

type loginResponse struct {
	Status         string        `json:"status"`
	SessionID      string        `json:"sessionId,omitempty"`
	ActiveSessions []sessionJSON `json:"activeSessions,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type activeResponse struct {
	Sessions []sessionJSON `json:"sessions"`
}

type sessionJSON struct {
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	DeviceID   string    `json:"deviceId"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeen   time.Time `json:"lastSeen"`
	Active     bool      `json:"active"`
	DeviceInfo string    `json:"deviceInfo,omitempty"`
}

func toSessionJSON(r session.Record) sessionJSON {
	return sessionJSON{
		SessionID:  r.ID,
		UserID:     r.UserID,
		DeviceID:   r.DeviceID,
		CreatedAt:  r.CreatedAt.UTC(),
		LastSeen:   r.LastSeenAt.UTC(),
		Active:     r.Active,
		DeviceInfo: r.DeviceInfo,
	}
}

func toSessionsJSON(recs []session.Record) []sessionJSON {
	out := make([]sessionJSON, 0, len(recs))
	for _, r := range recs {
		out = append(out, toSessionJSON(r))
	}
	return out
}
