// Package v1 defines the session event feed protocol v1.
//
// It is shared between the server and Go clients so the wire format stays
// authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "devicegate.sessions.v1"

// Type constants (wire-stable).
const (
	// TypeSubscribed confirms the feed is watching an active session (server -> client).
	TypeSubscribed = "subscribed"
	// TypeSessionEnded reports that the watched session is no longer active (server -> client).
	TypeSessionEnded = "session_ended"

	// TypePing is an application-level keepalive (client -> server).
	TypePing = "ping"
	// TypePong answers TypePing (server -> client).
	TypePong = "pong"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Reasons carried by SessionEndedPayload.
const (
	ReasonLogout   = "logout"
	ReasonForced   = "forced"
	ReasonReplaced = "replaced"
	ReasonNotFound = "session_not_found"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribed,
		TypeSessionEnded,
		TypePing,
		TypePong,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SubscribedPayload names the session being watched.
type SubscribedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId"`
}

// SessionEndedPayload is sent once; the server closes the socket right after.
type SessionEndedPayload struct {
	SessionID string     `json:"sessionId"`
	Reason    string     `json:"reason"`
	UserID    string     `json:"userId,omitempty"`
	DeviceID  string     `json:"deviceId,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
