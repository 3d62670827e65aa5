package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	v1 "devicegate/shared/contracts/sessions/v1"

	"github.com/coder/websocket"
)

// EventURL derives the event feed URL for sessionID from an http(s) base URL.
func EventURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/events"
	u.RawQuery = url.Values{"sessionId": []string{sessionID}}.Encode()
	return u.String(), nil
}

// DialEvents opens the event feed for sessionID. origin is sent as the Origin header when set.
func DialEvents(ctx context.Context, baseURL, sessionID, origin string) (*websocket.Conn, error) {
	u, err := EventURL(baseURL, sessionID)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		return nil, err
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("client: server selected subprotocol %q", sp)
	}
	return conn, nil
}

// ReadSessionEnded reads envelopes until session_ended arrives or the feed closes.
func ReadSessionEnded(ctx context.Context, conn *websocket.Conn) (v1.SessionEndedPayload, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return v1.SessionEndedPayload{}, err
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return v1.SessionEndedPayload{}, fmt.Errorf("client: bad envelope: %w", err)
		}
		if err := env.Validate(); err != nil {
			return v1.SessionEndedPayload{}, err
		}

		switch env.Type {
		case v1.TypeSessionEnded:
			var p v1.SessionEndedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return v1.SessionEndedPayload{}, err
			}
			return p, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return v1.SessionEndedPayload{}, fmt.Errorf("client: feed error %s: %s", p.Code, p.Message)
		}
	}
}

// Watch listens to the active session's event feed and polls as soon as
// session_ended arrives, so eviction is noticed without waiting for a tick.
// It returns nil after the ended session has been reconciled.
func (r *Reconciler) Watch(ctx context.Context, baseURL, origin string) error {
	snap := r.Snapshot()
	if snap.State != StateActive || snap.SessionID == "" {
		return errors.New("client: no active session to watch")
	}

	conn, err := DialEvents(ctx, baseURL, snap.SessionID, origin)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	p, err := ReadSessionEnded(ctx, conn)
	if err != nil {
		return err
	}
	r.log.Info("client.feed.session_ended", "session_id", p.SessionID, "reason", p.Reason)
	return r.Poll(ctx)
}
