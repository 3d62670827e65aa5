package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"devicegate/cmd/internal/session"
	v1 "devicegate/shared/contracts/sessions/v1"
)

// Hub fans session deactivations out to the sockets watching them.
// It satisfies admission.Notifier.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Client]struct{}
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log,
		subs: make(map[string]map[*Client]struct{}),
	}
}

// Subscribe registers client for its session's end event.
func (h *Hub) Subscribe(client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	set := h.subs[client.SessionID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.subs[client.SessionID] = set
	}
	set[client] = struct{}{}
	h.mu.Unlock()
}

// Unsubscribe removes client. It is a no-op if the client was already dropped.
func (h *Hub) Unsubscribe(client *Client) {
	if h == nil || client == nil {
		return
	}

	h.mu.Lock()
	if set := h.subs[client.SessionID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.subs, client.SessionID)
		}
	}
	h.mu.Unlock()
}

// Subscribers returns the number of sockets watching sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// NotifySessionEnded pushes session_ended to every watcher of rec and drops them.
// A watcher whose queue is full is closed instead, so it reconnects and
// learns the outcome from validation.
func (h *Hub) NotifySessionEnded(rec session.Record) {
	if h == nil || rec.ID == "" {
		return
	}

	h.mu.Lock()
	set := h.subs[rec.ID]
	delete(h.subs, rec.ID)
	h.mu.Unlock()

	if len(set) == 0 {
		return
	}

	env := sessionEndedEnvelope(rec, time.Now().UTC())
	for c := range set {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
		default:
			c.Close()
		}
	}

	h.log.Info("realtime.session_ended.push", "session_id", rec.ID, "reason", string(rec.EndReason), "subscribers", len(set))
}

// CloseAll signals every subscribed client to stop (server shutdown).
func (h *Hub) CloseAll() {
	if h == nil {
		return
	}

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, set := range subs {
		for c := range set {
			c.Close()
		}
	}
}

func sessionEndedEnvelope(rec session.Record, now time.Time) v1.Envelope {
	reason := string(rec.EndReason)
	if reason == "" {
		reason = v1.ReasonLogout
	}
	p, _ := json.Marshal(v1.SessionEndedPayload{
		SessionID: rec.ID,
		Reason:    reason,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		EndedAt:   rec.DeactivatedAt,
	})
	return newEnvelope(v1.TypeSessionEnded, p, now)
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}
