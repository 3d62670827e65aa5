package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"devicegate/cmd/internal/admission"
	"devicegate/cmd/internal/session"
	v1 "devicegate/shared/contracts/sessions/v1"

	"github.com/coder/websocket"
)

type feedFixture struct {
	ctrl *admission.Controller
	hub  *Hub
	ts   *httptest.Server
}

func newFeedFixture(t *testing.T, cfg GatewayConfig) feedFixture {
	t.Helper()

	hub := NewHub(testLogger())
	ctrl, err := admission.New(session.NewMemoryStore(), session.DefaultConfig(),
		admission.WithLogger(testLogger()),
		admission.WithNotifier(hub),
	)
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}

	gw, err := NewWSGateway(testLogger(), hub, ctrl, cfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/sessions/events", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return feedFixture{ctrl: ctrl, hub: hub, ts: ts}
}

func (f feedFixture) login(t *testing.T, userID, deviceID string) string {
	t.Helper()

	res, err := f.ctrl.Login(context.Background(), admission.LoginRequest{UserID: userID, DeviceID: deviceID})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Status != admission.StatusOK {
		t.Fatalf("expected ok, got %s", res.Status)
	}
	return res.Session.ID
}

func (f feedFixture) dial(t *testing.T, ctx context.Context, sessionID string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sessions/events?sessionId=" + sessionID
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": []string{"http://localhost"}},
	})
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readEnv(t *testing.T, ctx context.Context, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	return env
}

func endedPayload(t *testing.T, env v1.Envelope) v1.SessionEndedPayload {
	t.Helper()

	if env.Type != v1.TypeSessionEnded {
		t.Fatalf("expected %s, got %s", v1.TypeSessionEnded, env.Type)
	}
	var p v1.SessionEndedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	return p
}

func expectClosed(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()

	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got status=%v err=%v", got, err)
	}
}

func TestWSGateway_PushesEvictionAndCloses(t *testing.T) {
	t.Parallel()

	f := newFeedFixture(t, DefaultGatewayConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := f.login(t, "u1", "A")
	conn := f.dial(t, ctx, a)

	sub := readEnv(t, ctx, conn)
	if sub.Type != v1.TypeSubscribed {
		t.Fatalf("expected subscribed, got %s", sub.Type)
	}
	var sp v1.SubscribedPayload
	if err := json.Unmarshal(sub.Payload, &sp); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if sp.SessionID != a || sp.UserID != "u1" || sp.DeviceID != "A" {
		t.Fatalf("unexpected subscribed payload %+v", sp)
	}

	if _, err := f.ctrl.Evict(ctx, admission.EvictRequest{SessionID: a, Cause: session.EndReasonForced}); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	p := endedPayload(t, readEnv(t, ctx, conn))
	if p.SessionID != a || p.Reason != v1.ReasonForced || p.EndedAt == nil {
		t.Fatalf("unexpected session_ended payload %+v", p)
	}
	expectClosed(t, ctx, conn)
}

func TestWSGateway_SameDeviceReplacementIsPushed(t *testing.T) {
	t.Parallel()

	f := newFeedFixture(t, DefaultGatewayConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	old := f.login(t, "u1", "A")
	conn := f.dial(t, ctx, old)
	if env := readEnv(t, ctx, conn); env.Type != v1.TypeSubscribed {
		t.Fatalf("expected subscribed, got %s", env.Type)
	}

	f.login(t, "u1", "A")

	p := endedPayload(t, readEnv(t, ctx, conn))
	if p.SessionID != old || p.Reason != v1.ReasonReplaced {
		t.Fatalf("unexpected session_ended payload %+v", p)
	}
}

func TestWSGateway_InactiveSessionEndsImmediately(t *testing.T) {
	t.Parallel()

	f := newFeedFixture(t, DefaultGatewayConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := f.login(t, "u1", "A")
	if _, err := f.ctrl.Evict(ctx, admission.EvictRequest{SessionID: a, Cause: session.EndReasonLogout}); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	conn := f.dial(t, ctx, a)
	p := endedPayload(t, readEnv(t, ctx, conn))
	if p.SessionID != a || p.Reason != v1.ReasonLogout {
		t.Fatalf("unexpected payload %+v", p)
	}
	expectClosed(t, ctx, conn)

	unknown := f.dial(t, ctx, "01J0000000000000000000000Z")
	p = endedPayload(t, readEnv(t, ctx, unknown))
	if p.Reason != v1.ReasonNotFound {
		t.Fatalf("expected session_not_found, got %+v", p)
	}
}

func TestWSGateway_PingPong(t *testing.T) {
	t.Parallel()

	f := newFeedFixture(t, DefaultGatewayConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, f.login(t, "u1", "A"))
	if env := readEnv(t, ctx, conn); env.Type != v1.TypeSubscribed {
		t.Fatalf("expected subscribed, got %s", env.Type)
	}

	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypePing})
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	if env := readEnv(t, ctx, conn); env.Type != v1.TypePong {
		t.Fatalf("expected pong, got %s", env.Type)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v1","type":"subscribed"}`)); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	if env := readEnv(t, ctx, conn); env.Type != v1.TypeError {
		t.Fatalf("expected error for server-only type, got %s", env.Type)
	}
}

func TestWSGateway_RejectsBeforeUpgrade(t *testing.T) {
	t.Parallel()

	f := newFeedFixture(t, DefaultGatewayConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sessions/events"

	cases := []struct {
		name   string
		url    string
		origin string
		want   int
	}{
		{name: "missing origin", url: base + "?sessionId=s1", want: http.StatusForbidden},
		{name: "foreign origin", url: base + "?sessionId=s1", origin: "https://evil.example", want: http.StatusForbidden},
		{name: "missing session", url: base, origin: "http://localhost", want: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.origin != "" {
				h.Set("Origin", tc.origin)
			}
			_, resp, err := websocket.Dial(ctx, tc.url, &websocket.DialOptions{
				Subprotocols: []string{v1.Subprotocol},
				HTTPHeader:   h,
			})
			if err == nil {
				t.Fatalf("expected dial failure")
			}
			if resp == nil || resp.StatusCode != tc.want {
				t.Fatalf("expected status %d, got resp=%v", tc.want, resp)
			}
		})
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	g := &WSGateway{cfg: GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"https://app.example.com", "http://localhost:5173"},
	}}

	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "https://app.example.com", ok: true},
		{origin: "http://localhost:3000", ok: true},
		{origin: "https://other.example.com", ok: false},
		{origin: "", ok: false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/sessions/events", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if tc.ok && err != nil {
			t.Fatalf("origin %q: unexpected error %v", tc.origin, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("origin %q: expected rejection", tc.origin)
		}
	}

	got := deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	want := []string{"app.example.com", "app.example.com:*", "localhost", "localhost:*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
	if got := deriveOriginPatternsFromAllowedOrigins([]string{"http://a", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard pattern, got %v", got)
	}
}

func TestLoadGatewayConfigFromEnv(t *testing.T) {
	t.Setenv("DG_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("DG_WS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("DG_WS_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("DG_WS_SEND_QUEUE", "bogus")

	cfg := LoadGatewayConfigFromEnv()
	if cfg.OriginRequired {
		t.Fatalf("expected origin not required")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.HeartbeatEvery != 10*time.Second {
		t.Fatalf("unexpected heartbeat %v", cfg.HeartbeatEvery)
	}
	if cfg.SendQueueSize != wsDefaultSendQueueSize {
		t.Fatalf("expected default send queue for invalid value, got %d", cfg.SendQueueSize)
	}
}
