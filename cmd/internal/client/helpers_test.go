package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"devicegate/cmd/internal/admission"
	"devicegate/cmd/internal/realtime"
	"devicegate/cmd/internal/session"
	sessionapi "devicegate/cmd/internal/session/api"
)

const testOrigin = "http://localhost"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type server struct {
	ts  *httptest.Server
	hub *realtime.Hub
	api *HTTPClient
}

func newServer(t *testing.T, limit int) server {
	t.Helper()

	log := discardLogger()
	hub := realtime.NewHub(log)

	cfg := session.DefaultConfig()
	cfg.DeviceLimit = limit
	ctrl, err := admission.New(session.NewMemoryStore(), cfg, admission.WithLogger(log), admission.WithNotifier(hub))
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}

	h, err := sessionapi.NewHandler(log, ctrl, sessionapi.Config{})
	if err != nil {
		t.Fatalf("sessionapi.NewHandler: %v", err)
	}
	gw, err := realtime.NewWSGateway(log, hub, ctrl, realtime.DefaultGatewayConfig())
	if err != nil {
		t.Fatalf("realtime.NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("/sessions/events", gw)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	api, err := NewHTTPClient(ts.URL, ts.Client())
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return server{ts: ts, hub: hub, api: api}
}

func (s server) mustLogin(t *testing.T, userID, deviceID string) string {
	t.Helper()

	res, err := s.api.Login(context.Background(), LoginInput{UserID: userID, DeviceID: deviceID})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	return res.SessionID
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) add(x Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, x)
	n.mu.Unlock()
}

func (n *noticeLog) all() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

func newTestReconciler(t *testing.T, api API, ids IDStore, userID string, notices *noticeLog) *Reconciler {
	t.Helper()

	r, err := NewReconciler(api, ids, userID,
		WithLogger(discardLogger()),
		WithDeviceInfo("Go test"),
		WithNoticeHandler(notices.add),
	)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

// blockingAPI holds Login and Validate until release is closed.
type blockingAPI struct {
	entered chan struct{}
	release chan struct{}
	result  LoginResult

	mu      sync.Mutex
	logouts []string
}

func newBlockingAPI(result LoginResult) *blockingAPI {
	return &blockingAPI{
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
		result:  result,
	}
}

func (b *blockingAPI) Login(ctx context.Context, _ LoginInput) (LoginResult, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return b.result, nil
	case <-ctx.Done():
		return LoginResult{}, ctx.Err()
	}
}

func (b *blockingAPI) Validate(ctx context.Context, _ string) (Validation, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return Validation{Valid: true}, nil
	case <-ctx.Done():
		return Validation{}, ctx.Err()
	}
}

func (b *blockingAPI) Logout(_ context.Context, id string) error {
	b.mu.Lock()
	b.logouts = append(b.logouts, id)
	b.mu.Unlock()
	return nil
}

func (b *blockingAPI) loggedOut() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.logouts...)
}
