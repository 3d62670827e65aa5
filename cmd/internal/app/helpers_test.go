package app

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"devicegate/cmd/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp builds an App over a memory store without opening a listener.
func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()

	st := &storeHandle{engine: StoreMemory, store: session.NewMemoryStore()}
	a, err := build(cfg, discardLogger(), session.DefaultConfig(), st)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return a
}

func newTestServer(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()

	a := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}
