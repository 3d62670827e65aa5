package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"devicegate/cmd/internal/realtime"
	sessionapi "devicegate/cmd/internal/session/api"
)

type routes struct {
	cfg      Config
	log      Logger
	store    *storeHandle
	metrics  *Metrics
	sessions *sessionapi.Handler
	ws       *realtime.WSGateway
	now      func() time.Time
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "devicegate session admission service"})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "healthy",
			"timestamp": rt.now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireStore && !rt.store.durable() {
			http.Error(w, "durable store not configured", http.StatusServiceUnavailable)
			return
		}

		if err := pingStore(r.Context(), rt.store); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.store.not_ready", "engine", rt.store.engine, "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.metrics != nil && rt.cfg.MetricsEnabled {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	rt.sessions.Register(mux)

	mux.Handle("/sessions/events", rt.ws)
}

func pingStore(parent context.Context, h *storeHandle) error {
	if h.pool != nil {
		return PingDB(parent, h.pool, 2*time.Second)
	}
	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()
	return h.store.Ping(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
