// Package app wires the devicegate runtime: config, logging, the session
// store, HTTP routes, the eviction push feed and the retention job.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"devicegate/cmd/internal/admission"
	"devicegate/cmd/internal/realtime"
	"devicegate/cmd/internal/session"
	sessionapi "devicegate/cmd/internal/session/api"

	"golang.org/x/sync/errgroup"
)

// App is the devicegate server runtime.
type App struct {
	cfg    Config
	log    Logger
	sesCfg session.Config

	store    *storeHandle
	metrics  *Metrics
	hub      *realtime.Hub
	ctrl     *admission.Controller
	sessions *sessionapi.Handler
	ws       *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sesCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	st, err := newStore(ctx, cfg, sesCfg, log)
	if err != nil {
		return nil, err
	}

	a, err := build(cfg, log, sesCfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg Config, log Logger, sesCfg session.Config, st *storeHandle) (*App, error) {
	metrics := NewMetrics()
	hub := realtime.NewHub(log)

	ctrl, err := admission.New(st.store, sesCfg,
		admission.WithLogger(log),
		admission.WithObserver(metrics),
		admission.WithNotifier(hub),
	)
	if err != nil {
		return nil, err
	}

	sessions, err := sessionapi.NewHandler(log, ctrl, sessionapi.LoadConfigFromEnv())
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, hub, ctrl, realtime.LoadGatewayConfigFromEnv())
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		sesCfg:   sesCfg,
		store:    st,
		metrics:  metrics,
		hub:      hub,
		ctrl:     ctrl,
		sessions: sessions,
		ws:       ws,
	}, nil
}

// Handler returns the full middleware-wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		cfg:      a.cfg,
		log:      a.log,
		store:    a.store,
		metrics:  a.metrics,
		sessions: a.sessions,
		ws:       a.ws,
		now:      time.Now,
	})

	var h http.Handler = mux
	h = WithRequestLogging(h, a.log)
	if a.cfg.MetricsEnabled {
		h = WithMetrics(h, a.metrics)
	}
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return h
}

// Run starts the HTTP server and the purge job, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	p := &purger{
		log:     a.log,
		store:   a.store.store,
		retain:  a.sesCfg.RetainInactive,
		timeout: nonZeroDuration(4*a.sesCfg.StoreTimeout, 10*time.Second),
		metrics: a.metrics,
		now:     func() time.Time { return time.Now().UTC() },
		sweep:   a.sessions.SweepThrottle,
	}
	sched, err := newPurgeScheduler(ctx, a.sesCfg.PurgeSchedule, p)
	if err != nil {
		_ = a.store.Close()
		return err
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"events_url", wsBaseURL(base)+"/sessions/events",
		"store", a.store.engine,
		"device_limit", a.ctrl.Limit(),
		"purge_schedule", a.sesCfg.PurgeSchedule,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	sched.Start()

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.log.Info("server.stop", "reason", "context_done")
		}

		<-sched.Stop().Done()
		a.hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err = g.Wait()

	if cerr := a.store.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	if err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
