package sessionapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"devicegate/cmd/internal/admission"
	"devicegate/cmd/internal/session"
)

// Sessions is the admission surface the handler serves.
type Sessions interface {
	Login(ctx context.Context, req admission.LoginRequest) (admission.Result, error)
	RetryLoginAfterEviction(ctx context.Context, req admission.LoginRequest, victimSessionID string) (admission.Result, error)
	Evict(ctx context.Context, req admission.EvictRequest) (admission.EvictResult, error)
	Validate(ctx context.Context, sessionID string) (admission.Validation, error)
	ListActive(ctx context.Context, userID string) ([]session.Record, error)
}

// Handler wires the /sessions HTTP endpoints to the admission controller.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions Sessions
	throttle *loginThrottle
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides the clock used by the login throttle.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a session API Handler.
func NewHandler(log *slog.Logger, sessions Sessions, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("sessionapi: nil sessions")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 10
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		throttle: newLoginThrottle(cfg.LoginUserMax, cfg.LoginUserWindow),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires session routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/sessions/login", h.handleLogin)
	mux.HandleFunc("/sessions/logout", h.handleLogout)
	mux.HandleFunc("/sessions/force-logout", h.handleForceLogout)
	mux.HandleFunc("/sessions/validate", h.handleValidate)
	mux.HandleFunc("/sessions/active", h.handleActive)
}

// SweepThrottle drops idle throttle entries. It is safe to call from a background job.
func (h *Handler) SweepThrottle() {
	if h == nil {
		return
	}
	h.throttle.sweep(h.now())
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.EvictSessionID = strings.TrimSpace(req.EvictSessionID)
	if req.UserID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId and deviceId are required")
		return
	}

	if ok, retry := h.throttle.allow(req.UserID, h.now()); !ok {
		h.log.Warn("session.login.throttled", "user_id", req.UserID, "retry_after", retry.String())
		writeRateLimited(w, retry)
		return
	}

	in := admission.LoginRequest{
		UserID:     req.UserID,
		DeviceID:   req.DeviceID,
		DeviceInfo: strings.TrimSpace(req.DeviceInfo),
	}

	var (
		res admission.Result
		err error
	)
	if req.EvictSessionID != "" {
		res, err = h.sessions.RetryLoginAfterEviction(r.Context(), in, req.EvictSessionID)
	} else {
		res, err = h.sessions.Login(r.Context(), in)
	}
	if err != nil {
		h.writeAdmissionError(w, "session.login.fail", err)
		return
	}

	out := loginResponse{Status: string(res.Status)}
	switch res.Status {
	case admission.StatusOK:
		out.SessionID = res.Session.ID
	case admission.StatusLimitReached:
		out.ActiveSessions = toSessionsJSON(res.ActiveSessions)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req logoutRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	h.evict(w, r, admission.EvictRequest{
		SessionID: strings.TrimSpace(req.SessionID),
		Cause:     session.EndReasonLogout,
	}, "session.logout.fail")
}

func (h *Handler) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req forceLogoutRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	h.evict(w, r, admission.EvictRequest{
		SessionID: strings.TrimSpace(req.SessionID),
		OwnerID:   strings.TrimSpace(req.UserID),
		Cause:     session.EndReasonForced,
	}, "session.force_logout.fail")
}

func (h *Handler) evict(w http.ResponseWriter, r *http.Request, req admission.EvictRequest, event string) {
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}
	if _, err := h.sessions.Evict(r.Context(), req); err != nil {
		h.writeAdmissionError(w, event, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}

	v, err := h.sessions.Validate(r.Context(), id)
	if err != nil {
		h.writeAdmissionError(w, "session.validate.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: v.Valid, Reason: string(v.Reason)})
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	list, err := h.sessions.ListActive(r.Context(), userID)
	if err != nil {
		h.writeAdmissionError(w, "session.active.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{Sessions: toSessionsJSON(list)})
}

func (h *Handler) writeAdmissionError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, admission.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.Is(err, admission.ErrNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, admission.ErrStoreUnavailable):
		h.log.Error(event, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store unavailable")
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "server error")
	}
}
