package client

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrBusy is returned when a login or validate round-trip is already in flight.
	ErrBusy = errors.New("client: operation in progress")
	// ErrRejected is returned by Start while a device-choice offer is pending.
	ErrRejected = errors.New("client: device choice pending")
	// ErrNotRejected is returned by Resolve when there is no offer to resolve.
	ErrNotRejected = errors.New("client: no device choice pending")
)

// State is the reconciler's view of this device's session.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateActive     State = "active"
	StateRejected   State = "rejected"
	StateError      State = "error"
)

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	// NoticeLoggedOutElsewhere means another device's login or a force-logout ended this session.
	NoticeLoggedOutElsewhere NoticeKind = "logged_out_elsewhere"
)

// Notice is emitted for conditions the user should be told about.
type Notice struct {
	Kind      NoticeKind
	SessionID string
	Message   string
}

const loggedOutElsewhereMessage = "You were logged out because your account was signed in on another device."

// API is the part of the session API the reconciler needs.
type API interface {
	Login(ctx context.Context, in LoginInput) (LoginResult, error)
	Validate(ctx context.Context, sessionID string) (Validation, error)
	Logout(ctx context.Context, sessionID string) error
}

// Snapshot is a consistent copy of the reconciler state.
type Snapshot struct {
	State     State
	SessionID string
	Offer     []Session
	Err       error
}

// Reconciler keeps one device's session in step with the server.
//
// At most one login/validate round-trip is in flight at a time. Cancel and
// SignOut advance an epoch; a response that arrives under an older epoch is
// discarded.
type Reconciler struct {
	api        API
	ids        IDStore
	userID     string
	deviceInfo string
	log        *slog.Logger
	onNotice   func(Notice)

	polls singleflight.Group

	mu        sync.Mutex
	state     State
	sessionID string
	offer     []Session
	lastErr   error
	epoch     uint64
	busy      bool
}

// ReconcilerOption configures optional Reconciler dependencies.
type ReconcilerOption func(*Reconciler)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithNoticeHandler receives notices synchronously, outside the reconciler lock.
func WithNoticeHandler(fn func(Notice)) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.onNotice = fn
		}
	}
}

// WithDeviceInfo sets the label sent with every login.
func WithDeviceInfo(info string) ReconcilerOption {
	return func(r *Reconciler) {
		r.deviceInfo = strings.TrimSpace(info)
	}
}

// NewReconciler builds a reconciler for an authenticated user on this device.
func NewReconciler(api API, ids IDStore, userID string, opts ...ReconcilerOption) (*Reconciler, error) {
	if api == nil || ids == nil {
		return nil, errors.New("client: nil api or id store")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("client: empty user id")
	}

	r := &Reconciler{
		api:      api,
		ids:      ids,
		userID:   userID,
		log:      slog.Default(),
		onNotice: func(Notice) {},
		state:    StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Snapshot returns the current state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		State:     r.state,
		SessionID: r.sessionID,
		Offer:     append([]Session(nil), r.offer...),
		Err:       r.lastErr,
	}
}

// Suspended reports whether polling is paused (a device choice is pending).
func (r *Reconciler) Suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRejected
}

// begin takes the in-flight guard and returns the epoch the operation runs under.
// begin claims the busy guard. A resolving caller needs a pending device
// choice; every other caller is refused while one is pending. The state check
// and the claim share one critical section so a Cancel cannot slip between.
func (r *Reconciler) begin(resolving bool) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return 0, ErrBusy
	}
	switch {
	case resolving && r.state != StateRejected:
		return 0, ErrNotRejected
	case !resolving && r.state == StateRejected:
		return 0, ErrRejected
	}
	r.busy = true
	return r.epoch, nil
}

func (r *Reconciler) end() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

// Start validates the stored session id, or logs in when there is none or it
// is no longer valid. It is blocked while a device choice is pending.
func (r *Reconciler) Start(ctx context.Context) error {
	epoch, err := r.begin(false)
	if err != nil {
		return err
	}
	defer r.end()

	if id, ok := r.ids.SessionID(); ok {
		r.set(epoch, func() {
			r.state = StateValidating
			r.sessionID = id
		})

		v, err := r.api.Validate(ctx, id)
		if err != nil {
			return r.failed(epoch, err)
		}
		if !r.current(epoch) {
			return nil
		}

		switch {
		case v.Valid:
			r.set(epoch, func() {
				r.state = StateActive
				r.lastErr = nil
			})
			return nil
		case v.Reason == ReasonLoggedOut:
			r.ids.ClearSessionID()
			r.notify(Notice{Kind: NoticeLoggedOutElsewhere, SessionID: id, Message: loggedOutElsewhereMessage})
		default:
			r.ids.ClearSessionID()
		}
	}

	return r.login(ctx, epoch, "")
}

// Resolve evicts victimSessionID and logs this device in, in one server step.
// The server may answer limit_reached again; the new offer replaces the old.
func (r *Reconciler) Resolve(ctx context.Context, victimSessionID string) error {
	victimSessionID = strings.TrimSpace(victimSessionID)
	if victimSessionID == "" {
		return errors.New("client: empty victim session id")
	}

	epoch, err := r.begin(true)
	if err != nil {
		return err
	}
	defer r.end()

	err = r.login(ctx, epoch, victimSessionID)
	if errors.Is(err, ErrSessionNotFound) {
		// The victim is already gone; ask again without it.
		return r.login(ctx, epoch, "")
	}
	return err
}

// Cancel abandons a pending device choice and discards in-flight results.
func (r *Reconciler) Cancel() {
	r.mu.Lock()
	r.epoch++
	if r.state == StateRejected || r.state == StateValidating {
		r.state = StateIdle
	}
	r.offer = nil
	r.mu.Unlock()
}

// SignOut logs the current session out and returns to Idle. Local state is
// cleared even when the server call fails.
func (r *Reconciler) SignOut(ctx context.Context) error {
	r.mu.Lock()
	r.epoch++
	id := r.sessionID
	r.state = StateIdle
	r.sessionID = ""
	r.offer = nil
	r.lastErr = nil
	r.mu.Unlock()

	r.ids.ClearSessionID()
	if id == "" {
		return nil
	}
	return r.api.Logout(ctx, id)
}

// Poll validates the active session once. It is a no-op unless the state is
// Active, so polling is suspended while a device choice is pending.
// Concurrent callers share one round-trip.
func (r *Reconciler) Poll(ctx context.Context) error {
	r.mu.Lock()
	id, state := r.sessionID, r.state
	r.mu.Unlock()
	if state != StateActive || id == "" {
		return nil
	}

	_, err, _ := r.polls.Do(id, func() (any, error) {
		return nil, r.poll(ctx, id)
	})
	return err
}

func (r *Reconciler) poll(ctx context.Context, id string) error {
	epoch, err := r.begin(false)
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrRejected) {
		return nil
	}
	if err != nil {
		return err
	}
	defer r.end()

	v, err := r.api.Validate(ctx, id)
	if err != nil {
		// A failed poll keeps the session; the next tick retries.
		r.log.Warn("client.poll.fail", "session_id", id, "err", err)
		return err
	}
	if v.Valid || !r.current(epoch) {
		return nil
	}

	ended := false
	r.set(epoch, func() {
		if r.sessionID != id {
			return
		}
		r.state = StateIdle
		r.sessionID = ""
		ended = true
	})
	if !ended {
		return nil
	}

	r.ids.ClearSessionID()
	r.log.Info("client.session.ended", "session_id", id, "reason", v.Reason)
	if v.Reason == ReasonLoggedOut {
		r.notify(Notice{Kind: NoticeLoggedOutElsewhere, SessionID: id, Message: loggedOutElsewhereMessage})
	}
	return nil
}

// Run polls every interval until ctx is done. Ticks while not Active are skipped.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_ = r.Poll(ctx)
		}
	}
}

func (r *Reconciler) login(ctx context.Context, epoch uint64, victim string) error {
	res, err := r.api.Login(ctx, LoginInput{
		UserID:         r.userID,
		DeviceID:       r.ids.DeviceID(),
		DeviceInfo:     r.deviceInfo,
		EvictSessionID: victim,
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return r.failed(epoch, err)
	}

	if !r.current(epoch) {
		if res.Status == StatusOK && res.SessionID != "" {
			r.releaseOrphan(res.SessionID)
		}
		return nil
	}

	switch res.Status {
	case StatusOK:
		r.ids.SetSessionID(res.SessionID)
		r.set(epoch, func() {
			r.state = StateActive
			r.sessionID = res.SessionID
			r.offer = nil
			r.lastErr = nil
		})
		r.log.Info("client.login.ok", "session_id", res.SessionID)
	case StatusLimitReached:
		r.set(epoch, func() {
			r.state = StateRejected
			r.sessionID = ""
			r.offer = res.ActiveSessions
			r.lastErr = nil
		})
		r.log.Info("client.login.limit_reached", "offer", len(res.ActiveSessions))
	default:
		return r.failed(epoch, errors.New("client: unexpected login status "+res.Status))
	}
	return nil
}

// releaseOrphan logs out a session created by a login whose result was discarded.
func (r *Reconciler) releaseOrphan(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.api.Logout(ctx, id); err != nil {
		r.log.Warn("client.orphan.logout.fail", "session_id", id, "err", err)
	}
}

func (r *Reconciler) failed(epoch uint64, err error) error {
	r.set(epoch, func() {
		r.state = StateError
		r.lastErr = err
	})
	return err
}

// set applies fn only if no Cancel/SignOut happened since epoch.
func (r *Reconciler) set(epoch uint64, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return
	}
	fn()
}

func (r *Reconciler) current(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch == epoch
}

func (r *Reconciler) notify(n Notice) {
	r.onNotice(n)
}
