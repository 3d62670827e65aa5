package admission

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"devicegate/cmd/internal/session"
)

// Status is the outcome of an admission decision.
type Status string

const (
	// StatusOK means a new session was created.
	StatusOK Status = "ok"
	// StatusLimitReached means the user is at the device limit and nothing was created.
	StatusLimitReached Status = "limit_reached"
)

// LoginRequest identifies the already-authenticated user and their device.
type LoginRequest struct {
	UserID     string
	DeviceID   string
	DeviceInfo string
}

func (r LoginRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" || strings.TrimSpace(r.DeviceID) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// Result is an admission decision.
//
// Session is set when Status is StatusOK. ActiveSessions (the device choice
// offer, oldest first) is set when Status is StatusLimitReached. Ended lists
// sessions this decision deactivated: a same-device predecessor or an
// explicitly chosen victim.
type Result struct {
	Status         Status
	Session        session.Record
	ActiveSessions []session.Record
	Ended          []session.Record
}

// SessionID returns the created session id, or "" when none was created.
func (r Result) SessionID() string {
	if r.Status != StatusOK {
		return ""
	}
	return r.Session.ID
}

// Controller enforces the device limit over a session.Store.
type Controller struct {
	store    session.Store
	limit    int
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
	observer Observer
	notifier Notifier
}

// Option configures optional Controller dependencies.
type Option func(*Controller)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the decision logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithObserver sets the metrics sink.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithNotifier sets the session-ended push sink.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// New constructs a Controller. cfg.DeviceLimit must be at least 1.
func New(store session.Store, cfg session.Config, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("admission: nil store")
	}
	if cfg.DeviceLimit < 1 {
		return nil, session.ErrConfig
	}

	c := &Controller{
		store:    store,
		limit:    cfg.DeviceLimit,
		timeout:  cfg.StoreTimeout,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default(),
		observer: nopObserver{},
		notifier: nopNotifier{},
	}
	if c.timeout <= 0 {
		c.timeout = session.DefaultConfig().StoreTimeout
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Limit returns the configured device limit.
func (c *Controller) Limit() int { return c.limit }

// Login admits the device if the user has a free slot.
//
// An active session already held by the same device is deactivated first, so
// retrying a login from one device never reports limit_reached on its own.
func (c *Controller) Login(ctx context.Context, req LoginRequest) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		res     Result
		touched []session.Record
	)
	err := c.store.WithUser(ctx, req.UserID, func(sc session.Scope) error {
		var err error
		res, err = c.admit(ctx, sc, req, &touched)
		return err
	})
	if err != nil {
		c.endedAfterFailure(ctx, touched)
		return Result{}, c.fail("login", err)
	}

	c.decided(req, res, "")
	return res, nil
}

// RetryLoginAfterEviction deactivates victimSessionID and re-runs Login in the
// same exclusive scope, so no concurrent login can take the freed slot.
//
// A victim that is already inactive is not an error; the slot count is
// simply re-evaluated and may still be full. An unknown victim, or one that
// belongs to another user, returns ErrNotFound and changes nothing.
func (c *Controller) RetryLoginAfterEviction(ctx context.Context, req LoginRequest, victimSessionID string) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(victimSessionID) == "" {
		return Result{}, ErrInvalidRequest
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		res     Result
		touched []session.Record
	)
	err := c.store.WithUser(ctx, req.UserID, func(sc session.Scope) error {
		victim, changed, err := sc.Deactivate(ctx, c.now(), victimSessionID, session.EndReasonForced)
		if err != nil {
			return err
		}
		if changed {
			touched = append(touched, victim)
		}

		res, err = c.admit(ctx, sc, req, &touched)
		if err != nil {
			return err
		}
		if changed {
			res.Ended = append([]session.Record{victim}, res.Ended...)
		}
		return nil
	})
	if err != nil {
		c.endedAfterFailure(ctx, touched)
		return Result{}, c.fail("retry_login", err)
	}

	c.decided(req, res, victimSessionID)
	return res, nil
}

// ListActive returns the user's active sessions, oldest first.
func (c *Controller) ListActive(ctx context.Context, userID string) ([]session.Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidRequest
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.store.ListActive(ctx, userID)
	if err != nil {
		return nil, c.fail("list_active", err)
	}
	return out, nil
}

// admit runs the limit check. It must be called inside the user's scope.
// Every record it deactivates is appended to touched before any later step
// can fail.
func (c *Controller) admit(ctx context.Context, sc session.Scope, req LoginRequest, touched *[]session.Record) (Result, error) {
	active, err := sc.ListActive(ctx)
	if err != nil {
		return Result{}, err
	}

	now := c.now()
	var ended []session.Record
	for _, r := range active {
		if r.DeviceID != req.DeviceID {
			continue
		}
		rec, changed, err := sc.Deactivate(ctx, now, r.ID, session.EndReasonReplaced)
		if err != nil {
			return Result{}, err
		}
		if changed {
			ended = append(ended, rec)
			*touched = append(*touched, rec)
		}
	}

	if len(ended) > 0 {
		if active, err = sc.ListActive(ctx); err != nil {
			return Result{}, err
		}
	}

	if len(active) >= c.limit {
		return Result{Status: StatusLimitReached, ActiveSessions: active, Ended: ended}, nil
	}

	rec, err := sc.Create(ctx, now, req.DeviceID, req.DeviceInfo)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusOK, Session: rec, Ended: ended}, nil
}

// decided runs after the scope has been released and its writes are durable.
func (c *Controller) decided(req LoginRequest, res Result, victimID string) {
	c.observer.LoginDecided(res.Status)
	c.ended(res.Ended)

	switch res.Status {
	case StatusOK:
		c.log.Info("session.login.accepted",
			"user_id", req.UserID,
			"device_id", req.DeviceID,
			"session_id", res.Session.ID,
			"victim_session_id", victimID,
			"replaced", len(res.Ended),
		)
	case StatusLimitReached:
		c.log.Info("session.login.limit_reached",
			"user_id", req.UserID,
			"device_id", req.DeviceID,
			"active", len(res.ActiveSessions),
			"limit", c.limit,
			"victim_session_id", victimID,
		)
	}
}

func (c *Controller) ended(recs []session.Record) {
	for _, r := range recs {
		c.observer.SessionEnded(r.EndReason)
		c.notifier.NotifySessionEnded(r)
	}
}

// endedAfterFailure handles deactivations made by a scope that then failed.
// Stores without rollback (Redis, memory) keep them; Postgres undoes them.
// Each record is re-read and announced only if it is still inactive.
func (c *Controller) endedAfterFailure(ctx context.Context, touched []session.Record) {
	if len(touched) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	var kept []session.Record
	for _, r := range touched {
		cur, err := c.store.Get(ctx, r.ID)
		if err != nil {
			c.log.Warn("session.ended.unconfirmed", "session_id", r.ID, "err", err)
			continue
		}
		if !cur.Active {
			kept = append(kept, cur)
		}
	}
	if len(kept) > 0 {
		c.log.Info("session.ended.partial", "ended", len(kept))
	}
	c.ended(kept)
}

func (c *Controller) fail(op string, err error) error {
	err = session.Unavailable(op, err)
	if errors.Is(err, ErrStoreUnavailable) {
		c.observer.StoreFailed(op)
		c.log.Warn("session.store.fail", "op", op, "err", err)
	}
	return err
}
