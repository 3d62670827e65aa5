package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"devicegate/cmd/internal/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Each reading moves time forward so records created back to back
	// still have distinct, ordered timestamps.
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu        sync.Mutex
	decisions []Status
	ended     []session.Record
	reasons   []session.EndReason
	validated []Reason
	failures  []string
}

func (r *recorder) LoginDecided(s Status) {
	r.mu.Lock()
	r.decisions = append(r.decisions, s)
	r.mu.Unlock()
}

func (r *recorder) SessionEnded(reason session.EndReason) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recorder) Validated(reason Reason) {
	r.mu.Lock()
	r.validated = append(r.validated, reason)
	r.mu.Unlock()
}

func (r *recorder) StoreFailed(op string) {
	r.mu.Lock()
	r.failures = append(r.failures, op)
	r.mu.Unlock()
}

func (r *recorder) NotifySessionEnded(rec session.Record) {
	r.mu.Lock()
	r.ended = append(r.ended, rec)
	r.mu.Unlock()
}

func (r *recorder) endedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ended))
	for _, e := range r.ended {
		out = append(out, e.ID)
	}
	return out
}

type fixture struct {
	ctrl  *Controller
	store *session.MemoryStore
	clock *testClock
	rec   *recorder
}

func newFixture(t *testing.T, limit int) fixture {
	t.Helper()

	st := session.NewMemoryStore()
	clock := newTestClock()
	rec := &recorder{}

	cfg := session.DefaultConfig()
	cfg.DeviceLimit = limit

	ctrl, err := New(st, cfg,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithObserver(rec),
		WithNotifier(rec),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{ctrl: ctrl, store: st, clock: clock, rec: rec}
}

func (f fixture) mustLogin(t *testing.T, userID, deviceID string) Result {
	t.Helper()

	res, err := f.ctrl.Login(context.Background(), LoginRequest{UserID: userID, DeviceID: deviceID, DeviceInfo: "info " + deviceID})
	if err != nil {
		t.Fatalf("Login(%s, %s): %v", userID, deviceID, err)
	}
	return res
}

func (f fixture) mustActiveIDs(t *testing.T, userID string) []string {
	t.Helper()

	list, err := f.ctrl.ListActive(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	return recordIDs(list)
}

func recordIDs(recs []session.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// brokenStore fails every call with err.
type brokenStore struct {
	err error
}

func (b brokenStore) Get(context.Context, string) (session.Record, error) { return session.Record{}, b.err }
func (b brokenStore) ListActive(context.Context, string) ([]session.Record, error) {
	return nil, b.err
}
func (b brokenStore) Touch(context.Context, time.Time, string) error { return b.err }
func (b brokenStore) WithUser(context.Context, string, func(session.Scope) error) error {
	return b.err
}
func (b brokenStore) Purge(context.Context, time.Time) (int64, error) { return 0, b.err }
func (b brokenStore) Ping(context.Context) error { return b.err }
func (b brokenStore) Close() error { return nil }

// stuckStore blocks WithUser and Get until the context is done.
type stuckStore struct {
	session.Store
}

func (stuckStore) WithUser(ctx context.Context, _ string, _ func(session.Scope) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckStore) Get(ctx context.Context, _ string) (session.Record, error) {
	<-ctx.Done()
	return session.Record{}, ctx.Err()
}

var errBackend = errors.New("connection refused")

// createFailStore wraps a MemoryStore whose scopes refuse to create sessions
// once armed. Deactivations made earlier in the scope stay in place.
type createFailStore struct {
	*session.MemoryStore
	mu    sync.Mutex
	armed bool

	// rollsBack makes Get report every session active, as a store that
	// undoes the whole scope on error would.
	rollsBack bool
}

func (s *createFailStore) Get(ctx context.Context, sessionID string) (session.Record, error) {
	r, err := s.MemoryStore.Get(ctx, sessionID)
	if err == nil && s.rollsBack {
		r.Active = true
		r.DeactivatedAt = nil
		r.EndReason = ""
	}
	return r, err
}

func (s *createFailStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *createFailStore) WithUser(ctx context.Context, userID string, fn func(session.Scope) error) error {
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()

	return s.MemoryStore.WithUser(ctx, userID, func(sc session.Scope) error {
		if armed {
			sc = createFailScope{Scope: sc}
		}
		return fn(sc)
	})
}

type createFailScope struct {
	session.Scope
}

func (createFailScope) Create(context.Context, time.Time, string, string) (session.Record, error) {
	return session.Record{}, errConnReset
}

var errConnReset = errors.New("connection reset")

func newCreateFailFixture(t *testing.T, limit int) (*Controller, *createFailStore, *recorder) {
	t.Helper()

	st := &createFailStore{MemoryStore: session.NewMemoryStore()}
	rec := &recorder{}

	cfg := session.DefaultConfig()
	cfg.DeviceLimit = limit

	ctrl, err := New(st, cfg,
		WithClock(newTestClock().Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithObserver(rec),
		WithNotifier(rec),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ctrl, st, rec
}
