package session

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"devicegate/cmd/internal/ids"
)

// MemoryStore is the development Store used when no database is configured.
// Per-user exclusivity is a keyed, context-aware lock; record state is
// guarded by a single RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byUser  map[string][]string // session ids in creation order

	locksMu sync.Mutex
	locks   map[string]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byUser:  make(map[string][]string),
		locks:   make(map[string]*userLock),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds unless ctx is done.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Get loads a session by id.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return Record{}, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

// ListActive returns the user's active sessions, oldest first.
func (s *MemoryStore) ListActive(ctx context.Context, userID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listActiveLocked(userID), nil
}

func (s *MemoryStore) listActiveLocked(userID string) []Record {
	out := make([]Record, 0, 4)
	for _, id := range s.byUser[userID] {
		if r := s.records[id]; r != nil && r.Active {
			out = append(out, r.clone())
		}
	}
	slices.SortStableFunc(out, compareCreated)
	return out
}

// Touch advances LastSeenAt monotonically.
func (s *MemoryStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	if now = now.UTC(); now.After(r.LastSeenAt) {
		r.LastSeenAt = now
	}
	return nil
}

// WithUser runs fn while holding userID's lock.
func (s *MemoryStore) WithUser(ctx context.Context, userID string, fn func(Scope) error) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}

	release, err := s.lockUser(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	return fn(&memoryScope{s: s, userID: userID})
}

// Purge removes inactive sessions deactivated before the cutoff.
func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.records {
		if r.Active || r.DeactivatedAt == nil || !r.DeactivatedAt.Before(before) {
			continue
		}
		delete(s.records, id)
		n++
	}
	if n == 0 {
		return 0, nil
	}

	for userID, list := range s.byUser {
		kept := list[:0]
		for _, id := range list {
			if _, ok := s.records[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.byUser, userID)
			continue
		}
		s.byUser[userID] = kept
	}
	return n, nil
}

func (s *MemoryStore) lockUser(ctx context.Context, userID string) (func(), error) {
	s.locksMu.Lock()
	l := s.locks[userID]
	if l == nil {
		l = &userLock{ch: make(chan struct{}, 1)}
		s.locks[userID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.unref(userID, l)
		return nil, ctx.Err()
	}

	return func() {
		<-l.ch
		s.unref(userID, l)
	}, nil
}

func (s *MemoryStore) unref(userID string, l *userLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(s.locks, userID)
	}
}

type memoryScope struct {
	s      *MemoryStore
	userID string
}

func (m *memoryScope) UserID() string { return m.userID }

func (m *memoryScope) ListActive(ctx context.Context) ([]Record, error) {
	return m.s.ListActive(ctx, m.userID)
}

func (m *memoryScope) Get(ctx context.Context, sessionID string) (Record, error) {
	r, err := m.s.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if r.UserID != m.userID {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryScope) Create(ctx context.Context, now time.Time, deviceID, deviceInfo string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(deviceID) == "" {
		return Record{}, ErrInvalidInput
	}

	now = now.UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Record{}, err
	}

	r := &Record{
		ID:         id,
		UserID:     m.userID,
		DeviceID:   deviceID,
		DeviceInfo: deviceInfo,
		CreatedAt:  now,
		LastSeenAt: now,
		Active:     true,
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	m.s.records[id] = r
	m.s.byUser[m.userID] = append(m.s.byUser[m.userID], id)
	return r.clone(), nil
}

func (m *memoryScope) Deactivate(ctx context.Context, now time.Time, sessionID string, reason EndReason) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	if !reason.Valid() {
		return Record{}, false, ErrInvalidInput
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	r, ok := m.s.records[sessionID]
	if !ok || r.UserID != m.userID {
		return Record{}, false, ErrNotFound
	}
	if !r.Active {
		return r.clone(), false, nil
	}

	at := now.UTC()
	r.Active = false
	r.DeactivatedAt = &at
	r.EndReason = reason
	return r.clone(), true, nil
}

func compareCreated(a, b Record) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
