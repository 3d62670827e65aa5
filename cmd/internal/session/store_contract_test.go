package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devicegate/cmd/internal/ids"
)

// runStoreContract exercises the behavior every Store engine must share.
func runStoreContract(t *testing.T, st Store) {
	t.Helper()

	t.Run("CreateGetListOrder", func(t *testing.T) { contractCreateGetListOrder(t, st) })
	t.Run("TouchMonotonic", func(t *testing.T) { contractTouchMonotonic(t, st) })
	t.Run("DeactivateIdempotent", func(t *testing.T) { contractDeactivateIdempotent(t, st) })
	t.Run("ForeignSessionIsNotFound", func(t *testing.T) { contractForeignSession(t, st) })
	t.Run("WithUserSerializes", func(t *testing.T) { contractWithUserSerializes(t, st) })
	t.Run("WithUserHonorsContext", func(t *testing.T) { contractWithUserHonorsContext(t, st) })
	t.Run("Purge", func(t *testing.T) { contractPurge(t, st) })
}

func testUser(t *testing.T) string {
	t.Helper()
	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	return "user-" + id
}

func mustCreate(t *testing.T, st Store, userID, deviceID string, now time.Time) Record {
	t.Helper()

	var rec Record
	err := st.WithUser(context.Background(), userID, func(sc Scope) error {
		var err error
		rec, err = sc.Create(context.Background(), now, deviceID, "label "+deviceID)
		return err
	})
	if err != nil {
		t.Fatalf("create %s/%s: %v", userID, deviceID, err)
	}
	return rec
}

func mustDeactivate(t *testing.T, st Store, userID, sessionID string, now time.Time, reason EndReason) (Record, bool) {
	t.Helper()

	var (
		rec     Record
		changed bool
	)
	err := st.WithUser(context.Background(), userID, func(sc Scope) error {
		var err error
		rec, changed, err = sc.Deactivate(context.Background(), now, sessionID, reason)
		return err
	})
	if err != nil {
		t.Fatalf("deactivate %s: %v", sessionID, err)
	}
	return rec, changed
}

func contractCreateGetListOrder(t *testing.T, st Store) {
	ctx := context.Background()
	user := testUser(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	b := mustCreate(t, st, user, "dev-b", base.Add(2*time.Millisecond))
	a := mustCreate(t, st, user, "dev-a", base)

	if !a.Active || a.UserID != user || a.DeviceID != "dev-a" {
		t.Fatalf("unexpected record: %+v", a)
	}
	if !a.LastSeenAt.Equal(a.CreatedAt) {
		t.Fatalf("lastSeen=%v createdAt=%v; want equal at creation", a.LastSeenAt, a.CreatedAt)
	}

	got, err := st.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != a.ID || got.DeviceInfo != "label dev-a" {
		t.Fatalf("Get mismatch: %+v", got)
	}

	list, err := st.ListActive(ctx, user)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("ListActive order: %+v", list)
	}

	if _, err := st.Get(ctx, "missing-"+user); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: expected ErrNotFound, got %v", err)
	}
}

func contractTouchMonotonic(t *testing.T, st Store) {
	ctx := context.Background()
	user := testUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := mustCreate(t, st, user, "dev", now)

	later := now.Add(5 * time.Second)
	if err := st.Touch(ctx, later, rec.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := st.Touch(ctx, now.Add(time.Second), rec.ID); err != nil {
		t.Fatalf("Touch earlier: %v", err)
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastSeenAt.Equal(later) {
		t.Fatalf("LastSeenAt=%v want %v", got.LastSeenAt, later)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt moved: %v want %v", got.CreatedAt, now)
	}

	if err := st.Touch(ctx, later, "missing-"+user); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch missing: expected ErrNotFound, got %v", err)
	}
}

func contractDeactivateIdempotent(t *testing.T, st Store) {
	ctx := context.Background()
	user := testUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := mustCreate(t, st, user, "dev", now)

	first, changed := mustDeactivate(t, st, user, rec.ID, now.Add(time.Second), EndReasonLogout)
	if !changed || first.Active || first.DeactivatedAt == nil || first.EndReason != EndReasonLogout {
		t.Fatalf("first deactivate: changed=%v rec=%+v", changed, first)
	}

	second, changed := mustDeactivate(t, st, user, rec.ID, now.Add(2*time.Second), EndReasonForced)
	if changed {
		t.Fatalf("second deactivate reported a change")
	}
	if second.EndReason != EndReasonLogout {
		t.Fatalf("end reason overwritten: %q", second.EndReason)
	}

	list, err := st.ListActive(ctx, user)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(list))
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get after deactivate: %v", err)
	}
	if got.Active {
		t.Fatalf("record reactivated")
	}
}

func contractForeignSession(t *testing.T, st Store) {
	owner := testUser(t)
	other := testUser(t)
	rec := mustCreate(t, st, owner, "dev", time.Now().UTC())

	err := st.WithUser(context.Background(), other, func(sc Scope) error {
		if _, err := sc.Get(context.Background(), rec.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("foreign Get: expected ErrNotFound, got %v", err)
		}
		_, _, err := sc.Deactivate(context.Background(), time.Now(), rec.ID, EndReasonForced)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign Deactivate: expected ErrNotFound, got %v", err)
	}

	got, err := st.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Active {
		t.Fatalf("foreign scope deactivated the session")
	}
}

func contractWithUserSerializes(t *testing.T, st Store) {
	user := testUser(t)

	const workers = 8
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := st.WithUser(ctx, user, func(Scope) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("WithUser: %v", err)
			}
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatalf("two scopes for the same user overlapped")
	}
}

func contractWithUserHonorsContext(t *testing.T, st Store) {
	user := testUser(t)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = st.WithUser(context.Background(), user, func(Scope) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := st.WithUser(ctx, user, func(Scope) error {
		t.Errorf("callback ran while another scope held the user")
		return nil
	})
	if err == nil {
		t.Fatalf("expected an error while the user is held")
	}
}

func contractPurge(t *testing.T, st Store) {
	ctx := context.Background()
	user := testUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	old := mustCreate(t, st, user, "old", now.Add(-3*time.Hour))
	recent := mustCreate(t, st, user, "recent", now.Add(-2*time.Hour))
	live := mustCreate(t, st, user, "live", now.Add(-time.Hour))

	mustDeactivate(t, st, user, old.ID, now.Add(-2*time.Hour), EndReasonLogout)
	mustDeactivate(t, st, user, recent.ID, now.Add(-time.Minute), EndReasonForced)

	n, err := st.Purge(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n < 1 {
		t.Fatalf("Purge removed %d rows, want >= 1", n)
	}

	if _, err := st.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old session survived purge: %v", err)
	}
	if _, err := st.Get(ctx, recent.ID); err != nil {
		t.Fatalf("recently deactivated session purged: %v", err)
	}
	if _, err := st.Get(ctx, live.ID); err != nil {
		t.Fatalf("active session purged: %v", err)
	}
}
