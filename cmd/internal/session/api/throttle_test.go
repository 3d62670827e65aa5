package sessionapi

import (
	"testing"
	"time"
)

func TestEvaluateWindowThrottle(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	events := []time.Time{
		now.Add(-10 * time.Second),
		now.Add(-20 * time.Second),
		now.Add(-70 * time.Second),
	}

	blocked, retry := evaluateWindowThrottle(now, events, 2, time.Minute)
	if !blocked {
		t.Fatalf("expected window throttle to block")
	}
	if retry != 40*time.Second {
		t.Fatalf("expected retry=40s, got %v", retry)
	}

	blocked, retry = evaluateWindowThrottle(now, events, 3, time.Minute)
	if blocked {
		t.Fatalf("expected window throttle to allow")
	}
	if retry != 0 {
		t.Fatalf("expected retry=0, got %v", retry)
	}
}

func TestLoginThrottle_AllowSlidesWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	th := newLoginThrottle(2, time.Minute)

	for i := 0; i < 2; i++ {
		if ok, _ := th.allow("u1", now.Add(time.Duration(i)*time.Second)); !ok {
			t.Fatalf("attempt %d: expected allow", i)
		}
	}
	if ok, retry := th.allow("u1", now.Add(2*time.Second)); ok || retry != 58*time.Second {
		t.Fatalf("expected block with retry=58s, got ok=%v retry=%v", ok, retry)
	}
	if ok, _ := th.allow("u2", now.Add(2*time.Second)); !ok {
		t.Fatalf("throttle must be per user")
	}
	if ok, _ := th.allow("u1", now.Add(61*time.Second)); !ok {
		t.Fatalf("expected allow once the oldest attempt left the window")
	}
}

func TestLoginThrottle_SweepDropsIdleKeys(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	th := newLoginThrottle(5, time.Minute)

	th.allow("old", now)
	th.allow("fresh", now.Add(50*time.Second))
	th.sweep(now.Add(90 * time.Second))

	if _, ok := th.events["old"]; ok {
		t.Fatalf("expected idle key to be swept")
	}
	if _, ok := th.events["fresh"]; !ok {
		t.Fatalf("expected recent key to survive")
	}
}

func TestLoginThrottle_DisabledIsNil(t *testing.T) {
	th := newLoginThrottle(0, time.Minute)
	if th != nil {
		t.Fatalf("expected nil throttle when max is zero")
	}
	if ok, _ := th.allow("u1", time.Now()); !ok {
		t.Fatalf("nil throttle must allow")
	}
	th.sweep(time.Now())
}
