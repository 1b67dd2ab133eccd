package cancel

import (
	"testing"
	"time"

	"kiln/internal/faults"
)

func newTestRegistry(t *testing.T, alive func(int) bool) *Registry {
	t.Helper()
	r := NewRegistry(t.TempDir())
	if alive != nil {
		r.alive = alive
	}
	return r
}

func TestExplicitCancelObserved(t *testing.T) {
	r := newTestRegistry(t, func(int) bool { return true })
	r.Register("req-1", 100, PolicyCancellable)

	if cancelled, _ := r.Check("req-1"); cancelled {
		t.Fatal("fresh request reported cancelled")
	}
	if err := r.Cancel("req-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelled, reason := r.Check("req-1")
	if !cancelled || reason != ReasonSignal {
		t.Fatalf("check = (%v, %q), want (true, cancel_signal)", cancelled, reason)
	}
	if err := r.Checkpoint("req-1"); !faults.IsCancelled(err) {
		t.Fatalf("checkpoint = %v, want ErrCancelled", err)
	}
}

func TestDeadClientObserved(t *testing.T) {
	dead := false
	r := newTestRegistry(t, func(int) bool { return !dead })
	r.Register("req-2", 4242, PolicyCancellable)

	if cancelled, _ := r.Check("req-2"); cancelled {
		t.Fatal("live client reported cancelled")
	}

	dead = true
	// The previous check is cached; step past the TTL.
	r.now = func() time.Time { return time.Now().Add(cacheTTL + time.Millisecond) }
	cancelled, reason := r.Check("req-2")
	if !cancelled || reason != ReasonClientDead {
		t.Fatalf("check = (%v, %q), want (true, client_dead)", cancelled, reason)
	}
}

func TestCacheInvalidatedOnExplicitCancel(t *testing.T) {
	r := newTestRegistry(t, func(int) bool { return true })
	r.Register("req-3", 100, PolicyCancellable)

	// Prime the cache with a negative answer.
	if cancelled, _ := r.Check("req-3"); cancelled {
		t.Fatal("unexpected cancellation")
	}
	if err := r.Cancel("req-3"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Within the TTL window, but the explicit delivery must be visible.
	if cancelled, _ := r.Check("req-3"); !cancelled {
		t.Fatal("explicit cancel hidden by TTL cache")
	}
}

func TestContinuePolicyPassesCheckpoint(t *testing.T) {
	r := newTestRegistry(t, func(int) bool { return true })
	r.Register("req-4", 100, PolicyContinue)
	if err := r.Cancel("req-4"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	cancelled, _ := r.Check("req-4")
	if !cancelled {
		t.Fatal("cancellation not reported for observability")
	}
	if err := r.Checkpoint("req-4"); err != nil {
		t.Fatalf("continue-policy checkpoint = %v, want nil", err)
	}
}

func TestUnregisterRemovesSignal(t *testing.T) {
	r := newTestRegistry(t, func(int) bool { return true })
	r.Register("req-5", 100, PolicyCancellable)
	if err := r.Cancel("req-5"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	r.Unregister("req-5")

	// A recycled id must start clean.
	r.Register("req-5", 100, PolicyCancellable)
	if cancelled, _ := r.Check("req-5"); cancelled {
		t.Fatal("stale signal observed after unregister")
	}
}

func TestCheckUnknownRequest(t *testing.T) {
	r := newTestRegistry(t, nil)
	if cancelled, reason := r.Check("nope"); cancelled || reason != ReasonNone {
		t.Fatalf("unknown request = (%v, %q), want (false, \"\")", cancelled, reason)
	}
}
