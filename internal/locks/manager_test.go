package locks

import (
	"sync"
	"testing"
	"time"
)

func newTestManager(alive func(int) bool) *Manager {
	m := NewManager()
	if alive != nil {
		m.alive = alive
	}
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := NewManager()
	leaseID, err := m.Acquire("env:esp32c6", 100, PolicyFail)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if leaseID == "" {
		t.Fatal("expected lease id")
	}

	if _, err := m.Acquire("env:esp32c6", 200, PolicyFail); err == nil {
		t.Fatal("expected contention error")
	} else if wb, ok := err.(*WouldBlockError); !ok {
		t.Fatalf("expected WouldBlockError, got %T", err)
	} else if wb.HolderPID != 100 {
		t.Fatalf("holder pid = %d, want 100", wb.HolderPID)
	}

	m.Release("env:esp32c6", leaseID)
	if _, err := m.Acquire("env:esp32c6", 200, PolicyFail); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseStaleLeaseIsNoop(t *testing.T) {
	m := NewManager()
	first, err := m.Acquire("device:ttyUSB0", 100, PolicyFail)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release("device:ttyUSB0", first)

	second, err := m.Acquire("device:ttyUSB0", 200, PolicyFail)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	// Releasing with the first (stale) lease must not evict the new owner.
	m.Release("device:ttyUSB0", first)
	if m.HeldCount() != 1 {
		t.Fatal("stale release evicted the current owner")
	}
	m.Release("device:ttyUSB0", second)
	if m.HeldCount() != 0 {
		t.Fatal("expected no held locks")
	}
}

func TestPreemptNotifiesEvictedOwner(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var evictedName string
	var evictedPID int
	m.SetPreemptNotifier(func(name string, pid int) {
		mu.Lock()
		defer mu.Unlock()
		evictedName = name
		evictedPID = pid
	})

	if _, err := m.Acquire("device:ttyACM0", 100, PolicyFail); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire("device:ttyACM0", 200, PolicyPreempt); err != nil {
		t.Fatalf("preempt acquire: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if evictedName != "device:ttyACM0" || evictedPID != 100 {
		t.Fatalf("preempt notice = (%q, %d), want (device:ttyACM0, 100)", evictedName, evictedPID)
	}
}

func TestClearStaleReleasesDeadOwners(t *testing.T) {
	dead := map[int]bool{100: true}
	m := newTestManager(func(pid int) bool { return !dead[pid] })

	if _, err := m.Acquire("env:uno", 100, PolicyFail); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire("env:esp32c6", 200, PolicyFail); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	released := m.ClearStale()
	if len(released) != 1 || released[0] != "env:uno" {
		t.Fatalf("released = %v, want [env:uno]", released)
	}
	if m.HeldCount() != 1 {
		t.Fatalf("held = %d, want 1", m.HeldCount())
	}
}

func TestConcurrentAcquireExclusive(t *testing.T) {
	m := NewManager()
	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if id, err := m.Acquire("env:shared", pid, PolicyFail); err == nil {
				winners <- id
			}
		}(1000 + i)
	}
	wg.Wait()
	close(winners)

	var count int
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}

func TestBundleReleaseAll(t *testing.T) {
	m := NewManager()
	b := NewBundle(m)
	for _, name := range []string{"env:uno", "device:ttyUSB0", "install:platform-avr@1.0.0"} {
		if err := b.Acquire(name, 42, PolicyFail); err != nil {
			t.Fatalf("bundle acquire %s: %v", name, err)
		}
	}
	if b.Held() != 3 || m.HeldCount() != 3 {
		t.Fatalf("held = (%d, %d), want (3, 3)", b.Held(), m.HeldCount())
	}

	b.ReleaseAll()
	if b.Held() != 0 || m.HeldCount() != 0 {
		t.Fatalf("after release held = (%d, %d), want (0, 0)", b.Held(), m.HeldCount())
	}

	// Idempotent.
	b.ReleaseAll()
	if m.HeldCount() != 0 {
		t.Fatal("second ReleaseAll changed state")
	}
}

func TestStatusReportsAge(t *testing.T) {
	m := NewManager()
	if _, err := m.Acquire("env:uno", 7, PolicyFail); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	infos := m.Status()
	if len(infos) != 1 {
		t.Fatalf("status len = %d, want 1", len(infos))
	}
	if infos[0].Age <= 0 {
		t.Fatal("expected positive lock age")
	}
	if infos[0].OwnerPID != 7 {
		t.Fatalf("owner pid = %d, want 7", infos[0].OwnerPID)
	}
}
