// Package locks implements the coordinator's in-memory named lock
// manager. It is the only cross-process synchronization primitive in
// the system: clients never take file locks against each other, they
// ask the coordinator, which serializes everything here. A coordinator
// restart loses all leases, which is fine: no client holding a
// pre-restart lease can observe the coordinator anyway.
package locks

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/procs"
)

// Policy selects contention behavior on acquire.
type Policy int

const (
	// PolicyFail returns ErrWouldBlock when the name is held.
	PolicyFail Policy = iota
	// PolicyPreempt reassigns the lock and notifies the previous owner.
	PolicyPreempt
)

// WouldBlockError reports a contended acquire along with the holder so
// clients can surface who is in the way.
type WouldBlockError struct {
	Name      string
	HolderPID int
}

func (e *WouldBlockError) Error() string {
	return fmt.Sprintf("lock %q held by pid %d", e.Name, e.HolderPID)
}

// Info describes a held lock for status reporting.
type Info struct {
	Name       string        `json:"name"`
	OwnerPID   int           `json:"owner_pid"`
	LeaseID    string        `json:"lease_id"`
	Age        time.Duration `json:"age"`
	AcquiredAt time.Time     `json:"acquired_at"`
}

type lease struct {
	id       string
	ownerPID int
	acquired time.Time
}

// PreemptFunc is invoked (outside the manager's critical section) when
// a lock is forcibly reassigned, with the name and the evicted owner.
type PreemptFunc func(name string, evictedPID int)

// Manager owns every named lock in the coordinator.
type Manager struct {
	mu        sync.Mutex
	held      map[string]*lease
	onPreempt PreemptFunc
	alive     func(int) bool
}

// NewManager constructs an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		held:  make(map[string]*lease),
		alive: procs.Alive,
	}
}

// SetPreemptNotifier registers the callback fired when PolicyPreempt
// evicts a holder. Upward signalling goes through this callback; the
// manager holds no references to the components it serves.
func (m *Manager) SetPreemptNotifier(fn PreemptFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPreempt = fn
}

// Acquire takes the named lock for ownerPID. On contention it returns
// *WouldBlockError unless policy is PolicyPreempt, in which case the
// current owner is notified and the lock reassigned.
func (m *Manager) Acquire(name string, ownerPID int, policy Policy) (string, error) {
	var evicted int
	var notify PreemptFunc

	m.mu.Lock()
	current, taken := m.held[name]
	if taken && policy != PolicyPreempt {
		holder := current.ownerPID
		m.mu.Unlock()
		return "", &WouldBlockError{Name: name, HolderPID: holder}
	}
	if taken {
		evicted = current.ownerPID
		notify = m.onPreempt
	}
	id := uuid.NewString()
	m.held[name] = &lease{id: id, ownerPID: ownerPID, acquired: time.Now()}
	m.mu.Unlock()

	if notify != nil && evicted != 0 && evicted != ownerPID {
		notify(name, evicted)
	}
	return id, nil
}

// Release drops the named lock if leaseID still owns it. Stale lease
// ids are a no-op so release is idempotent and a preempted holder
// releasing late cannot evict the new owner.
func (m *Manager) Release(name, leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.held[name]
	if !ok || current.id != leaseID {
		return
	}
	delete(m.held, name)
}

// Status lists every held lock.
func (m *Manager) Status() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.held))
	now := time.Now()
	for name, l := range m.held {
		out = append(out, Info{
			Name:       name,
			OwnerPID:   l.ownerPID,
			LeaseID:    l.id,
			Age:        now.Sub(l.acquired),
			AcquiredAt: l.acquired,
		})
	}
	return out
}

// HeldCount reports how many locks are currently held.
func (m *Manager) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// ClearStale releases every lock whose owner pid is no longer alive and
// returns the released names. Invoked on dispatcher idle ticks.
func (m *Manager) ClearStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []string
	for name, l := range m.held {
		if !m.alive(l.ownerPID) {
			delete(m.held, name)
			released = append(released, name)
		}
	}
	return released
}
