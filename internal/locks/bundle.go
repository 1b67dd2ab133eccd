package locks

import "sync"

// Bundle is the scoped acquisition set the dispatcher wraps every
// request in. Whatever a request acquires through its bundle is
// released on every exit path with a single ReleaseAll.
type Bundle struct {
	mgr *Manager

	mu     sync.Mutex
	leases map[string]string
}

// NewBundle creates an empty bundle against the given manager.
func NewBundle(mgr *Manager) *Bundle {
	return &Bundle{mgr: mgr, leases: make(map[string]string)}
}

// Acquire takes a lock and records it for release.
func (b *Bundle) Acquire(name string, ownerPID int, policy Policy) error {
	leaseID, err := b.mgr.Acquire(name, ownerPID, policy)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.leases[name] = leaseID
	b.mu.Unlock()
	return nil
}

// Release drops a single lock from the bundle.
func (b *Bundle) Release(name string) {
	b.mu.Lock()
	leaseID, ok := b.leases[name]
	delete(b.leases, name)
	b.mu.Unlock()
	if ok {
		b.mgr.Release(name, leaseID)
	}
}

// ReleaseAll drops every lock the bundle holds. Safe to call more than
// once; a bundle that released already is empty.
func (b *Bundle) ReleaseAll() {
	b.mu.Lock()
	leases := b.leases
	b.leases = make(map[string]string)
	b.mu.Unlock()
	for name, leaseID := range leases {
		b.mgr.Release(name, leaseID)
	}
}

// Held reports how many locks the bundle currently holds.
func (b *Bundle) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.leases)
}
