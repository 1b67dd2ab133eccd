// Package cancel implements the coordinator's cancellation registry.
// A request is considered cancelled when either an explicit cancel
// signal has been delivered for its id, or its owning client process is
// no longer alive. Checks are polled at explicit checkpoints, never
// preemptive, and cached for a short TTL so tight loops can check for
// free.
package cancel

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kiln/internal/faults"
	"kiln/internal/procs"
)

// Policy decides what an observed cancellation does to the operation.
type Policy int

const (
	// PolicyCancellable aborts the operation (builds, deploys, monitors).
	PolicyCancellable Policy = iota
	// PolicyContinue reports the cancellation but lets the operation run
	// to completion so the shared cache is populated anyway
	// (install-dependencies).
	PolicyContinue
)

// Reason says which channel observed the cancellation.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonSignal     Reason = "cancel_signal"
	ReasonClientDead Reason = "client_dead"
)

const cacheTTL = 100 * time.Millisecond

type entry struct {
	ownerPID int
	policy   Policy

	cachedReason Reason
	checkedAt    time.Time
}

// Registry tracks cancellation state for running requests.
type Registry struct {
	dir string

	mu      sync.Mutex
	entries map[string]*entry
	alive   func(int) bool
	now     func() time.Time
}

// NewRegistry creates a registry whose explicit signals live as files
// under dir (one sentinel file per request id).
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:     dir,
		entries: make(map[string]*entry),
		alive:   procs.Alive,
		now:     time.Now,
	}
}

// Register starts tracking a request.
func (r *Registry) Register(requestID string, ownerPID int, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[requestID] = &entry{ownerPID: ownerPID, policy: policy}
}

// Unregister stops tracking a request and removes any signal file left
// behind so a recycled id cannot observe a stale cancel.
func (r *Registry) Unregister(requestID string) {
	r.mu.Lock()
	delete(r.entries, requestID)
	r.mu.Unlock()
	_ = os.Remove(r.signalPath(requestID))
}

// Cancel delivers an explicit cancel signal for the request id and
// invalidates the TTL cache so the next check observes it immediately.
func (r *Registry) Cancel(requestID string) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("ensure cancel dir: %w", err)
	}
	if err := os.WriteFile(r.signalPath(requestID), []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write cancel signal: %w", err)
	}
	r.mu.Lock()
	if e, ok := r.entries[requestID]; ok {
		e.checkedAt = time.Time{}
	}
	r.mu.Unlock()
	return nil
}

// Check answers "is this request cancelled?" with the reason. Repeated
// calls inside the TTL window return the cached answer.
func (r *Registry) Check(requestID string) (bool, Reason) {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if !ok {
		r.mu.Unlock()
		return false, ReasonNone
	}
	now := r.now()
	if !e.checkedAt.IsZero() && now.Sub(e.checkedAt) < cacheTTL {
		reason := e.cachedReason
		r.mu.Unlock()
		return reason != ReasonNone, reason
	}
	ownerPID := e.ownerPID
	r.mu.Unlock()

	reason := ReasonNone
	if _, err := os.Stat(r.signalPath(requestID)); err == nil {
		reason = ReasonSignal
	} else if !r.alive(ownerPID) {
		reason = ReasonClientDead
	}

	r.mu.Lock()
	if e, ok := r.entries[requestID]; ok {
		e.cachedReason = reason
		e.checkedAt = now
	}
	r.mu.Unlock()
	return reason != ReasonNone, reason
}

// Policy returns the cancellation policy the request registered with.
func (r *Registry) Policy(requestID string) Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[requestID]; ok {
		return e.policy
	}
	return PolicyCancellable
}

// Checkpoint is the standard cancellation checkpoint: it returns
// ErrCancelled when the request is cancelled and its policy aborts, and
// nil otherwise. PolicyContinue requests never fail a checkpoint; the
// observation is the caller's to log.
func (r *Registry) Checkpoint(requestID string) error {
	cancelled, reason := r.Check(requestID)
	if !cancelled {
		return nil
	}
	if r.Policy(requestID) == PolicyContinue {
		return nil
	}
	return faults.Wrap(faults.ErrCancelled, "cancel", "checkpoint", string(reason), nil)
}

// CleanupStale removes signal files for requests no longer tracked.
func (r *Registry) CleanupStale() {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.cancel"))
	if err != nil {
		return
	}
	r.mu.Lock()
	tracked := make(map[string]struct{}, len(r.entries))
	for id := range r.entries {
		tracked[id] = struct{}{}
	}
	r.mu.Unlock()
	for _, path := range matches {
		id := filepath.Base(path)
		id = id[:len(id)-len(".cancel")]
		if _, ok := tracked[id]; !ok {
			_ = os.Remove(path)
		}
	}
}

func (r *Registry) signalPath(requestID string) string {
	return filepath.Join(r.dir, requestID+".cancel")
}
