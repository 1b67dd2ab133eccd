// Package request holds the in-memory request records and the
// dispatcher that executes them: per-request output isolation, scoped
// lock bundles, cancellation checkpoints, and kind routing.
package request

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/api"
)

// Params are the kind-specific request parameters.
type Params struct {
	ProjectDir string
	Env        string
	Profile    string
	Jobs       int
	Port       string
	Baud       int
	Verbose    bool
}

// Request is one client submission.
type Request struct {
	ID        string
	Kind      api.Kind
	ClientPID int
	ClientCWD string
	Params    Params
	CreatedAt time.Time

	mu       sync.Mutex
	status   api.Status
	errText  string
	artifact string
	observed time.Time
	done     chan struct{}
}

// New builds a queued request with a fresh id.
func New(kind api.Kind, clientPID int, clientCWD string, params Params) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Kind:      kind,
		ClientPID: clientPID,
		ClientCWD: clientCWD,
		Params:    params,
		CreatedAt: time.Now(),
		status:    api.StatusQueued,
		done:      make(chan struct{}),
	}
}

// Status returns the current status.
func (r *Request) Status() api.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the failure text, if any.
func (r *Request) Err() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errText
}

// Artifact returns the produced artifact path, if any.
func (r *Request) Artifact() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// Done is closed when the request reaches a terminal status.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) setRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == api.StatusQueued {
		r.status = api.StatusRunning
	}
}

// finish publishes the terminal status exactly once.
func (r *Request) finish(status api.Status, errText, artifact string) {
	r.mu.Lock()
	terminal := r.status == api.StatusSucceeded || r.status == api.StatusFailed || r.status == api.StatusCancelled
	if !terminal {
		r.status = status
		r.errText = errText
		r.artifact = artifact
		close(r.done)
	}
	r.mu.Unlock()
}

// MarkObserved records that a client has seen the terminal status, so
// the registry can discard the record.
func (r *Request) MarkObserved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = time.Now()
}

// StatusRecord converts to the wire representation.
func (r *Request) StatusRecord() api.RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return api.RequestStatus{
		RequestID: r.ID,
		Kind:      r.Kind,
		Status:    r.status,
		Error:     r.errText,
		Artifact:  r.artifact,
		CreatedAt: r.CreatedAt,
		ClientPID: r.ClientPID,
	}
}

// Registry indexes live request records. Terminal records are dropped
// once observed, or after a bounded idle period for clients that never
// came back.
type Registry struct {
	mu   sync.Mutex
	reqs map[string]*Request
	ttl  time.Duration
}

// NewRegistry creates a registry with the given terminal-record TTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{reqs: make(map[string]*Request), ttl: ttl}
}

// Add indexes a request; the id must be fresh (uuid collisions are not
// worth handling).
func (g *Registry) Add(r *Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs[r.ID] = r
}

// Get returns a request by id.
func (g *Registry) Get(id string) (*Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.reqs[id]
	return r, ok
}

// ActiveCount reports requests not yet terminal.
func (g *Registry) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	active := 0
	for _, r := range g.reqs {
		switch r.Status() {
		case api.StatusQueued, api.StatusRunning:
			active++
		}
	}
	return active
}

// Sweep discards terminal records that were observed, or idled past the
// TTL. Invoked on dispatcher idle ticks.
func (g *Registry) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	now := time.Now()
	for id, r := range g.reqs {
		r.mu.Lock()
		terminal := r.status == api.StatusSucceeded || r.status == api.StatusFailed || r.status == api.StatusCancelled
		observed := !r.observed.IsZero()
		age := now.Sub(r.CreatedAt)
		r.mu.Unlock()
		if terminal && (observed || age > g.ttl) {
			delete(g.reqs, id)
			removed++
		}
	}
	return removed
}
