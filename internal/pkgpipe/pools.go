package pkgpipe

import (
	"sync"
)

// workerPool is a bounded pool with static worker count. The bounds are
// the point: download, unpack, and install each get a fixed number of
// workers so network and disk contention stay predictable regardless of
// how many tasks are in flight.
type workerPool struct {
	name string
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newWorkerPool(name string, workers int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	p := &workerPool{
		name: name,
		// Buffered so the scheduler loop never parks on a dispatch
		// while it still has cancellation checks to run.
		jobs: make(chan func(), 128),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// submit enqueues a job. Returns false after shutdown.
func (p *workerPool) submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	// Hold the lock across the send so shutdown cannot close the
	// channel between the check and the send.
	p.jobs <- job
	return true
}

// shutdown stops accepting jobs and waits for in-flight work.
func (p *workerPool) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
