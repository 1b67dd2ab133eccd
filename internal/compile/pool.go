package compile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"kiln/internal/buildctx"
	"kiln/internal/faults"
	"kiln/internal/logging"
	"kiln/internal/procs"
)

// Pool compiles translation units on a fixed set of OS-thread workers.
// One shared instance serves every concurrent build; requests with a
// custom -j get a dedicated instance scoped to the request.
type Pool struct {
	logger *slog.Logger
	queue  chan *Job

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// runner is swappable for tests.
	runner func(ctx context.Context, job *Job) (string, int, error)
}

// NewPool starts workers goroutines. workers <= 0 selects the host CPU
// count.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pool{
		logger: logging.NewComponentLogger(logger, "compile"),
		queue:  make(chan *Job, 1024),
		runner: runCompiler,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a job without blocking. The caller's build context is
// captured into the work item so the worker reinstates it before
// running. Jobs whose object file is already up to date short-circuit
// to done without touching a worker; a no-change build's compile phase
// is nothing but this stat walk.
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	job.capture = buildctx.Capture(ctx)
	if upToDate(job.Source, job.Object) {
		job.mu.Lock()
		job.skipped = true
		job.status = StatusDone
		job.mu.Unlock()
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("compile: pool is shut down")
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return fmt.Errorf("compile: queue full")
	}
}

// Wait blocks until every job is terminal, checking the cancellation
// checkpoint at the given interval. A checkpoint error cancels the
// requests' pending jobs and returns after in-flight jobs finish;
// forcibly killing a half-done compiler is unreliable on some hosts and
// they finish within seconds anyway.
func (p *Pool) Wait(jobs []*Job, checkpoint func() error, poll time.Duration) error {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if allTerminal(jobs) {
			return firstFailure(jobs)
		}
		if checkpoint != nil {
			if err := checkpoint(); err != nil {
				p.cancelJobs(jobs)
				p.waitRunning(jobs)
				return err
			}
		}
		<-ticker.C
	}
}

// CancelPending cancels every still-pending job owned by requestID.
// Jobs already running are left to finish.
func (p *Pool) CancelPending(requestID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancelled := 0
	// Drain and re-queue: jobs for other requests keep their place.
	pending := len(p.queue)
	for i := 0; i < pending; i++ {
		job := <-p.queue
		if job.RequestID == requestID && job.transition(StatusPending, StatusCancelled) {
			cancelled++
			continue
		}
		p.queue <- job
	}
	return cancelled
}

// Close stops the workers after the queue drains. Dedicated per-request
// pools must be closed on every request exit path; the shared pool is
// closed only at daemon shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		if !job.transition(StatusPending, StatusRunning) {
			continue // cancelled while queued
		}
		p.execute(job)
	}
}

func (p *Pool) execute(job *Job) {
	ctx := context.Background()
	if job.capture != nil {
		ctx = job.capture(ctx)
	}
	output, exitCode, err := p.runner(ctx, job)
	job.mu.Lock()
	job.output = output
	job.exitCode = exitCode
	if err != nil {
		job.err = err
		job.status = StatusFailed
	} else {
		job.status = StatusDone
	}
	job.mu.Unlock()

	if err != nil {
		logging.WithContext(ctx, p.logger).Debug("compile job failed",
			logging.String("source", job.Source),
			logging.Int("exit_code", exitCode))
	}
}

// RunSerial compiles jobs inline with no pool dispatch. This is the
// explicit -j1 debugging mode, not a fallback.
func RunSerial(ctx context.Context, jobs []*Job, checkpoint func() error) error {
	for _, job := range jobs {
		if checkpoint != nil {
			if err := checkpoint(); err != nil {
				for _, rest := range jobs {
					rest.transition(StatusPending, StatusCancelled)
				}
				return err
			}
		}
		if upToDate(job.Source, job.Object) {
			job.mu.Lock()
			job.skipped = true
			job.status = StatusDone
			job.mu.Unlock()
			continue
		}
		if !job.transition(StatusPending, StatusRunning) {
			continue
		}
		output, exitCode, err := runCompiler(ctx, job)
		job.mu.Lock()
		job.output = output
		job.exitCode = exitCode
		if err != nil {
			job.err = err
			job.status = StatusFailed
		} else {
			job.status = StatusDone
		}
		job.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// runCompiler spawns the external compiler with the mandatory
// subprocess hygiene and captures its combined output.
func runCompiler(ctx context.Context, job *Job) (string, int, error) {
	if len(job.Argv) == 0 {
		return "", -1, faults.Wrap(faults.ErrValidation, "compile", job.Source, "empty argument vector", nil)
	}
	if err := os.MkdirAll(filepath.Dir(job.Object), 0o755); err != nil {
		return "", -1, faults.Wrap(faults.ErrTransient, "compile", job.Source, "create object dir", err)
	}

	cmd := procs.Command(ctx, job.Argv[0], job.Argv[1:]...)
	if len(job.Env) > 0 {
		cmd.Env = append(os.Environ(), job.Env...)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return output.String(), 0, nil
	}
	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		return output.String(), exitCode, faults.Wrap(faults.ErrExternalTool, "compile", filepath.Base(job.Source),
			fmt.Sprintf("compiler exited %d", exitCode), nil)
	}
	return output.String(), exitCode, faults.Wrap(faults.ErrExternalTool, "compile", filepath.Base(job.Source), "spawn compiler", err)
}

func allTerminal(jobs []*Job) bool {
	for _, job := range jobs {
		switch job.Status() {
		case StatusDone, StatusFailed, StatusCancelled:
		default:
			return false
		}
	}
	return true
}

func firstFailure(jobs []*Job) error {
	for _, job := range jobs {
		if job.Status() == StatusFailed {
			if err := job.Err(); err != nil {
				return err
			}
			return faults.Wrap(faults.ErrExternalTool, "compile", job.Source, "compilation failed", nil)
		}
	}
	return nil
}

func (p *Pool) cancelJobs(jobs []*Job) {
	for _, job := range jobs {
		job.transition(StatusPending, StatusCancelled)
	}
	// Also sweep the queue so cancelled jobs never reach a worker.
	p.CancelPending(requestOf(jobs))
}

func (p *Pool) waitRunning(jobs []*Job) {
	for {
		running := false
		for _, job := range jobs {
			if job.Status() == StatusRunning {
				running = true
				break
			}
		}
		if !running {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func requestOf(jobs []*Job) string {
	if len(jobs) == 0 {
		return ""
	}
	return jobs[0].RequestID
}
