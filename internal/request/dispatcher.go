package request

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"kiln/internal/api"
	"kiln/internal/build"
	"kiln/internal/buildctx"
	"kiln/internal/cancel"
	"kiln/internal/config"
	"kiln/internal/device"
	"kiln/internal/faults"
	"kiln/internal/ledger"
	"kiln/internal/locks"
	"kiln/internal/logging"
	"kiln/internal/manifest"
	"kiln/internal/pkgcache"
	"kiln/internal/pkgpipe"
)

// Dispatcher executes requests on worker goroutines distinct from the
// endpoint's network loop. It is the single place that translates an
// observed cancellation into the cancelled status; lower layers only
// raise it.
type Dispatcher struct {
	cfg      *config.Config
	logger   *slog.Logger
	locks    *locks.Manager
	cancels  *cancel.Registry
	pipeline *pkgpipe.Pipeline
	builder  *build.Builder
	store    *pkgcache.Store
	devices  *device.Coordinator
	uploader *device.Uploader
	ledger   *ledger.Store
	registry *Registry
}

// Deps bundles the dispatcher's collaborators; capabilities are passed
// downward explicitly, upward signalling uses callbacks.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Locks    *locks.Manager
	Cancels  *cancel.Registry
	Pipeline *pkgpipe.Pipeline
	Builder  *build.Builder
	Store    *pkgcache.Store
	Devices  *device.Coordinator
	Uploader *device.Uploader
	Ledger   *ledger.Store
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		cfg:      d.Config,
		logger:   logging.NewComponentLogger(logger, "dispatch"),
		locks:    d.Locks,
		cancels:  d.Cancels,
		pipeline: d.Pipeline,
		builder:  d.Builder,
		store:    d.Store,
		devices:  d.Devices,
		uploader: d.Uploader,
		ledger:   d.Ledger,
		registry: NewRegistry(5 * time.Minute),
	}
}

// Registry exposes the request registry for the endpoint layer.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Cancels exposes the cancellation registry for the endpoint layer.
func (d *Dispatcher) Cancels() *cancel.Registry { return d.cancels }

// Locks exposes the lock manager for the status endpoint.
func (d *Dispatcher) Locks() *locks.Manager { return d.locks }

// Devices exposes the device coordinator for the monitor stream.
func (d *Dispatcher) Devices() *device.Coordinator { return d.devices }

// Submit registers and starts a request; the heavy lifting happens on
// its own goroutine.
func (d *Dispatcher) Submit(req *Request) {
	d.registry.Add(req)
	go d.run(req)
}

// IdleTick performs housekeeping: stale locks of dead clients, stale
// cancel signals, observed terminal records.
func (d *Dispatcher) IdleTick() {
	if released := d.locks.ClearStale(); len(released) > 0 {
		d.logger.Info("released locks of dead owners", logging.Any("locks", released))
	}
	d.cancels.CleanupStale()
	d.registry.Sweep()
}

// ActiveRequests reports in-flight request count for idle eviction.
func (d *Dispatcher) ActiveRequests() int { return d.registry.ActiveCount() }

func (d *Dispatcher) run(req *Request) {
	bc := buildctx.New(req.ID, req.Params.Env, req.Params.Verbose)
	_ = os.MkdirAll(d.cfg.LogDir(), 0o755)
	if err := bc.OpenLog(filepath.Join(d.cfg.LogDir(), "request-"+req.ID+".log")); err != nil {
		d.logger.Warn("request log unavailable", logging.Error(err))
	}
	logger := d.logger.With(
		logging.String(logging.FieldRequestID, req.ID),
		logging.String("kind", string(req.Kind)))
	bc.SetLogger(logger)
	ctx := buildctx.Attach(context.Background(), bc)

	d.cancels.Register(req.ID, req.ClientPID, policyFor(req.Kind))
	bundle := locks.NewBundle(d.locks)

	var status api.Status
	var errText, artifact string
	defer func() {
		if r := recover(); r != nil {
			status = api.StatusFailed
			errText = fmt.Sprintf("panic: %v", r)
			logger.Error("request panicked", logging.Any("panic", r))
		}
		// Locks release before the terminal status publishes, so a
		// client resubmitting on failure cannot be refused by its own
		// stale lease.
		bundle.ReleaseAll()
		d.cancels.Unregister(req.ID)
		req.finish(status, errText, artifact)
		_ = bc.Close()
		logger.Info("request finished",
			logging.String("status", string(status)),
			logging.Duration("elapsed", bc.Elapsed()))
	}()

	req.setRunning()
	logger.Info("request accepted",
		logging.Int("client_pid", req.ClientPID),
		logging.String("client_cwd", req.ClientCWD))

	// Checkpoint immediately after acceptance: a cancel racing the
	// submission aborts before any lock is taken.
	if err := d.cancels.Checkpoint(req.ID); err != nil {
		status, errText = api.StatusCancelled, ""
		return
	}

	var err error
	switch req.Kind {
	case api.KindBuild:
		artifact, err = d.handleBuild(ctx, req, bundle)
	case api.KindDeploy:
		artifact, err = d.handleDeploy(ctx, req, bundle)
	case api.KindInstallDeps:
		err = d.handleInstallDeps(ctx, req, bundle)
	default:
		err = faults.Wrap(faults.ErrValidation, "dispatch", "route",
			fmt.Sprintf("kind %q is not dispatchable", req.Kind), nil)
	}

	switch {
	case err == nil:
		status = api.StatusSucceeded
	case faults.IsCancelled(err):
		status = api.StatusCancelled
		d.logger.Info("request cancelled", logging.String(logging.FieldRequestID, req.ID))
	default:
		status, errText = api.StatusFailed, err.Error()
	}
}

func policyFor(kind api.Kind) cancel.Policy {
	if kind == api.KindInstallDeps {
		// The cache is shared; finish populating it even if the
		// requesting client lost interest.
		return cancel.PolicyContinue
	}
	return cancel.PolicyCancellable
}

// acquireWait takes a lock through the bundle, waiting out contention
// with checkpointed polling. This is what serializes two builds on the
// same environment: the later one waits here.
func (d *Dispatcher) acquireWait(req *Request, bundle *locks.Bundle, name string) error {
	for {
		err := bundle.Acquire(name, req.ClientPID, locks.PolicyFail)
		if err == nil {
			return nil
		}
		if _, ok := err.(*locks.WouldBlockError); !ok {
			return err
		}
		if cpErr := d.cancels.Checkpoint(req.ID); cpErr != nil {
			return cpErr
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// installEnvironment runs the package pipeline for an environment and
// returns the installed entry directories keyed by task name.
func (d *Dispatcher) installEnvironment(ctx context.Context, req *Request, bundle *locks.Bundle,
	envName string, env manifest.Environment, checkpoint pkgpipe.Checkpoint) (map[string]string, error) {

	tasks, err := pkgpipe.EnvironmentTasks(envName, env)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if err := d.acquireWait(req, bundle, "install:"+task.Name+"@"+task.Version); err != nil {
			return nil, err
		}
	}

	bc, _ := buildctx.From(ctx)
	reporter := pkgpipe.NewReporter(bc.Sink())
	result, err := d.pipeline.Run(ctx, tasks, reporter, checkpoint)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		for _, task := range result.Tasks {
			if task.Stage() == pkgpipe.StageFailed {
				return nil, faults.Wrap(faults.ErrDependency, "install", task.Name, task.FailureReason(), nil)
			}
		}
		return nil, faults.Wrap(faults.ErrDependency, "install", envName, "package install incomplete", nil)
	}

	installed := make(map[string]string, len(result.Tasks))
	for _, task := range result.Tasks {
		installed[task.Name] = task.EntryDir()
	}
	// Install locks are per-package; they have done their job once the
	// cache entries are committed.
	for _, task := range tasks {
		bundle.Release("install:" + task.Name + "@" + task.Version)
	}
	return installed, nil
}

func (d *Dispatcher) handleBuild(ctx context.Context, req *Request, bundle *locks.Bundle) (string, error) {
	project, err := manifest.Load(req.Params.ProjectDir)
	if err != nil {
		return "", err
	}
	envName, env, err := project.Env(req.Params.Env)
	if err != nil {
		return "", err
	}
	ctx = buildctx.WithStage(ctx, "build")

	if err := d.acquireWait(req, bundle, "env:"+envName); err != nil {
		return "", err
	}
	checkpoint := func() error { return d.cancels.Checkpoint(req.ID) }

	installed, err := d.installEnvironment(ctx, req, bundle, envName, env, checkpoint)
	if err != nil {
		return "", err
	}
	if err := checkpoint(); err != nil {
		return "", err
	}

	result, err := d.builder.Run(ctx, build.Request{
		Project:   project,
		EnvName:   envName,
		Profile:   req.Params.Profile,
		RequestID: req.ID,
		Jobs:      req.Params.Jobs,
		Installed: installed,
	}, checkpoint)
	if err != nil {
		return "", err
	}

	if d.ledger != nil {
		if err := d.ledger.RecordBuild(ctx, ledger.BuildRecord{
			RequestID: req.ID,
			Project:   project.Name,
			Env:       envName,
			Profile:   profileOrDefault(req.Params.Profile),
			Artifact:  result.Artifact,
			Compiled:  result.Compiled,
			Skipped:   result.Skipped,
			Elapsed:   result.Elapsed,
		}); err != nil {
			d.logger.Warn("ledger write failed", logging.Error(err))
		}
	}
	return result.Artifact, nil
}

func (d *Dispatcher) handleDeploy(ctx context.Context, req *Request, bundle *locks.Bundle) (string, error) {
	artifact, err := d.handleBuild(ctx, req, bundle)
	if err != nil {
		return "", err
	}
	if err := d.cancels.Checkpoint(req.ID); err != nil {
		return "", err
	}

	project, err := manifest.Load(req.Params.ProjectDir)
	if err != nil {
		return "", err
	}
	envName, env, err := project.Env(req.Params.Env)
	if err != nil {
		return "", err
	}
	port := req.Params.Port
	if port == "" {
		port = env.UploadPort
	}
	if port == "" {
		return "", faults.Wrap(faults.ErrValidation, "deploy", envName, "no upload port configured", nil)
	}
	ctx = buildctx.WithStage(buildctx.WithDevice(ctx, port), "deploy")

	if err := d.acquireWait(req, bundle, device.LockName(port)); err != nil {
		return "", err
	}

	orchestrator, err := build.Lookup(env.Platform)
	if err != nil {
		return "", err
	}
	argv := orchestrator.UploadArgs(build.Inputs{Env: env}, port, artifact)

	bc, _ := buildctx.From(ctx)
	logger := logging.WithContext(ctx, d.logger)
	opts := device.UploadOptions{
		Total:      time.Duration(d.cfg.Upload.TotalTimeoutSec) * time.Second,
		Inactivity: time.Duration(d.cfg.Upload.InactivityTimeoutSec) * time.Second,
		Attempts:   d.cfg.Upload.CrashLoopAttempts,
	}
	err = d.devices.Deploy(port, func() error {
		return d.uploader.Upload(ctx, argv, opts, func(line string) {
			fmt.Fprintln(bc.Sink(), line)
		})
	})
	if err != nil {
		return "", err
	}
	logger.Info("deploy finished", logging.String("artifact", artifact))

	if d.ledger != nil {
		if err := d.ledger.RecordDeploy(ctx, req.ID, project.Name, envName, port, artifact); err != nil {
			d.logger.Warn("ledger write failed", logging.Error(err))
		}
	}
	return artifact, nil
}

func (d *Dispatcher) handleInstallDeps(ctx context.Context, req *Request, bundle *locks.Bundle) error {
	project, err := manifest.Load(req.Params.ProjectDir)
	if err != nil {
		return err
	}
	envName, env, err := project.Env(req.Params.Env)
	if err != nil {
		return err
	}
	ctx = buildctx.WithStage(ctx, "install")
	if err := d.acquireWait(req, bundle, "env:"+envName); err != nil {
		return err
	}
	// PolicyContinue: the checkpoint never fires, the pipeline runs to
	// completion regardless of the caller's fate.
	checkpoint := func() error { return d.cancels.Checkpoint(req.ID) }
	_, err = d.installEnvironment(ctx, req, bundle, envName, env, checkpoint)
	return err
}

func profileOrDefault(profile string) string {
	if profile == "" {
		return "release"
	}
	return profile
}
