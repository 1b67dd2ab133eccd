// Package build turns a verified-installed environment plus parsed
// manifest into a firmware image: source discovery, translation-unit
// planning, pool compilation, link, and image post-processing, with
// artifacts laid out per profile so profiles never invalidate each
// other.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kiln/internal/compile"
	"kiln/internal/config"
	"kiln/internal/faults"
	"kiln/internal/logging"
	"kiln/internal/manifest"
	"kiln/internal/procs"
)

// Request parameterizes one build.
type Request struct {
	Project   *manifest.Project
	EnvName   string
	Profile   string // e.g. "release", "quick"
	RequestID string
	// Jobs: 0 = shared pool at host CPU count, 1 = inline serial,
	// N > 1 = dedicated pool of N workers.
	Jobs int
	// Installed maps package task names to cache entry directories.
	Installed map[string]string
}

// Result summarizes a completed build.
type Result struct {
	Artifact   string
	ObjectDir  string
	Compiled   int
	Skipped    int
	LinkRan    bool
	Elapsed    time.Duration
	LinkOutput string
}

// Builder drives builds against a shared compilation pool.
type Builder struct {
	cfg    *config.Config
	pool   *compile.Pool
	logger *slog.Logger

	// runTool is swappable for tests; it executes link/image commands.
	runTool func(ctx context.Context, argv []string) (string, error)
}

// NewBuilder constructs a builder around the shared pool.
func NewBuilder(cfg *config.Config, pool *compile.Pool, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Builder{
		cfg:     cfg,
		pool:    pool,
		logger:  logging.NewComponentLogger(logger, "build"),
		runTool: runTool,
	}
}

// Run executes the build phases in order: discover, plan, compile,
// link, post-process. The checkpoint is consulted between phases; the
// compile wait loop checks it on its own poll interval.
func (b *Builder) Run(ctx context.Context, req Request, checkpoint func() error) (*Result, error) {
	start := time.Now()
	logger := logging.WithContext(ctx, b.logger)

	envName, env, err := req.Project.Env(req.EnvName)
	if err != nil {
		return nil, err
	}
	orchestrator, err := Lookup(env.Platform)
	if err != nil {
		return nil, err
	}
	profile := req.Profile
	if profile == "" {
		profile = "release"
	}

	if err := runCheckpoint(checkpoint); err != nil {
		return nil, err
	}

	sources, err := DiscoverSources(req.Project.SourceRoot())
	if err != nil {
		return nil, err
	}
	logger.Info("sources discovered",
		logging.Int("count", len(sources)),
		logging.String("profile", profile))

	if err := runCheckpoint(checkpoint); err != nil {
		return nil, err
	}

	// Artifact layout: build/<env>/<profile>/ under the project.
	outDir := filepath.Join(req.Project.Dir, "build", envName, profile)
	objDir := filepath.Join(outDir, "obj")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "build", "prepare", "create build dir", err)
	}

	inputs := Inputs{
		Env:           env,
		ToolchainRoot: req.Installed[toolchainKey(env)],
		FrameworkRoot: req.Installed["framework-"+env.Platform],
		PlatformRoot:  req.Installed["platform-"+env.Platform],
		IncludeDirs:   libraryIncludes(req.Installed),
	}

	jobs := planJobs(req.RequestID, sources, objDir, orchestrator, inputs)

	if err := b.compileAll(ctx, req, jobs, checkpoint); err != nil {
		return nil, err
	}

	if err := runCheckpoint(checkpoint); err != nil {
		return nil, err
	}

	result := &Result{ObjectDir: objDir, Elapsed: 0}
	for _, job := range jobs {
		if job.Skipped() {
			result.Skipped++
		} else {
			result.Compiled++
		}
	}

	// Link step: one external command, always runs (cheap relative to
	// compilation, and object sets may change without source edits).
	elfPath := filepath.Join(outDir, "firmware.elf")
	objects := make([]string, len(jobs))
	for i, job := range jobs {
		objects[i] = job.Object
	}
	linkOut, err := b.runTool(ctx, orchestrator.LinkArgs(inputs, objects, elfPath))
	if err != nil {
		return nil, err
	}
	result.LinkRan = true
	result.LinkOutput = linkOut

	if err := runCheckpoint(checkpoint); err != nil {
		return nil, err
	}

	imagePath := filepath.Join(outDir, orchestrator.ImageName())
	if _, err := b.runTool(ctx, orchestrator.ImageArgs(inputs, elfPath, imagePath)); err != nil {
		return nil, err
	}

	result.Artifact = imagePath
	result.Elapsed = time.Since(start)
	logger.Info("build finished",
		logging.Int("compiled", result.Compiled),
		logging.Int("skipped", result.Skipped),
		logging.String("artifact", imagePath),
		logging.Duration("elapsed", result.Elapsed))
	return result, nil
}

func (b *Builder) compileAll(ctx context.Context, req Request, jobs []*compile.Job, checkpoint func() error) error {
	poll := time.Duration(b.cfg.Compile.WaitPollMillis) * time.Millisecond
	switch {
	case req.Jobs == 1:
		return compile.RunSerial(ctx, jobs, checkpoint)
	case req.Jobs > 1:
		// Dedicated pool scoped to this request; shut down on every
		// exit path.
		dedicated := compile.NewPool(req.Jobs, b.logger)
		defer dedicated.Close()
		return submitAndWait(ctx, dedicated, jobs, checkpoint, poll)
	default:
		return submitAndWait(ctx, b.pool, jobs, checkpoint, poll)
	}
}

func submitAndWait(ctx context.Context, pool *compile.Pool, jobs []*compile.Job, checkpoint func() error, poll time.Duration) error {
	for _, job := range jobs {
		if err := pool.Submit(ctx, job); err != nil {
			pool.CancelPending(job.RequestID)
			return err
		}
	}
	return pool.Wait(jobs, checkpoint, poll)
}

func planJobs(requestID string, sources []string, objDir string, o Orchestrator, in Inputs) []*compile.Job {
	jobs := make([]*compile.Job, 0, len(sources))
	for _, source := range sources {
		object := filepath.Join(objDir, filepath.Base(source)+".o")
		jobs = append(jobs, compile.NewJob(requestID, source, object, o.CompileArgs(in, source, object)))
	}
	return jobs
}

// toolchainKey picks the task name of the environment's primary
// toolchain.
func toolchainKey(env manifest.Environment) string {
	if len(env.Toolchains) > 0 {
		return "toolchain-" + env.Toolchains[0]
	}
	return ""
}

func libraryIncludes(installed map[string]string) []string {
	var out []string
	for name, dir := range installed {
		if strings.HasPrefix(name, "library-") {
			out = append(out, filepath.Join(dir, "src"))
		}
	}
	return out
}

func runCheckpoint(checkpoint func() error) error {
	if checkpoint == nil {
		return nil
	}
	return checkpoint()
}

// runTool executes a link or image-conversion command with the standard
// subprocess hygiene and captured output.
func runTool(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", faults.Wrap(faults.ErrValidation, "build", "tool", "empty argument vector", nil)
	}
	cmd := procs.Command(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), faults.Wrap(faults.ErrExternalTool, "build", filepath.Base(argv[0]),
			fmt.Sprintf("command failed: %s", strings.TrimSpace(string(out))), err)
	}
	return string(out), nil
}
