package pkgpipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kiln/internal/config"
	"kiln/internal/faults"
	"kiln/internal/logging"
	"kiln/internal/pkgcache"
)

// Pipeline wires the DAG scheduler to the three bounded pools and
// drives tasks through download -> unpack -> install.
type Pipeline struct {
	store      *pkgcache.Store
	logger     *slog.Logger
	downloader *downloader
	extractor  *extractor

	downloadWorkers int
	unpackWorkers   int
	installWorkers  int
}

// New constructs a pipeline against the given cache store using the
// configured worker bounds and retry tunables.
func New(cfg *config.Config, store *pkgcache.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		store:  store,
		logger: logging.NewComponentLogger(logger, "pkgpipe"),
		downloader: newDownloader(
			time.Duration(cfg.Install.DownloadTimeoutSec)*time.Second,
			cfg.Install.DownloadRetries,
			time.Duration(cfg.Install.DownloadBackoffSec)*time.Second,
		),
		extractor: newExtractor(
			cfg.Install.UnpackRetries,
			time.Duration(cfg.Install.UnpackRetryDelaySec)*time.Second,
		),
		downloadWorkers: cfg.Install.DownloadWorkers,
		unpackWorkers:   cfg.Install.UnpackWorkers,
		installWorkers:  cfg.Install.InstallWorkers,
	}
}

// Checkpoint answers whether the run should abort; it returns a
// cancellation error to stop dispatch. Passing nil never cancels.
type Checkpoint func() error

// Run processes tasks to completion. On cancellation it stops
// dispatching, lets in-flight stages reach their drop points, deletes
// partial artifacts, and returns ErrCancelled alongside the result.
func (p *Pipeline) Run(ctx context.Context, tasks []*Task, reporter Reporter, checkpoint Checkpoint) (*Result, error) {
	start := time.Now()
	if reporter == nil {
		reporter = NopReporter{}
	}
	if checkpoint == nil {
		checkpoint = func() error { return nil }
	}
	if len(tasks) == 0 {
		return &Result{Elapsed: time.Since(start)}, nil
	}

	sched, err := newScheduler(tasks)
	if err != nil {
		return nil, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	downloadPool := newWorkerPool("download", p.downloadWorkers)
	unpackPool := newWorkerPool("unpack", p.unpackWorkers)
	installPool := newWorkerPool("install", p.installWorkers)
	shutdownAll := func() {
		downloadPool.shutdown()
		unpackPool.shutdown()
		installPool.shutdown()
	}

	// Stage transitions funnel through one channel so the run loop is
	// the only writer of scheduler state transitions.
	type transition struct {
		task *Task
		next Stage
		err  error
	}
	events := make(chan transition, len(tasks)*4)
	var inFlight sync.WaitGroup

	dispatchDownload := func(task *Task) {
		// Cache hit: the task goes straight to done without touching
		// the network or a worker slot. This is the overwhelmingly
		// common case after the first install.
		if dir, mf, ok := p.store.Lookup(task.Name, task.Version, task.URL); ok {
			task.mu.Lock()
			task.cacheHit = true
			task.entryDir = dir
			task.fingerprint = mf.Fingerprint
			task.mu.Unlock()
			task.setStage(StageDone)
			reporter.OnStage(task, StageDone)
			return
		}
		inFlight.Add(1)
		task.setStage(StageDownloading)
		reporter.OnStage(task, StageDownloading)
		downloadPool.submit(func() {
			defer inFlight.Done()
			destDir := filepath.Dir(p.store.EntryDir(task.Name, task.Version, "x"))
			archivePath, err := p.downloader.fetch(runCtx, task, destDir, reporter)
			if err != nil {
				events <- transition{task: task, err: err}
				return
			}
			task.mu.Lock()
			task.archivePath = archivePath
			task.mu.Unlock()
			events <- transition{task: task, next: StageUnpacking}
		})
	}

	dispatchUnpack := func(task *Task) {
		inFlight.Add(1)
		task.setStage(StageUnpacking)
		reporter.OnStage(task, StageUnpacking)
		unpackPool.submit(func() {
			defer inFlight.Done()
			task.mu.Lock()
			archivePath := task.archivePath
			task.mu.Unlock()
			staged, err := p.extractor.extract(runCtx, task, archivePath, reporter)
			if err != nil {
				events <- transition{task: task, err: err}
				return
			}
			task.mu.Lock()
			task.stagedPath = staged
			task.mu.Unlock()
			events <- transition{task: task, next: StageInstalling}
		})
	}

	dispatchInstall := func(task *Task) {
		inFlight.Add(1)
		task.setStage(StageInstalling)
		reporter.OnStage(task, StageInstalling)
		installPool.submit(func() {
			defer inFlight.Done()
			if err := p.install(task, reporter); err != nil {
				events <- transition{task: task, err: err}
				return
			}
			events <- transition{task: task, next: StageDone}
		})
	}

	cancelled := false
	for !sched.allDone() {
		if !cancelled {
			if err := checkpoint(); err != nil {
				cancelled = true
				cancelRun()
				p.logger.Info("install pipeline cancelled; draining in-flight stages")
			}
		}

		if !cancelled {
			for _, task := range sched.failDependents() {
				reporter.OnStage(task, StageFailed)
				p.logger.Warn("task poisoned by failed dependency",
					logging.String("task", task.Name),
					logging.String("reason", task.FailureReason()))
			}
			for _, task := range sched.ready() {
				dispatchDownload(task)
			}
		} else {
			for _, task := range sched.cancelPending() {
				reporter.OnStage(task, StageCancelled)
			}
		}

		select {
		case ev := <-events:
			p.applyTransition(ev.task, ev.next, ev.err, cancelled, reporter, dispatchUnpack, dispatchInstall)
		case <-time.After(50 * time.Millisecond):
		}

		// Drain without blocking so a burst of completions is applied
		// in one pass.
		for {
			select {
			case ev := <-events:
				p.applyTransition(ev.task, ev.next, ev.err, cancelled, reporter, dispatchUnpack, dispatchInstall)
				continue
			default:
			}
			break
		}
	}

	inFlight.Wait()
	shutdownAll()
	reporter.Done()

	result := &Result{Tasks: sched.all(), Elapsed: time.Since(start), Cancelled: cancelled}
	if cancelled {
		if _, err := p.store.CleanPartials(); err != nil {
			p.logger.Warn("partial artifact cleanup failed", logging.Error(err))
		}
		return result, faults.Wrap(faults.ErrCancelled, "pkgpipe", "run", "install pipeline cancelled", nil)
	}
	return result, nil
}

func (p *Pipeline) applyTransition(task *Task, next Stage, taskErr error, cancelled bool, reporter Reporter,
	dispatchUnpack, dispatchInstall func(*Task)) {
	if taskErr != nil {
		if faults.IsCancelled(taskErr) {
			task.setStage(StageCancelled)
			reporter.OnStage(task, StageCancelled)
			return
		}
		task.fail(taskErr.Error())
		reporter.OnStage(task, StageFailed)
		p.logger.Error("package task failed",
			logging.String("task", task.Name),
			logging.String("version", task.Version),
			logging.Error(taskErr))
		return
	}
	switch next {
	case StageUnpacking:
		if cancelled {
			// The download completed but its output is abandoned work.
			task.mu.Lock()
			archivePath := task.archivePath
			task.mu.Unlock()
			if archivePath != "" {
				_ = os.Remove(archivePath)
			}
			task.setStage(StageCancelled)
			reporter.OnStage(task, StageCancelled)
			return
		}
		dispatchUnpack(task)
	case StageInstalling:
		// Installs run even under cancellation: the extracted content
		// is already on disk and committing it is cheaper than
		// re-downloading later.
		dispatchInstall(task)
	case StageDone:
		task.setStage(StageDone)
		reporter.OnStage(task, StageDone)
	}
}

// install verifies the staged extraction and commits it to the cache.
// No automatic retry: a verification failure here is a defect signal.
func (p *Pipeline) install(task *Task, reporter Reporter) error {
	task.mu.Lock()
	staged := task.stagedPath
	archivePath := task.archivePath
	task.mu.Unlock()

	reporter.OnProgress(task, StageInstalling, 1, 3, "verifying contents")
	fileCount := 0
	_ = filepath.WalkDir(staged, func(_ string, d os.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			fileCount++
		}
		return nil
	})
	if fileCount == 0 {
		return faults.Wrap(faults.ErrPermanent, "install", task.Name, "extraction produced no files", nil)
	}

	reporter.OnProgress(task, StageInstalling, 2, 3, "fingerprinting")
	entryDir, mf, err := p.store.Commit(task.Name, task.Type, task.Version, task.URL, staged, task.ExpectedFingerprint,
		map[string]string{"file_count": fmt.Sprintf("%d", fileCount)})
	if err != nil {
		return err
	}

	task.mu.Lock()
	task.entryDir = entryDir
	task.fingerprint = mf.Fingerprint
	task.mu.Unlock()

	// Drop the archive and any staging wrapper; the extracted entry is
	// the artifact that matters.
	if archivePath != "" {
		_ = os.Remove(archivePath)
	}
	if root := stagingRoot(staged); root != "" {
		_ = os.RemoveAll(root)
	}

	reporter.OnProgress(task, StageInstalling, 3, 3, "committed "+pkgcache.ShortFingerprint(mf.Fingerprint))
	return nil
}

// stagingRoot walks up from the staged content dir to the
// temp_extract_ wrapper, if one is left on disk.
func stagingRoot(staged string) string {
	dir := staged
	for i := 0; i < 3 && dir != "/" && dir != "."; i++ {
		if strings.HasPrefix(filepath.Base(dir), pkgcache.ExtractPrefix) {
			return dir
		}
		dir = filepath.Dir(dir)
	}
	return ""
}
