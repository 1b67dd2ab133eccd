package pkgpipe

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/mattn/go-isatty"
)

// Reporter receives task-level progress events. Download and unpack
// report byte/file counts; install reports free-form status text.
type Reporter interface {
	OnStage(task *Task, stage Stage)
	OnProgress(task *Task, stage Stage, current, total int64, detail string)
	Done()
}

// NopReporter discards all progress.
type NopReporter struct{}

func (NopReporter) OnStage(*Task, Stage)                            {}
func (NopReporter) OnProgress(*Task, Stage, int64, int64, string)   {}
func (NopReporter) Done()                                           {}

// NewReporter picks the live multi-line renderer when w is a terminal
// and the plain line renderer otherwise.
func NewReporter(w io.Writer) Reporter {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return newLiveReporter(w)
	}
	return newPlainReporter(w)
}

// liveReporter renders one repositioning line per task plus a totals
// line, via go-pretty's progress writer.
type liveReporter struct {
	pw progress.Writer

	mu       sync.Mutex
	trackers map[string]*progress.Tracker
}

func newLiveReporter(w io.Writer) *liveReporter {
	pw := progress.NewWriter()
	pw.SetOutputWriter(w)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.SetTrackerLength(24)
	pw.Style().Visibility.ETA = false
	pw.Style().Visibility.Value = true
	pw.Style().Options.TimeInProgressPrecision = time.Millisecond
	r := &liveReporter{pw: pw, trackers: make(map[string]*progress.Tracker)}
	go pw.Render()
	return r
}

func (r *liveReporter) OnStage(task *Task, stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracker := r.trackers[task.Name]
	if tracker == nil {
		tracker = &progress.Tracker{
			Message: taskLabel(task, stage),
			Units:   progress.UnitsBytes,
		}
		r.trackers[task.Name] = tracker
		r.pw.AppendTracker(tracker)
	}
	tracker.UpdateMessage(taskLabel(task, stage))
	switch stage {
	case StageDone:
		tracker.MarkAsDone()
	case StageFailed:
		tracker.MarkAsErrored()
	case StageCancelled:
		tracker.MarkAsErrored()
	}
}

func (r *liveReporter) OnProgress(task *Task, stage Stage, current, total int64, detail string) {
	r.mu.Lock()
	tracker := r.trackers[task.Name]
	r.mu.Unlock()
	if tracker == nil {
		return
	}
	if total > 0 {
		tracker.UpdateTotal(total)
	}
	tracker.SetValue(current)
	label := taskLabel(task, stage)
	if detail != "" {
		label += " " + detail
	}
	tracker.UpdateMessage(label)
}

func (r *liveReporter) Done() {
	r.pw.Stop()
	for r.pw.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}

// plainReporter emits the same progress as append-only lines for
// non-TTY invocations (CI logs, request log files, the WS stream).
type plainReporter struct {
	mu sync.Mutex
	w  io.Writer

	lastPct map[string]int
}

func newPlainReporter(w io.Writer) *plainReporter {
	return &plainReporter{w: w, lastPct: make(map[string]int)}
}

func (r *plainReporter) OnStage(task *Task, stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch stage {
	case StageDone:
		if task.CacheHit() {
			fmt.Fprintf(r.w, "%s %s@%s cached\n", stage, task.Name, task.Version)
			return
		}
		fmt.Fprintf(r.w, "%s %s@%s (%s)\n", stage, task.Name, task.Version, task.Elapsed().Round(time.Millisecond))
	case StageFailed:
		fmt.Fprintf(r.w, "%s %s@%s: %s\n", stage, task.Name, task.Version, task.FailureReason())
	default:
		fmt.Fprintf(r.w, "%s %s@%s\n", stage, task.Name, task.Version)
	}
}

func (r *plainReporter) OnProgress(task *Task, stage Stage, current, total int64, detail string) {
	if total <= 0 {
		return
	}
	pct := int(current * 100 / total)
	r.mu.Lock()
	defer r.mu.Unlock()
	// Only print on 10% boundaries so logs stay readable.
	if pct/10 == r.lastPct[task.Name]/10 && pct != 100 {
		return
	}
	r.lastPct[task.Name] = pct
	fmt.Fprintf(r.w, "%s %s@%s %d%%\n", stage, task.Name, task.Version, pct)
}

func (r *plainReporter) Done() {}

func taskLabel(task *Task, stage Stage) string {
	return fmt.Sprintf("%-11s %s@%s", stage, task.Name, task.Version)
}
