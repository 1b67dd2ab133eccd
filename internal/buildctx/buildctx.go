package buildctx

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Context carries the per-request output state: the moment the request
// started, its verbosity, and where its log lines go. Every request gets
// its own instance; workers on shared pools receive an explicit capture
// so concurrent requests never observe each other's settings.
type Context struct {
	RequestID string
	Env       string
	Start     time.Time
	Verbose   bool

	mu      sync.Mutex
	logFile *os.File
	sink    io.Writer
	logger  *slog.Logger
}

// New creates a request-scoped output context.
func New(requestID, env string, verbose bool) *Context {
	return &Context{
		RequestID: requestID,
		Env:       env,
		Start:     time.Now(),
		Verbose:   verbose,
	}
}

// OpenLog attaches a log file to the context. The file is created
// (truncating any previous run) and owned by the context until Close.
func (c *Context) OpenLog(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logFile != nil {
		_ = c.logFile.Close()
	}
	c.logFile = file
	c.sink = file
	return nil
}

// LogPath returns the attached log file path, if any.
func (c *Context) LogPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logFile == nil {
		return ""
	}
	return c.logFile.Name()
}

// Sink returns the writer request output should go to. Defaults to
// io.Discard until a log file or explicit sink is attached.
func (c *Context) Sink() io.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return io.Discard
	}
	return c.sink
}

// SetSink overrides the output writer (used by tests and by the monitor
// stream, which writes to a WebSocket rather than a file).
func (c *Context) SetSink(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = w
}

// SetLogger attaches a request-scoped structured logger.
func (c *Context) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// Logger returns the request-scoped logger, or a discard logger when
// none has been attached.
func (c *Context) Logger() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// Elapsed reports time since the request started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.Start)
}

// Close releases the log file, if open.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logFile == nil {
		return nil
	}
	err := c.logFile.Close()
	c.logFile = nil
	return err
}
