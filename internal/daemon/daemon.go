// Package daemon implements the coordinator process: single-instance
// enforcement, port-file publication, the HTTP/WebSocket endpoint, and
// idle eviction.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"kiln/internal/config"
	"kiln/internal/fileutil"
	"kiln/internal/logging"
	"kiln/internal/request"
)

// Version is stamped into status responses.
const Version = "0.4.0"

// Daemon owns the coordinator's lifecycle.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	dispatcher *request.Dispatcher

	lock         *flock.Flock
	startedAt    time.Time
	running      atomic.Bool
	shutdown     chan struct{}
	shutdownOnce sync.Once

	// lastBusy is the last moment the daemon had active requests or
	// held locks; idle eviction measures from here.
	lastBusy atomic.Int64
}

// New constructs a daemon.
func New(cfg *config.Config, dispatcher *request.Dispatcher, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || dispatcher == nil {
		return nil, errors.New("daemon requires config and dispatcher")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		dispatcher: dispatcher,
		lock:       flock.New(cfg.InstanceLockFile()),
		shutdown:   make(chan struct{}),
	}, nil
}

// Run starts the daemon and blocks until shutdown (graceful request,
// context cancellation, or idle eviction).
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.EnsureDirs(); err != nil {
		return err
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return errors.New("another kilnd instance is already running")
	}
	defer func() { _ = d.lock.Unlock() }()

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(d.cfg.Port())))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	server := &http.Server{
		Handler:           d.routes(port),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The port file is the discovery mechanism; publish it only once
	// the listener is live so a probe that finds the file finds us.
	if err := fileutil.WriteFileAtomic(d.cfg.PortFile(), []byte(strconv.Itoa(port)+"\n"), 0o644); err != nil {
		_ = listener.Close()
		return fmt.Errorf("publish port file: %w", err)
	}
	defer func() { _ = os.Remove(d.cfg.PortFile()) }()

	d.startedAt = time.Now()
	d.running.Store(true)
	d.lastBusy.Store(time.Now().UnixNano())
	defer d.running.Store(false)
	d.logger.Info("coordinator started",
		logging.Int("port", port),
		logging.Int("pid", os.Getpid()),
		logging.Bool("dev_mode", d.cfg.DevMode))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		idleWindow := time.Duration(d.cfg.Daemon.IdleEvictionSec) * time.Second
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-d.shutdown:
				return nil
			case <-ticker.C:
				d.dispatcher.IdleTick()
				if d.dispatcher.ActiveRequests() > 0 || d.dispatcher.Locks().HeldCount() > 0 {
					d.lastBusy.Store(time.Now().UnixNano())
					continue
				}
				idleFor := time.Since(time.Unix(0, d.lastBusy.Load()))
				if idleFor >= idleWindow {
					d.logger.Info("idle window elapsed; exiting",
						logging.Duration("idle", idleFor.Round(time.Second)))
					d.requestShutdown()
					return nil
				}
			}
		}
	})

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case <-d.shutdown:
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = server.Shutdown(shutdownCtx)
		return nil
	})

	err = group.Wait()
	d.logger.Info("coordinator stopped")
	return err
}

// requestShutdown triggers a graceful exit; idempotent.
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdown) })
}
