// Package bootstrap gets a client invocation connected to *the*
// coordinator: read the port file, health-probe, and if nobody answers
// race to spawn one under the singleton lock. The waiter accepts any
// live coordinator that answers the probe, not just the one it spawned;
// a crashed-and-respawned daemon from a racing client is equally valid.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"kiln/internal/api"
	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/procs"
)

const (
	probeTimeout  = 500 * time.Millisecond
	overallWait   = 12 * time.Second
	pollInterval  = 200 * time.Millisecond
	attemptWait   = 3 * time.Second
	spawnAttempts = 3
)

var spawnDelays = []time.Duration{0, 500 * time.Millisecond, 2 * time.Second}

// Ensure locates or spawns the coordinator and returns its base URL.
func Ensure(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return "", err
	}

	if url, ok := Probe(cfg); ok {
		return url, nil
	}

	deadline := time.Now().Add(overallWait)
	spawnLock := flock.New(cfg.SpawnLockFile())

	for attempt := 0; attempt < spawnAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(spawnDelays[attempt]):
			}
		}

		got, err := spawnLock.TryLock()
		if err == nil && got {
			// We are the spawner. A daemon may have appeared between
			// the probe and the lock; spawning anyway is harmless, the
			// instance lock makes the duplicate exit immediately.
			spawnErr := spawnDaemon(cfg)
			appendSpawnLog(cfg, attempt, spawnErr)
			_ = spawnLock.Unlock()
			if spawnErr != nil {
				logger.Warn("daemon spawn failed",
					logging.Int("attempt", attempt+1),
					logging.Error(spawnErr))
			}
		}

		attemptDeadline := deadline
		if attempt < spawnAttempts-1 {
			if next := time.Now().Add(attemptWait); next.Before(deadline) {
				attemptDeadline = next
			}
		}
		url, err := waitForCoordinator(ctx, cfg, attemptDeadline)
		if err == nil {
			return url, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return "", fmt.Errorf("no coordinator came up within %s (see %s)", overallWait, cfg.SpawnLogFile())
}

// Probe reads the port file and health-checks the endpoint.
func Probe(cfg *config.Config) (string, bool) {
	data, err := os.ReadFile(cfg.PortFile())
	if err != nil {
		return "", false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 {
		return "", false
	}
	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	if probeURL(url) {
		return url, true
	}
	return "", false
}

func probeURL(url string) bool {
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Get(url + "/api/daemon/status")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var status api.DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Running && status.PID > 0
}

func waitForCoordinator(ctx context.Context, cfg *config.Config, deadline time.Time) (string, error) {
	for time.Now().Before(deadline) {
		if url, ok := Probe(cfg); ok {
			return url, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return "", fmt.Errorf("timed out waiting for coordinator")
}

// spawnDaemon launches kilnd fully detached: its own session, no
// inherited console, stdio to the daemon's own log.
func spawnDaemon(cfg *config.Config) error {
	executable, err := daemonExecutable()
	if err != nil {
		return err
	}
	args := []string{}
	if cfg.DevMode {
		args = append(args, "--dev")
	}
	logPath := filepath.Join(cfg.LogDir(), "kilnd.out")
	_, err = procs.StartDetached(executable, args, logPath)
	return err
}

// daemonExecutable finds kilnd next to the running binary first, then
// on PATH.
func daemonExecutable() (string, error) {
	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), "kilnd")
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if path, lookErr := exec.LookPath("kilnd"); lookErr == nil {
		return path, nil
	}
	return "", fmt.Errorf("kilnd executable not found next to %s or on PATH", filepath.Base(self))
}

// appendSpawnLog records every spawn attempt; the log is append-only so
// racing clients interleave rather than clobber.
func appendSpawnLog(cfg *config.Config, attempt int, spawnErr error) {
	file, err := os.OpenFile(cfg.SpawnLogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	outcome := "ok"
	if spawnErr != nil {
		outcome = spawnErr.Error()
	}
	fmt.Fprintf(file, "%s pid=%d attempt=%d outcome=%s\n",
		time.Now().Format(time.RFC3339), os.Getpid(), attempt+1, outcome)
}
