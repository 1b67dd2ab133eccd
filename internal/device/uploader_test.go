package device

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"kiln/internal/faults"
	"kiln/internal/logging"
)

func TestUploadSucceedsFirstAttempt(t *testing.T) {
	u := NewUploader(logging.NewNop())
	var lines []string
	err := u.Upload(context.Background(),
		[]string{"sh", "-c", "echo connecting; echo writing flash; echo done"},
		UploadOptions{Total: 10 * time.Second, Inactivity: 5 * time.Second, Attempts: 3},
		func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("captured lines = %v", lines)
	}
}

func TestUploadNonzeroExitSurfaced(t *testing.T) {
	u := NewUploader(logging.NewNop())
	err := u.Upload(context.Background(),
		[]string{"sh", "-c", "echo fatal flash error; exit 2"},
		UploadOptions{Total: 10 * time.Second, Inactivity: 5 * time.Second, Attempts: 3}, nil)
	if !errors.Is(err, faults.ErrExternalTool) {
		t.Fatalf("err = %v, want ErrExternalTool", err)
	}
}

func TestUploadInactivityWatchdogKillsChild(t *testing.T) {
	u := NewUploader(logging.NewNop())
	start := time.Now()
	err := u.Upload(context.Background(),
		[]string{"sh", "-c", "echo starting; sleep 30"},
		UploadOptions{Total: 20 * time.Second, Inactivity: 200 * time.Millisecond, Attempts: 1}, nil)
	if !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("watchdog took %s, want well under the sleep", elapsed)
	}
	if !strings.Contains(err.Error(), "USB") {
		t.Fatalf("watchdog error %q lacks operator guidance", err)
	}
}

func TestUploadCrashLoopRecovery(t *testing.T) {
	u := NewUploader(logging.NewNop())
	attempts := 0
	u.run = func(_ context.Context, _ []string, _ UploadOptions, onOutput func(string)) error {
		attempts++
		if attempts < 3 {
			onOutput("serial: failed to connect to device")
			return faults.Wrap(faults.ErrExternalTool, "upload", "tool", "exited 2", nil)
		}
		onOutput("connected; flashing")
		return nil
	}

	err := u.Upload(context.Background(), []string{"uploader"},
		UploadOptions{Attempts: 20}, nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestUploadCrashLoopGivesUp(t *testing.T) {
	u := NewUploader(logging.NewNop())
	attempts := 0
	u.run = func(_ context.Context, _ []string, _ UploadOptions, onOutput func(string)) error {
		attempts++
		onOutput("failed to connect: no serial data received")
		return faults.Wrap(faults.ErrExternalTool, "upload", "tool", "exited 2", nil)
	}

	err := u.Upload(context.Background(), []string{"uploader"}, UploadOptions{Attempts: 3}, nil)
	if !errors.Is(err, faults.ErrExternalTool) {
		t.Fatalf("err = %v, want ErrExternalTool", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("error %q does not report the attempt count", err)
	}
}

func TestUploadPermanentFailureNotRetried(t *testing.T) {
	u := NewUploader(logging.NewNop())
	attempts := 0
	u.run = func(_ context.Context, _ []string, _ UploadOptions, onOutput func(string)) error {
		attempts++
		onOutput("flash verify mismatch")
		return faults.Wrap(faults.ErrExternalTool, "upload", "tool", "exited 1", nil)
	}

	_ = u.Upload(context.Background(), []string{"uploader"}, UploadOptions{Attempts: 20}, nil)
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no connect-failure signature)", attempts)
	}
}
