// Package procs wraps the OS-level process plumbing the coordinator
// needs: liveness probes for client pids, detached daemon spawning, and
// hygiene rules for external tool invocations.
package procs

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Alive reports whether the process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process is there.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}

// ForceKill terminates a child process with SIGKILL, bypassing the
// cooperative exec.Cmd kill path. It reaches only the given pid; the
// upload watchdog uses ForceKillGroup, which also reaches helpers.
func ForceKill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(pid, unix.SIGKILL)
}

// ForceKillGroup SIGKILLs a child's entire process group. Children are
// started with their own pgid (see Command), so this reaches helper
// processes the child spawned without touching the coordinator.
func ForceKillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		return unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

// Command builds an external tool invocation with the hygiene every
// child process must have: stdin redirected to the null device so the
// child cannot steal terminal keystrokes, and its own process group so
// a watchdog kill cannot take the coordinator down with it.
func Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = nil // exec.Cmd maps nil stdin to os.DevNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// StartDetached launches a process fully detached from the caller: new
// session, no controlling terminal, stdin on the null device, and
// stdout/stderr appended to logPath (the null device when logPath is
// empty or cannot be opened). The child outlives the caller; only its
// pid is returned.
func StartDetached(executable string, args []string, logPath string) (int, error) {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	stdout := devnull
	if logPath != "" {
		if f, ferr := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); ferr == nil {
			defer f.Close()
			stdout = f
		}
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdin = devnull
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
