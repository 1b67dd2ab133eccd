package procs

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestAliveSelf(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatal("own pid reported dead")
	}
	if Alive(0) || Alive(-1) {
		t.Fatal("nonsense pids reported alive")
	}
}

func TestAliveDeadProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// Reaped child: the pid no longer names a live process.
	if Alive(pid) {
		t.Fatal("reaped child reported alive")
	}
}

func TestCommandHygiene(t *testing.T) {
	cmd := Command(context.Background(), "cat")
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatal("child not placed in its own process group")
	}
	// Stdin nil maps to the null device: cat exits immediately on EOF
	// instead of waiting for terminal input.
	done := make(chan error, 1)
	go func() { done <- cmd.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cat: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cat blocked on stdin; null redirection missing")
	}
}

func TestForceKillGroup(t *testing.T) {
	cmd := Command(context.Background(), "sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ForceKillGroup(cmd.Process.Pid); err != nil {
		t.Fatalf("force kill: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child survived force kill")
	}
}

func TestStartDetached(t *testing.T) {
	pid, err := StartDetached("sleep", []string{"0.1"}, "")
	if err != nil {
		t.Fatalf("start detached: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}
	// The detached child is not our waitable child; it just runs out.
	time.Sleep(300 * time.Millisecond)
}
