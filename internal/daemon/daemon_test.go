package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"kiln/internal/api"
	"kiln/internal/build"
	"kiln/internal/cancel"
	"kiln/internal/compile"
	"kiln/internal/config"
	"kiln/internal/device"
	"kiln/internal/locks"
	"kiln/internal/logging"
	"kiln/internal/pkgcache"
	"kiln/internal/pkgpipe"
	"kiln/internal/request"
	"kiln/internal/testsupport"
)

func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, string, context.CancelFunc) {
	t.Helper()
	cfg.Daemon.Port = freePort(t)

	store, err := pkgcache.NewStore(cfg.CacheDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	pool := compile.NewPool(1, logging.NewNop())
	t.Cleanup(pool.Close)

	dispatcher := request.NewDispatcher(request.Deps{
		Config:   cfg,
		Logger:   logging.NewNop(),
		Locks:    locks.NewManager(),
		Cancels:  cancel.NewRegistry(cfg.CancelDir()),
		Pipeline: pkgpipe.New(cfg, store, logging.NewNop()),
		Builder:  build.NewBuilder(cfg, pool, logging.NewNop()),
		Store:    store,
		Devices:  device.NewCoordinator(cfg, logging.NewNop()),
		Uploader: device.NewUploader(logging.NewNop()),
	})

	d, err := New(cfg, dispatcher, logging.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("daemon did not stop in time")
		}
	})

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port())
	deadline := time.After(5 * time.Second)
	for {
		resp, err := http.Get(baseURL + "/api/daemon/status")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("daemon never answered the health probe")
		case <-time.After(20 * time.Millisecond):
		}
	}
	return d, baseURL, cancelCtx
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func TestStatusEndpointAndPortFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, baseURL, _ := startDaemon(t, cfg)

	data, err := os.ReadFile(cfg.PortFile())
	if err != nil {
		t.Fatalf("port file: %v", err)
	}
	if !strings.Contains(baseURL, strings.TrimSpace(string(data))) {
		t.Fatalf("port file %q does not match %s", strings.TrimSpace(string(data)), baseURL)
	}

	resp, err := http.Get(baseURL + "/api/daemon/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var status api.DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Running || status.PID != os.Getpid() {
		t.Fatalf("status = %+v", status)
	}
}

func TestShutdownEndpointRemovesPortFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, baseURL, _ := startDaemon(t, cfg)

	resp, err := http.Post(baseURL+"/api/daemon/shutdown", "application/json", nil)
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	resp.Body.Close()

	deadline := time.After(5 * time.Second)
	for {
		if _, err := os.Stat(cfg.PortFile()); os.IsNotExist(err) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("port file survived shutdown")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestIdleEviction(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Daemon.IdleEvictionSec = 1
	_, _, _ = startDaemon(t, cfg)

	deadline := time.After(10 * time.Second)
	for {
		if _, err := os.Stat(cfg.PortFile()); os.IsNotExist(err) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("idle daemon never evicted itself")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestLockEndpoints(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, baseURL, _ := startDaemon(t, cfg)
	_ = d

	lease := api.LeaseRequest{ClientPID: os.Getpid(), Mode: "reader"}
	body, _ := json.Marshal(lease)
	resp, err := http.Post(baseURL+"/api/devices/ttyUSB9/lease", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	var leaseResp api.LeaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&leaseResp); err != nil {
		t.Fatalf("decode lease: %v", err)
	}
	resp.Body.Close()
	if leaseResp.LeaseID == "" {
		t.Fatalf("lease response = %+v", leaseResp)
	}

	// Second lease on the same device conflicts and names the holder.
	resp, err = http.Post(baseURL+"/api/devices/ttyUSB9/lease", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	var conflict api.LeaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict || conflict.HolderPID != os.Getpid() {
		t.Fatalf("conflict = %d %+v", resp.StatusCode, conflict)
	}

	locksResp, err := http.Post(baseURL+"/api/locks/status", "application/json", nil)
	if err != nil {
		t.Fatalf("locks status: %v", err)
	}
	defer locksResp.Body.Close()
	var held api.LocksResponse
	if err := json.NewDecoder(locksResp.Body).Decode(&held); err != nil {
		t.Fatalf("decode locks: %v", err)
	}
	if len(held.Locks) != 1 || held.Locks[0].Name != "device:ttyUSB9" {
		t.Fatalf("held = %+v", held.Locks)
	}
}
