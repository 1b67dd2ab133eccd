package request

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"kiln/internal/api"
	"kiln/internal/build"
	"kiln/internal/cancel"
	"kiln/internal/compile"
	"kiln/internal/config"
	"kiln/internal/ledger"
	"kiln/internal/locks"
	"kiln/internal/logging"
	"kiln/internal/pkgcache"
	"kiln/internal/pkgpipe"
	"kiln/internal/testsupport"
)

// packageArchive builds a tar.gz whose bin/ tools are stub shell
// scripts, so compile/link/image steps run real child processes that
// exit 0.
func packageArchive(t *testing.T, toolNames ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	writeEntry := func(name, contents string, mode int64) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: mode, Size: int64(len(contents)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(contents)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	writeEntry("manifest.txt", "package contents", 0o644)
	for _, tool := range toolNames {
		writeEntry("bin/"+tool, "#!/bin/sh\nexit 0\n", 0o755)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	dispatcher *Dispatcher
	cfg        *config.Config
	downloads  *atomic.Int32
	release    chan struct{} // holds the slow endpoint open
	serverURL  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Install.DownloadBackoffSec = 1

	toolchain := packageArchive(t, "riscv32-esp-elf-g++", "riscv32-esp-elf-objcopy")
	plain := packageArchive(t)
	var downloads atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		switch {
		case strings.Contains(r.URL.Path, "slow"):
			w.Header().Set("Content-Length", "1000000")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(bytes.Repeat([]byte{0}, 1024))
			w.(http.Flusher).Flush()
			<-release
		case strings.Contains(r.URL.Path, "toolchain"), strings.Contains(r.URL.Path, "crosstool"):
			_, _ = w.Write(toolchain)
		default:
			_, _ = w.Write(plain)
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	// Every package download lands on the test server.
	t.Setenv(pkgpipe.EnvPackageMirror, server.URL)

	store, err := pkgcache.NewStore(cfg.CacheDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	pool := compile.NewPool(2, logging.NewNop())
	t.Cleanup(pool.Close)

	ledgerStore, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledgerStore.Close() })

	dispatcher := NewDispatcher(Deps{
		Config:   cfg,
		Logger:   logging.NewNop(),
		Locks:    locks.NewManager(),
		Cancels:  cancel.NewRegistry(cfg.CancelDir()),
		Pipeline: pkgpipe.New(cfg, store, logging.NewNop()),
		Builder:  build.NewBuilder(cfg, pool, logging.NewNop()),
		Store:    store,
		Ledger:   ledgerStore,
	})
	f := &fixture{dispatcher: dispatcher, cfg: cfg, downloads: &downloads, release: release}
	f.serverURL = server.URL
	return f
}

func waitTerminal(t *testing.T, req *Request, within time.Duration) api.Status {
	t.Helper()
	select {
	case <-req.Done():
		return req.Status()
	case <-time.After(within):
		t.Fatalf("request %s never finished (status %s)", req.ID, req.Status())
		return ""
	}
}

const buildableManifest = `
name = "blink"
default_env = "esp32c6"

[env.esp32c6]
platform = "esp32"
platform_version = "3.3.5"
board = "esp32-c6-devkitc-1"
toolchains = ["riscv32-esp-elf"]
`

func TestDispatcherFreshInstallBuild(t *testing.T) {
	f := newFixture(t)
	projectDir := testsupport.WriteProject(t, buildableManifest+`
[[env.esp32c6.libraries]]
name = "FastLED"
version = "3.7.0"
url = "`+f.serverURL+`/fastled-3.7.0.tar.gz"
`, map[string]string{"main.cpp": "void setup() {}", "leds.cpp": "void loop() {}"})

	req := New(api.KindBuild, os.Getpid(), projectDir, Params{ProjectDir: projectDir, Jobs: 1})
	f.dispatcher.Submit(req)
	status := waitTerminal(t, req, 30*time.Second)
	if status != api.StatusSucceeded {
		t.Fatalf("status = %s, err = %q", status, req.Err())
	}
	if f.downloads.Load() != 4 {
		t.Fatalf("downloads = %d, want 4 (platform, toolchain, framework, library)", f.downloads.Load())
	}
	wantArtifact := filepath.Join(projectDir, "build", "esp32c6", "release", "firmware.bin")
	if req.Artifact() != wantArtifact {
		t.Fatalf("artifact = %s, want %s", req.Artifact(), wantArtifact)
	}
	if f.dispatcher.Locks().HeldCount() != 0 {
		t.Fatal("locks leaked on success")
	}

	// The ledger remembers the build.
	entries, err := f.dispatcher.ledger.Recent(context.Background(), "esp32c6", 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation != "build" {
		t.Fatalf("ledger entries = %+v", entries)
	}

	// Resubmitting touches the network zero more times: every package
	// is a cache hit.
	before := f.downloads.Load()
	again := New(api.KindBuild, os.Getpid(), projectDir, Params{ProjectDir: projectDir, Jobs: 1})
	f.dispatcher.Submit(again)
	if status := waitTerminal(t, again, 30*time.Second); status != api.StatusSucceeded {
		t.Fatalf("rebuild status = %s, err = %q", status, again.Err())
	}
	if f.downloads.Load() != before {
		t.Fatal("rebuild touched the network despite warm cache")
	}
}

func TestDispatcherConcurrentSameEnvSerialized(t *testing.T) {
	f := newFixture(t)
	projectDir := testsupport.WriteProject(t, buildableManifest,
		map[string]string{"main.cpp": "void setup() {}"})

	first := New(api.KindBuild, os.Getpid(), projectDir, Params{ProjectDir: projectDir, Jobs: 1})
	second := New(api.KindBuild, os.Getpid(), projectDir, Params{ProjectDir: projectDir, Jobs: 1})
	f.dispatcher.Submit(first)
	f.dispatcher.Submit(second)

	if s := waitTerminal(t, first, 30*time.Second); s != api.StatusSucceeded {
		t.Fatalf("first = %s, err %q", s, first.Err())
	}
	if s := waitTerminal(t, second, 30*time.Second); s != api.StatusSucceeded {
		t.Fatalf("second = %s, err %q", s, second.Err())
	}

	// Each request wrote its own log; no cross-talk.
	logA := filepath.Join(f.cfg.LogDir(), "request-"+first.ID+".log")
	logB := filepath.Join(f.cfg.LogDir(), "request-"+second.ID+".log")
	if logA == logB {
		t.Fatal("requests shared a log file")
	}
	if _, err := os.Stat(logA); err != nil {
		t.Fatalf("first log missing: %v", err)
	}
	if _, err := os.Stat(logB); err != nil {
		t.Fatalf("second log missing: %v", err)
	}
	if f.dispatcher.Locks().HeldCount() != 0 {
		t.Fatal("locks leaked")
	}
}

func TestDispatcherRejectsUnknownProject(t *testing.T) {
	f := newFixture(t)
	req := New(api.KindBuild, os.Getpid(), "", Params{ProjectDir: t.TempDir()})
	f.dispatcher.Submit(req)
	if status := waitTerminal(t, req, 10*time.Second); status != api.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if !strings.Contains(req.Err(), "kiln.toml") {
		t.Fatalf("error %q does not explain the missing manifest", req.Err())
	}
	if f.dispatcher.Locks().HeldCount() != 0 {
		t.Fatal("locks leaked on failure")
	}
}

func TestDispatcherCancelDuringDownload(t *testing.T) {
	f := newFixture(t)
	projectDir := testsupport.WriteProject(t, `
name = "blink"
default_env = "esp32c6"

[env.esp32c6]
platform = "esp32"
platform_version = "3.3.5"
board = "esp32-c6-devkitc-1"
toolchains = ["riscv32-esp-elf"]

[[env.esp32c6.libraries]]
name = "SlowLib"
version = "1.0.0"
url = "`+f.serverURL+`/slow-library.tar.gz"
`, map[string]string{"main.cpp": "void setup() {}"})

	req := New(api.KindBuild, os.Getpid(), projectDir, Params{ProjectDir: projectDir, Jobs: 1})
	f.dispatcher.Submit(req)

	// Deliver the cancel once the request is running; the slow library
	// download (held open by the test server) guarantees the pipeline
	// is still in flight when the signal lands.
	deadline := time.After(5 * time.Second)
	for req.Status() != api.StatusRunning {
		select {
		case <-deadline:
			t.Fatal("request never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)
	if err := f.dispatcher.Cancels().Cancel(req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	status := waitTerminal(t, req, 15*time.Second)
	if status != api.StatusCancelled {
		t.Fatalf("status = %s (err %q), want cancelled", status, req.Err())
	}
	if f.dispatcher.Locks().HeldCount() != 0 {
		t.Fatal("locks leaked on cancellation")
	}
	if got := api.ExitCode(status); got != 130 {
		t.Fatalf("exit code = %d, want 130", got)
	}

	// No partial downloads survive under the cache root.
	var partials []string
	_ = filepath.WalkDir(f.cfg.CacheDir(), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, pkgcache.DownloadSuffix) {
			partials = append(partials, path)
		}
		return nil
	})
	if len(partials) != 0 {
		t.Fatalf("partial downloads left: %v", partials)
	}
}

func TestDispatcherDeadClientCancelsWithinABeat(t *testing.T) {
	f := newFixture(t)
	projectDir := testsupport.WriteProject(t, `
name = "blink"
default_env = "esp32c6"

[env.esp32c6]
platform = "esp32"
platform_version = "3.3.5"
board = "esp32-c6-devkitc-1"
toolchains = ["riscv32-esp-elf"]

[[env.esp32c6.libraries]]
name = "SlowLib"
version = "1.0.0"
url = "`+f.serverURL+`/slow-library.tar.gz"
`, map[string]string{"main.cpp": "void setup() {}"})

	// A pid far past anything running stands in for a dead client.
	deadPID := 1 << 22
	req := New(api.KindBuild, deadPID, projectDir, Params{ProjectDir: projectDir, Jobs: 1})
	start := time.Now()
	f.dispatcher.Submit(req)

	status := waitTerminal(t, req, 15*time.Second)
	if status != api.StatusCancelled {
		t.Fatalf("status = %s (err %q), want cancelled", status, req.Err())
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("dead-client cancellation took %s", elapsed)
	}
	if f.dispatcher.Locks().HeldCount() != 0 {
		t.Fatal("locks leaked after dead-client cleanup")
	}
}

func TestRegistrySweepDiscardsObserved(t *testing.T) {
	registry := NewRegistry(time.Hour)
	req := New(api.KindStatus, os.Getpid(), "", Params{})
	registry.Add(req)
	req.finish(api.StatusSucceeded, "", "")

	if removed := registry.Sweep(); removed != 0 {
		t.Fatal("unobserved record swept early")
	}
	req.MarkObserved()
	if removed := registry.Sweep(); removed != 1 {
		t.Fatal("observed terminal record not swept")
	}
	if _, ok := registry.Get(req.ID); ok {
		t.Fatal("record still resolvable after sweep")
	}
}

func TestActiveCount(t *testing.T) {
	registry := NewRegistry(time.Hour)
	running := New(api.KindBuild, os.Getpid(), "", Params{})
	finished := New(api.KindBuild, os.Getpid(), "", Params{})
	registry.Add(running)
	registry.Add(finished)
	finished.finish(api.StatusFailed, "boom", "")

	if got := registry.ActiveCount(); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
}
