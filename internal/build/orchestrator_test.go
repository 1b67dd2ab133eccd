package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"kiln/internal/compile"
	"kiln/internal/config"
	"kiln/internal/faults"
	"kiln/internal/logging"
	"kiln/internal/manifest"
)

func testProject(t *testing.T, sources ...string) *manifest.Project {
	t.Helper()
	dir := t.TempDir()
	contents := `
name = "blink"
default_env = "esp32c6"

[env.esp32c6]
platform = "esp32"
platform_version = "3.3.5"
board = "esp32-c6-devkitc-1"
toolchains = ["riscv32-esp-elf"]
`
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	for _, src := range sources {
		path := filepath.Join(dir, "src", src)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("void setup() {}\n"), 0o644); err != nil {
			t.Fatalf("write source: %v", err)
		}
	}
	project, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("load project: %v", err)
	}
	return project
}

type toolRecorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *toolRecorder) run(_ context.Context, argv []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, argv)
	// Produce the output file the next phase expects.
	out := argv[len(argv)-1]
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return "", os.WriteFile(out, []byte("image"), 0o644)
}

func testBuilder(t *testing.T) (*Builder, *compile.Pool, *toolRecorder) {
	t.Helper()
	pool := compile.NewPool(2, logging.NewNop())
	t.Cleanup(pool.Close)
	builder := NewBuilder(config.Default(), pool, logging.NewNop())
	recorder := &toolRecorder{}
	builder.runTool = recorder.run
	return builder, pool, recorder
}

func TestRunBuildsArtifactUnderProfileDir(t *testing.T) {
	builder, _, recorder := testBuilder(t)
	project := testProject(t, "main.cpp", "wifi.cpp")

	req := Request{
		Project:   project,
		EnvName:   "esp32c6",
		Profile:   "release",
		RequestID: "req-1",
		Jobs:      1,
		Installed: map[string]string{
			"toolchain-riscv32-esp-elf": "/opt/toolchain",
			"framework-esp32":           "/opt/framework",
		},
	}
	// Pre-create up-to-date objects so no real cross compiler is needed:
	// every translation unit takes the skip path, link still runs.
	objDir := filepath.Join(project.Dir, "build", "esp32c6", "release", "obj")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		t.Fatalf("mkdir obj: %v", err)
	}
	for _, src := range []string{"main.cpp", "wifi.cpp"} {
		if err := os.WriteFile(filepath.Join(objDir, src+".o"), []byte("o"), 0o644); err != nil {
			t.Fatalf("write object: %v", err)
		}
	}

	result, err := builder.Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Compiled != 0 || result.Skipped != 2 {
		t.Fatalf("compiled/skipped = %d/%d, want 0/2", result.Compiled, result.Skipped)
	}
	if !result.LinkRan {
		t.Fatal("link step did not run")
	}
	wantArtifact := filepath.Join(project.Dir, "build", "esp32c6", "release", "firmware.bin")
	if result.Artifact != wantArtifact {
		t.Fatalf("artifact = %s, want %s", result.Artifact, wantArtifact)
	}
	if _, err := os.Stat(wantArtifact); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	// Two tool invocations: link then objcopy.
	if len(recorder.calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(recorder.calls))
	}
	link := recorder.calls[0]
	if !strings.HasSuffix(link[0], "riscv32-esp-elf-g++") {
		t.Fatalf("link argv[0] = %s", link[0])
	}
	objcopy := recorder.calls[1]
	if !strings.HasSuffix(objcopy[0], "riscv32-esp-elf-objcopy") {
		t.Fatalf("image argv[0] = %s", objcopy[0])
	}
}

func TestRunRejectsUnknownEnv(t *testing.T) {
	builder, _, _ := testBuilder(t)
	project := testProject(t, "main.cpp")
	_, err := builder.Run(context.Background(), Request{Project: project, EnvName: "nope", RequestID: "r"}, nil)
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRunChecksCheckpointBetweenPhases(t *testing.T) {
	builder, _, _ := testBuilder(t)
	project := testProject(t, "main.cpp")
	checkpoint := func() error {
		return faults.Wrap(faults.ErrCancelled, "test", "checkpoint", "", nil)
	}
	_, err := builder.Run(context.Background(), Request{Project: project, RequestID: "r", Jobs: 1}, checkpoint)
	if !faults.IsCancelled(err) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestDiscoverSources(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"main.cpp", "util.c", "nested/driver.cc", "sketch.ino", "README.md"} {
		path := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// Build output and hidden dirs are excluded.
	for _, f := range []string{"build/old.cpp", ".git/hook.c"} {
		path := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	sources, err := DiscoverSources(dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(sources) != 4 {
		t.Fatalf("sources = %v, want 4 entries", sources)
	}
	for _, src := range sources {
		if strings.Contains(src, "build/") || strings.Contains(src, ".git") {
			t.Fatalf("excluded path leaked: %s", src)
		}
	}
}

func TestOrchestratorRegistryUniform(t *testing.T) {
	in := Inputs{
		Env:           manifest.Environment{Platform: "any", Board: "b", Flags: []string{"-Os"}},
		ToolchainRoot: "/opt/tc",
		FrameworkRoot: "/opt/fw",
	}
	platforms := Platforms()
	if len(platforms) < 5 {
		t.Fatalf("platforms = %v, want at least 5", platforms)
	}
	for _, name := range platforms {
		o, err := Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		compileArgs := o.CompileArgs(in, "/p/src/main.cpp", "/p/build/main.o")
		linkArgs := o.LinkArgs(in, []string{"/p/build/main.o"}, "/p/build/firmware.elf")
		imageArgs := o.ImageArgs(in, "/p/build/firmware.elf", "/p/build/firmware.bin")
		uploadArgs := o.UploadArgs(in, "ttyUSB0", "/p/build/firmware.bin")
		if len(compileArgs) == 0 || len(linkArgs) == 0 || len(imageArgs) == 0 || len(uploadArgs) == 0 {
			t.Fatalf("platform %s produced an empty argument vector", name)
		}
		if o.ImageName() == "" || !strings.HasPrefix(o.ImageName(), "firmware") {
			t.Fatalf("platform %s image name = %q", name, o.ImageName())
		}
	}
}
