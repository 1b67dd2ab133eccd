// Package testsupport provides shared test scaffolding.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/config"
)

// NewConfig returns a config rooted in temp directories so tests never
// touch the real state or cache trees.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	base := t.TempDir()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.CacheDir = filepath.Join(base, "cache")
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return cfg
}

// WriteProject lays down a minimal project (manifest plus sources) and
// returns its directory.
func WriteProject(t *testing.T, manifestTOML string, sources map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "kiln.toml"), []byte(manifestTOML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	for name, contents := range sources {
		path := filepath.Join(dir, "src", name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("write source %s: %v", name, err)
		}
	}
	return dir
}
