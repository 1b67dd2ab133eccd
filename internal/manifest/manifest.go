// Package manifest loads the declarative project manifest (kiln.toml)
// that names the environments a project can be built for. Parsing is
// deliberately thin; the interesting validation is the referential kind
// (environments must name a platform, libraries must carry versions)
// because a defective manifest has to be rejected at submission, not
// halfway through an install.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"kiln/internal/faults"
)

// FileName is the manifest file Kiln looks for in a project directory.
const FileName = "kiln.toml"

// Library names a third-party dependency of an environment.
type Library struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	URL     string `toml:"url"`
}

// Environment is one named build configuration.
type Environment struct {
	Platform         string   `toml:"platform"`
	PlatformVersion  string   `toml:"platform_version"`
	Board            string   `toml:"board"`
	Framework        string   `toml:"framework"`
	FrameworkVersion string   `toml:"framework_version"`
	Toolchains       []string `toml:"toolchains"`
	Libraries        []Library `toml:"libraries"`
	Flags            []string `toml:"flags"`
	Defines          []string `toml:"defines"`
	MonitorBaud      int      `toml:"monitor_baud"`
	UploadPort       string   `toml:"upload_port"`
}

// Project is the parsed manifest.
type Project struct {
	Name         string                 `toml:"name"`
	SourceDir    string                 `toml:"src_dir"`
	DefaultEnv   string                 `toml:"default_env"`
	Environments map[string]Environment `toml:"env"`

	// Dir is the directory the manifest was loaded from.
	Dir string `toml:"-"`
}

// Load reads and validates the manifest in dir.
func Load(dir string) (*Project, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "manifest", "load", fmt.Sprintf("no %s in %s", FileName, dir), err)
	}
	var project Project
	if err := toml.Unmarshal(data, &project); err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "manifest", "parse", path, err)
	}
	project.Dir = dir
	if project.SourceDir == "" {
		project.SourceDir = "src"
	}
	if err := project.Validate(); err != nil {
		return nil, err
	}
	return &project, nil
}

// Env resolves an environment by name, falling back to the manifest's
// default when name is empty.
func (p *Project) Env(name string) (string, Environment, error) {
	resolved := strings.TrimSpace(name)
	if resolved == "" {
		resolved = p.DefaultEnv
	}
	if resolved == "" {
		return "", Environment{}, faults.Wrap(faults.ErrValidation, "manifest", "env", "no environment named and no default_env set", nil)
	}
	env, ok := p.Environments[resolved]
	if !ok {
		return "", Environment{}, faults.Wrap(faults.ErrValidation, "manifest", "env", fmt.Sprintf("unknown environment %q", resolved), nil)
	}
	return resolved, env, nil
}

// SourceRoot returns the absolute source directory for the project.
func (p *Project) SourceRoot() string {
	if filepath.IsAbs(p.SourceDir) {
		return p.SourceDir
	}
	return filepath.Join(p.Dir, p.SourceDir)
}
