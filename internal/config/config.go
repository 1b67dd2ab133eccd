package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"kiln/internal/fileutil"
)

//go:embed sample_config.toml
var sampleConfig string

// EnvDevMode selects the development state directory and port when set to 1.
const EnvDevMode = "KILN_DEV"

// EnvDaemonPort overrides the coordinator HTTP port.
const EnvDaemonPort = "KILN_DAEMON_PORT"

// EnvCacheDir overrides the package cache directory.
const EnvCacheDir = "KILN_CACHE_DIR"

// Paths contains directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	CacheDir string `toml:"cache_dir"`
	LogDir   string `toml:"log_dir"`
}

// Daemon contains coordinator process configuration.
type Daemon struct {
	Port            int `toml:"port"`
	IdleEvictionSec int `toml:"idle_eviction_seconds"`
}

// Install contains package pipeline tuning. The worker bounds are static
// for the lifetime of the pipeline; they keep network and disk
// contention predictable.
type Install struct {
	DownloadWorkers     int `toml:"download_workers"`
	UnpackWorkers       int `toml:"unpack_workers"`
	InstallWorkers      int `toml:"install_workers"`
	DownloadRetries     int `toml:"download_retries"`
	DownloadBackoffSec  int `toml:"download_backoff_seconds"`
	UnpackRetries       int `toml:"unpack_retries"`
	UnpackRetryDelaySec int `toml:"unpack_retry_delay_seconds"`
	DownloadTimeoutSec  int `toml:"download_timeout_seconds"`
}

// Compile contains compilation pool configuration.
type Compile struct {
	Jobs           int `toml:"jobs"`
	WaitPollMillis int `toml:"wait_poll_millis"`
}

// Upload contains firmware upload watchdog configuration.
type Upload struct {
	TotalTimeoutSec      int `toml:"total_timeout_seconds"`
	InactivityTimeoutSec int `toml:"inactivity_timeout_seconds"`
	CrashLoopAttempts    int `toml:"crash_loop_attempts"`
}

// Monitor contains serial monitor configuration.
type Monitor struct {
	RingCapacity int `toml:"ring_capacity"`
	DefaultBaud  int `toml:"default_baud"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root configuration shared by the daemon and the CLI.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Daemon  Daemon  `toml:"daemon"`
	Install Install `toml:"install"`
	Compile Compile `toml:"compile"`
	Upload  Upload  `toml:"upload"`
	Monitor Monitor `toml:"monitor"`
	Logging Logging `toml:"logging"`

	// DevMode is derived from the environment, never from the file, so
	// the two modes cannot collide through a stale config.
	DevMode bool `toml:"-"`
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kiln.toml"
	}
	return filepath.Join(home, ".config", "kiln", "config.toml")
}

// Load reads configuration from path (or the default location when path
// is empty), applies defaults, environment overrides, and validation. A
// missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved := strings.TrimSpace(path)
	if resolved == "" {
		resolved = DefaultConfigPath()
	}
	data, err := os.ReadFile(fileutil.ExpandPath(resolved))
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", resolved, err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if os.Getenv(EnvDevMode) == "1" {
		c.DevMode = true
	}
	if v := strings.TrimSpace(os.Getenv(EnvDaemonPort)); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Daemon.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvCacheDir)); v != "" {
		c.Paths.CacheDir = v
	}
}

// StateDir returns the per-mode state directory. Development mode uses a
// separate tree so the two modes never share port files or cancel signals.
func (c *Config) StateDir() string {
	base := fileutil.ExpandPath(c.Paths.StateDir)
	if c.DevMode {
		return filepath.Join(base, "dev")
	}
	return base
}

// CacheDir returns the package cache root.
func (c *Config) CacheDir() string {
	return fileutil.ExpandPath(c.Paths.CacheDir)
}

// LogDir returns the daemon log directory.
func (c *Config) LogDir() string {
	if strings.TrimSpace(c.Paths.LogDir) != "" {
		return fileutil.ExpandPath(c.Paths.LogDir)
	}
	return filepath.Join(c.StateDir(), "logs")
}

// Port returns the effective coordinator port for the active mode.
func (c *Config) Port() int {
	if c.Daemon.Port != 0 {
		return c.Daemon.Port
	}
	if c.DevMode {
		return defaultDevPort
	}
	return defaultPort
}

// PortFile returns the path the daemon publishes its HTTP port to.
func (c *Config) PortFile() string {
	return filepath.Join(c.StateDir(), "daemon.port")
}

// SpawnLockFile returns the path of the singleton bootstrap lock.
func (c *Config) SpawnLockFile() string {
	return filepath.Join(c.StateDir(), "spawn.lock")
}

// SpawnLogFile returns the append-only spawn attempt log.
func (c *Config) SpawnLogFile() string {
	return filepath.Join(c.StateDir(), "spawn.log")
}

// InstanceLockFile returns the daemon single-instance lock path.
func (c *Config) InstanceLockFile() string {
	return filepath.Join(c.StateDir(), "kilnd.lock")
}

// CancelDir returns the directory cancel signal files are written to.
func (c *Config) CancelDir() string {
	return filepath.Join(c.StateDir(), "cancel")
}

// LedgerPath returns the firmware ledger database path.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.StateDir(), "ledger.db")
}

// EnsureDirs creates the state, cache, and log directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.StateDir(), c.CacheDir(), c.LogDir(), c.CancelDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteSample writes the embedded sample config to path.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}
