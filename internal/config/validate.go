package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return fmt.Errorf("config: paths.state_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		return fmt.Errorf("config: paths.cache_dir must not be empty")
	}
	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("config: daemon.port %d out of range", c.Daemon.Port)
	}
	if c.Compile.Jobs < 0 {
		return fmt.Errorf("config: compile.jobs must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: logging.format %q unsupported", c.Logging.Format)
	}
	return nil
}
