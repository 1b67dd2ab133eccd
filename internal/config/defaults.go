package config

const (
	defaultPort    = 8765
	defaultDevPort = 8865
)

// Default returns a configuration populated with documented defaults.
func Default() *Config {
	return &Config{
		Paths: Paths{
			StateDir: "~/.kiln/daemon",
			CacheDir: "~/.kiln/packages",
		},
		Daemon: Daemon{
			IdleEvictionSec: 8,
		},
		Install: Install{
			DownloadWorkers:     4,
			UnpackWorkers:       2,
			InstallWorkers:      2,
			DownloadRetries:     3,
			DownloadBackoffSec:  1,
			UnpackRetries:       3,
			UnpackRetryDelaySec: 2,
			DownloadTimeoutSec:  30,
		},
		Compile: Compile{
			Jobs:           0, // host CPU count
			WaitPollMillis: 500,
		},
		Upload: Upload{
			TotalTimeoutSec:      120,
			InactivityTimeoutSec: 15,
			CrashLoopAttempts:    20,
		},
		Monitor: Monitor{
			RingCapacity: 2000,
			DefaultBaud:  115200,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

func (c *Config) normalize() {
	def := Default()
	if c.Install.DownloadWorkers <= 0 {
		c.Install.DownloadWorkers = def.Install.DownloadWorkers
	}
	if c.Install.UnpackWorkers <= 0 {
		c.Install.UnpackWorkers = def.Install.UnpackWorkers
	}
	if c.Install.InstallWorkers <= 0 {
		c.Install.InstallWorkers = def.Install.InstallWorkers
	}
	if c.Install.DownloadRetries <= 0 {
		c.Install.DownloadRetries = def.Install.DownloadRetries
	}
	if c.Install.DownloadBackoffSec <= 0 {
		c.Install.DownloadBackoffSec = def.Install.DownloadBackoffSec
	}
	if c.Install.UnpackRetries <= 0 {
		c.Install.UnpackRetries = def.Install.UnpackRetries
	}
	if c.Install.UnpackRetryDelaySec <= 0 {
		c.Install.UnpackRetryDelaySec = def.Install.UnpackRetryDelaySec
	}
	if c.Install.DownloadTimeoutSec <= 0 {
		c.Install.DownloadTimeoutSec = def.Install.DownloadTimeoutSec
	}
	if c.Compile.WaitPollMillis <= 0 {
		c.Compile.WaitPollMillis = def.Compile.WaitPollMillis
	}
	if c.Upload.TotalTimeoutSec <= 0 {
		c.Upload.TotalTimeoutSec = def.Upload.TotalTimeoutSec
	}
	if c.Upload.InactivityTimeoutSec <= 0 {
		c.Upload.InactivityTimeoutSec = def.Upload.InactivityTimeoutSec
	}
	if c.Upload.CrashLoopAttempts <= 0 {
		c.Upload.CrashLoopAttempts = def.Upload.CrashLoopAttempts
	}
	if c.Monitor.RingCapacity <= 0 {
		c.Monitor.RingCapacity = def.Monitor.RingCapacity
	}
	if c.Monitor.DefaultBaud <= 0 {
		c.Monitor.DefaultBaud = def.Monitor.DefaultBaud
	}
	if c.Daemon.IdleEvictionSec <= 0 {
		c.Daemon.IdleEvictionSec = def.Daemon.IdleEvictionSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}
