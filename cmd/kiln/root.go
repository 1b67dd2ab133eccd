package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"kiln/internal/bootstrap"
	"kiln/internal/client"
	"kiln/internal/config"
	"kiln/internal/logging"
)

type rootOptions struct {
	configPath string
	dev        bool
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Embedded firmware build coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "development mode")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(
		newBuildCommand(opts),
		newDeployCommand(opts),
		newInstallCommand(opts),
		newMonitorCommand(opts),
		newDevicesCommand(opts),
		newLocksCommand(opts),
		newCacheCommand(opts),
		newDaemonCommand(opts),
		newInitCommand(),
	)
	return cmd
}

// connect loads config and locates-or-spawns the coordinator.
func (o *rootOptions) connect(ctx context.Context) (*client.Client, *config.Config, error) {
	if o.dev {
		_ = os.Setenv(config.EnvDevMode, "1")
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	url, err := bootstrap.Ensure(ctx, cfg, logging.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return client.New(url), cfg, nil
}

// loadConfig loads config without contacting the coordinator.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.dev {
		_ = os.Setenv(config.EnvDevMode, "1")
	}
	return config.Load(o.configPath)
}
