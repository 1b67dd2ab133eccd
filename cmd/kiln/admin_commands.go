package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/bootstrap"
	"kiln/internal/client"
	"kiln/internal/config"
)

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected serial devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, _, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := cl.Devices(cmd.Context())
			if err != nil {
				return err
			}
			if len(resp.Devices) == 0 {
				fmt.Println("no serial devices found")
				return nil
			}
			rows := make([][]string, len(resp.Devices))
			for i, dev := range resp.Devices {
				rows[i] = []string{dev.Name, dev.Device, dev.Description}
			}
			fmt.Println(renderTable([]string{"PORT", "DEVICE", "DESCRIPTION"}, rows, nil))
			return nil
		},
	}
}

func newLocksCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "Show locks held inside the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, _, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := cl.Locks(cmd.Context())
			if err != nil {
				return err
			}
			if len(resp.Locks) == 0 {
				fmt.Println("no locks held")
				return nil
			}
			rows := make([][]string, len(resp.Locks))
			for i, lock := range resp.Locks {
				rows[i] = []string{
					lock.Name,
					strconv.Itoa(lock.OwnerPID),
					(time.Duration(lock.AgeSeconds * float64(time.Second))).Round(time.Second).String(),
				}
			}
			fmt.Println(renderTable([]string{"LOCK", "OWNER PID", "AGE"}, rows, []columnAlignment{alignLeft, alignRight, alignRight}))
			return nil
		},
	}
}

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Coordinator lifecycle",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Probe the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			url, ok := bootstrap.Probe(cfg)
			if !ok {
				fmt.Println("coordinator: not running")
				return nil
			}
			status, err := client.New(url).DaemonStatus(c.Context())
			if err != nil {
				return err
			}
			mode := "production"
			if status.DevMode {
				mode = "development"
			}
			fmt.Printf("coordinator: running (pid %d, %s, v%s)\n", status.PID, mode, status.Version)
			fmt.Printf("active requests: %d, held locks: %d, up since %s\n",
				status.Active, status.HeldLocks, status.StartedAt.Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			url, ok := bootstrap.Probe(cfg)
			if !ok {
				fmt.Println("coordinator: not running")
				return nil
			}
			if err := client.New(url).Shutdown(c.Context()); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	})

	return cmd
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a sample config file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := config.DefaultConfigPath()
			if err := config.WriteSample(path); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "wrote %s\n", path)
			return nil
		},
	}
}
