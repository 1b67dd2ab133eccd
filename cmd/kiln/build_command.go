package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/api"
	"kiln/internal/client"
)

func newBuildCommand(opts *rootOptions) *cobra.Command {
	var env, profile string
	var jobs int
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile the project for an environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStreaming(cmd.Context(), opts, api.SubmitRequest{
				Kind:    api.KindBuild,
				Env:     env,
				Profile: profile,
				Jobs:    jobs,
				Verbose: opts.verbose,
			})
		},
	}
	cmd.Flags().StringVarP(&env, "env", "e", "", "environment name (defaults to the manifest's default_env)")
	cmd.Flags().StringVar(&profile, "profile", "release", "build profile")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "parallel compile jobs (0 = host CPU count, 1 = serial)")
	return cmd
}

func newDeployCommand(opts *rootOptions) *cobra.Command {
	var env, profile, port string
	var jobs int
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build and upload firmware to a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStreaming(cmd.Context(), opts, api.SubmitRequest{
				Kind:    api.KindDeploy,
				Env:     env,
				Profile: profile,
				Jobs:    jobs,
				Port:    port,
				Verbose: opts.verbose,
			})
		},
	}
	cmd.Flags().StringVarP(&env, "env", "e", "", "environment name")
	cmd.Flags().StringVar(&profile, "profile", "release", "build profile")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "parallel compile jobs")
	cmd.Flags().StringVarP(&port, "port", "p", "", "serial port (defaults to the environment's upload_port)")
	return cmd
}

func newInstallCommand(opts *rootOptions) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Pre-install the packages an environment needs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, _, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := cl.Submit(cmd.Context(), api.SubmitRequest{Kind: api.KindInstallDeps, Env: env})
			if err != nil {
				return err
			}
			if resp.Status != api.StatusSucceeded {
				return &exitCodeError{code: api.ExitCode(resp.Status), message: resp.Error}
			}
			fmt.Println("packages installed")
			return nil
		},
	}
	cmd.Flags().StringVarP(&env, "env", "e", "", "environment name")
	return cmd
}

// runStreaming submits a request, follows its stream, and maps the
// terminal status to the exit convention. A SIGINT delivers a cancel
// signal for the request and waits for the coordinator to confirm.
func runStreaming(ctx context.Context, opts *rootOptions, payload api.SubmitRequest) error {
	cl, _, err := opts.connect(ctx)
	if err != nil {
		return err
	}
	resp, err := cl.Submit(ctx, payload)
	if err != nil {
		return err
	}

	streamCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-streamCtx.Done()
		if ctx.Err() == nil {
			// Interrupt, not parent shutdown: tell the coordinator.
			cancelCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = cl.Cancel(cancelCtx, resp.RequestID)
		}
	}()

	result, err := client.ConsumeStream(streamCtx, resp.StreamURL, func(line string) {
		fmt.Println(line)
	})
	if err != nil {
		// The stream broke (interrupt or daemon death); fetch the
		// terminal status directly.
		statusCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			if record, statusErr := cl.RequestStatus(statusCtx, resp.RequestID); statusErr == nil {
				switch record.Status {
				case api.StatusSucceeded, api.StatusFailed, api.StatusCancelled:
					return &exitCodeError{code: api.ExitCode(record.Status), message: record.Error}
				}
			}
			select {
			case <-statusCtx.Done():
				return &exitCodeError{code: 130, message: "interrupted"}
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	if result.Status != api.StatusSucceeded {
		return &exitCodeError{code: result.ExitCode, message: result.Error}
	}
	return nil
}
