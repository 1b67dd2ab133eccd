package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"kiln/internal/api"
	"kiln/internal/client"
)

func newMonitorCommand(opts *rootOptions) *cobra.Command {
	var port string
	var baud int
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Attach a serial monitor to a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(port) == "" {
				return fmt.Errorf("--port is required")
			}
			cl, _, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := cl.Submit(cmd.Context(), api.SubmitRequest{Kind: api.KindMonitor, Port: port, Baud: baud})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := client.DialMonitor(ctx, resp.StreamURL, port, baud)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("monitoring %s (Ctrl-C to detach)\n", port)

			frames := make(chan *api.MonitorServerMessage, 8)
			readErr := make(chan error, 1)
			go func() {
				for {
					msg, err := conn.Next()
					if err != nil {
						readErr <- err
						return
					}
					frames <- msg
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-readErr:
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("monitor stream: %w", err)
				case msg := <-frames:
					switch msg.Type {
					case "data":
						for _, line := range msg.Lines {
							fmt.Println(line)
						}
					case "preempted":
						fmt.Println("-- deploy in progress; monitor paused --")
					case "reconnected":
						fmt.Println("-- monitor reconnected --")
					case "error":
						return fmt.Errorf("monitor: %s", msg.Error)
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "serial port name (e.g. ttyUSB0)")
	cmd.Flags().IntVarP(&baud, "baud", "b", 0, "baud rate (default from config)")
	return cmd
}
