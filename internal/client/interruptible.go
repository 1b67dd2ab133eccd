package client

import (
	"context"
	"time"
)

// interruptPoll bounds how long an interrupt waits on an unresponsive
// call: the blocking HTTP call runs on a side goroutine while this
// loop polls for completion or interruption.
const interruptPoll = 500 * time.Millisecond

// interruptible runs fn so that ctx cancellation resolves within about
// one poll interval even if the underlying call is stuck in a syscall
// the context cannot reach.
func interruptible(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	ticker := time.NewTicker(interruptPoll)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			cancel()
			// Give the goroutine one poll interval to notice, then
			// abandon it; it holds no state the caller needs.
			select {
			case err := <-done:
				if err == nil {
					return nil
				}
				return ctx.Err()
			case <-time.After(interruptPoll):
				return ctx.Err()
			}
		case <-ticker.C:
		}
	}
}
