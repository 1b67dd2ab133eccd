// Package client is the CLI side of the coordinator protocol: plain
// HTTP for submissions and admin calls, WebSocket for streams, and an
// interruptible call wrapper so a Ctrl-C resolves quickly even when the
// daemon does not answer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"kiln/internal/api"
)

// Client talks to one coordinator.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the coordinator at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the coordinator endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Submit posts a request of the given kind.
func (c *Client) Submit(ctx context.Context, payload api.SubmitRequest) (*api.SubmitResponse, error) {
	if payload.ClientPID == 0 {
		payload.ClientPID = os.Getpid()
	}
	if payload.ClientCWD == "" {
		if cwd, err := os.Getwd(); err == nil {
			payload.ClientCWD = cwd
		}
	}
	path := map[api.Kind]string{
		api.KindBuild:       "/api/build",
		api.KindDeploy:      "/api/deploy",
		api.KindMonitor:     "/api/monitor",
		api.KindInstallDeps: "/api/install-deps",
	}[payload.Kind]
	if path == "" {
		return nil, fmt.Errorf("kind %q is not submittable", payload.Kind)
	}

	var out api.SubmitResponse
	if err := c.postJSON(ctx, path, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestStatus fetches one request's record.
func (c *Client) RequestStatus(ctx context.Context, requestID string) (*api.RequestStatus, error) {
	var out api.RequestStatus
	if err := c.getJSON(ctx, "/api/requests/"+requestID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel delivers a cancel signal for a request id.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	return c.postJSON(ctx, "/api/requests/"+requestID+"/cancel", struct{}{}, nil)
}

// Devices lists serial ports.
func (c *Client) Devices(ctx context.Context) (*api.DevicesResponse, error) {
	var out api.DevicesResponse
	if err := c.getJSON(ctx, "/api/devices/list", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Locks lists held locks.
func (c *Client) Locks(ctx context.Context) (*api.LocksResponse, error) {
	var out api.LocksResponse
	if err := c.postJSON(ctx, "/api/locks/status", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DaemonStatus fetches the health payload.
func (c *Client) DaemonStatus(ctx context.Context) (*api.DaemonStatus, error) {
	var out api.DaemonStatus
	if err := c.getJSON(ctx, "/api/daemon/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the coordinator to stop gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.postJSON(ctx, "/api/daemon/shutdown", struct{}{}, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return interruptible(ctx, func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decodeResponse(resp, out)
	})
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return interruptible(ctx, func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decodeResponse(resp, out)
	})
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("coordinator: %s", apiErr.Error)
		}
		return fmt.Errorf("coordinator: HTTP %d", resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
