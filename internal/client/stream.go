package client

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"kiln/internal/api"
)

// StreamResult is the terminal outcome of a status stream.
type StreamResult struct {
	Status   api.Status
	Error    string
	ExitCode int
}

// ConsumeStream follows a request's status stream, invoking onLine for
// every log line until the terminal frame arrives. On ctx cancellation
// it returns promptly; delivering the cancel signal is the caller's
// job.
func ConsumeStream(ctx context.Context, streamURL string, onLine func(string)) (*StreamResult, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop when the context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var event api.StatusEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("stream closed: %w", err)
		}
		switch event.Type {
		case "log":
			if onLine != nil {
				onLine(event.Line)
			}
		case "status":
			return &StreamResult{Status: event.Status, Error: event.Error, ExitCode: event.ExitCode}, nil
		}
	}
}

// MonitorConn wraps a monitor WebSocket session.
type MonitorConn struct {
	conn *websocket.Conn
}

// DialMonitor opens a monitor stream and attaches to the port.
func DialMonitor(ctx context.Context, wsURL, port string, baud int) (*MonitorConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial monitor: %w", err)
	}
	m := &MonitorConn{conn: conn}
	if err := conn.WriteJSON(api.MonitorClientMessage{Type: "attach", Port: port, Baud: baud}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	var attached api.MonitorServerMessage
	if err := conn.ReadJSON(&attached); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if attached.Type != "attached" {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", attached.Type)
	}
	if attached.Error != "" {
		_ = conn.Close()
		return nil, fmt.Errorf("attach failed: %s", attached.Error)
	}
	return m, nil
}

// Next reads the next server frame.
func (m *MonitorConn) Next() (*api.MonitorServerMessage, error) {
	var msg api.MonitorServerMessage
	if err := m.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Write sends keystrokes to the device.
func (m *MonitorConn) Write(data string) error {
	return m.conn.WriteJSON(api.MonitorClientMessage{Type: "write", Data: data})
}

// Close detaches and closes the stream.
func (m *MonitorConn) Close() error {
	_ = m.conn.WriteJSON(api.MonitorClientMessage{Type: "detach"})
	return m.conn.Close()
}
