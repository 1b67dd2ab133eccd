package daemon

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"kiln/internal/api"
	"kiln/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint binds to loopback only; any local origin is fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusStream serves ws /api/stream/{id}: the request's log
// lines as they are written, then one terminal status frame.
func (d *Daemon) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimPrefix(r.URL.Path, "/api/stream/")
	req, ok := d.dispatcher.Registry().Get(requestID)
	if !ok {
		d.writeError(w, http.StatusNotFound, "unknown request id")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logPath := filepath.Join(d.cfg.LogDir(), "request-"+requestID+".log")
	var offset int64
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	flush := func() bool {
		lines, next := tailFile(logPath, offset)
		offset = next
		for _, line := range lines {
			event := api.StatusEvent{Type: "log", RequestID: requestID, Line: line}
			if err := conn.WriteJSON(event); err != nil {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-req.Done():
			flush()
			record := req.StatusRecord()
			_ = conn.WriteJSON(api.StatusEvent{
				Type:      "status",
				RequestID: requestID,
				Status:    record.Status,
				Error:     record.Error,
				ExitCode:  api.ExitCode(record.Status),
			})
			req.MarkObserved()
			return
		case <-ticker.C:
			if !flush() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// tailFile reads complete lines appended past offset.
func tailFile(path string, offset int64) ([]string, int64) {
	file, err := os.Open(path)
	if err != nil {
		return nil, offset
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset
	}
	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		return nil, offset
	}
	// Only complete lines; a partial tail is picked up next poll.
	lastNL := strings.LastIndexByte(string(data), '\n')
	if lastNL < 0 {
		return nil, offset
	}
	chunk := string(data[:lastNL])
	return strings.Split(chunk, "\n"), offset + int64(lastNL) + 1
}

// handleMonitorWS serves the serial monitor stream. Receiving,
// processing, and sending run on separate goroutines joined by bounded
// queues; a receiver that waited on the processor would deadlock the
// ping path under load.
func (d *Daemon) handleMonitorWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	inbound := make(chan api.MonitorClientMessage, 32)
	outbound := make(chan api.MonitorServerMessage, 32)
	done := make(chan struct{})

	// Receiver: socket -> inbound.
	go func() {
		defer close(inbound)
		for {
			var msg api.MonitorClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case inbound <- msg:
			case <-done:
				return
			}
		}
	}()

	// Sender: outbound -> socket.
	go func() {
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	d.monitorSession(r, inbound, outbound)
	close(done)
}

// monitorSession is the processor: it owns the device lease and turns
// client frames plus poll ticks into server frames.
func (d *Daemon) monitorSession(r *http.Request, inbound <-chan api.MonitorClientMessage, outbound chan<- api.MonitorServerMessage) {
	devices := d.dispatcher.Devices()
	logger := logging.NewComponentLogger(d.logger, "monitor-ws")

	var port, leaseID string
	var cursor uint64
	defer func() {
		if leaseID != "" {
			devices.Detach(port, leaseID)
		}
	}()

	send := func(msg api.MonitorServerMessage) bool {
		select {
		case outbound <- msg:
			return true
		case <-time.After(5 * time.Second):
			// Slow consumer; drop the session rather than block the
			// processor forever.
			return false
		}
	}

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if leaseID != "" && msg.Cursor > 0 {
				cursor = msg.Cursor
			}
			switch msg.Type {
			case "attach":
				if leaseID != "" {
					if !send(api.MonitorServerMessage{Type: "error", Error: "already attached"}) {
						return
					}
					continue
				}
				lease, start, err := devices.Attach(msg.Port, r.RemoteAddr, msg.Baud)
				if err != nil {
					logger.Warn("monitor attach failed",
						logging.String(logging.FieldDevice, msg.Port),
						logging.Error(err))
					if !send(api.MonitorServerMessage{Type: "attached", Port: msg.Port, Error: err.Error()}) {
						return
					}
					continue
				}
				port, leaseID, cursor = msg.Port, lease, start
				if !send(api.MonitorServerMessage{Type: "attached", Port: port, Next: cursor}) {
					return
				}
			case "write":
				if leaseID == "" {
					if !send(api.MonitorServerMessage{Type: "error", Error: "not attached"}) {
						return
					}
					continue
				}
				if err := devices.Write(port, leaseID, []byte(msg.Data)); err != nil {
					if !send(api.MonitorServerMessage{Type: "error", Error: err.Error()}) {
						return
					}
					continue
				}
				if !send(api.MonitorServerMessage{Type: "write_ack", Port: port}) {
					return
				}
			case "detach":
				return
			case "ping":
				if !send(api.MonitorServerMessage{Type: "pong"}) {
					return
				}
			default:
				if !send(api.MonitorServerMessage{Type: "error", Error: "unknown message type " + msg.Type}) {
					return
				}
			}

		case <-poll.C:
			if leaseID == "" {
				continue
			}
			// The client may echo a cursor to re-request; otherwise we
			// track it server-side.
			batch, err := devices.Poll(port, leaseID, cursor, 200)
			if err != nil {
				_ = send(api.MonitorServerMessage{Type: "error", Error: err.Error()})
				return
			}
			switch {
			case batch.Preempted:
				if !send(api.MonitorServerMessage{Type: "preempted", Port: port}) {
					return
				}
				// Back off while the deploy owns the port.
				time.Sleep(200 * time.Millisecond)
			case batch.Reconnected:
				if !send(api.MonitorServerMessage{Type: "reconnected", Port: port}) {
					return
				}
			}
			if len(batch.Lines) > 0 {
				if !send(api.MonitorServerMessage{Type: "data", Port: port, Lines: batch.Lines, First: batch.First, Next: batch.Next}) {
					return
				}
			}
			cursor = batch.Next

		case <-r.Context().Done():
			return
		}
	}
}
