package device

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"kiln/internal/logging"
)

// HotplugEvent reports a serial device appearing or disappearing.
type HotplugEvent struct {
	Port  string
	Added bool
}

// NetlinkMonitor listens for udev events on the tty subsystem so the
// coordinator notices USB serial devices without polling sysfs.
type NetlinkMonitor struct {
	logger  *slog.Logger
	handler func(HotplugEvent)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewNetlinkMonitor creates a monitor delivering events to handler.
func NewNetlinkMonitor(logger *slog.Logger, handler func(HotplugEvent)) *NetlinkMonitor {
	return &NetlinkMonitor{
		logger:  logging.NewComponentLogger(logger, "hotplug"),
		handler: handler,
	}
}

// Start begins listening for udev netlink events. Failure to connect is
// non-fatal; enumeration still works, only hotplug notification is
// lost.
func (m *NetlinkMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("netlink connect failed; hotplug detection unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "device list refreshes only on request"))
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.loop(ctx, quit)
	m.logger.Info("hotplug monitor started")
	return nil
}

// Stop shuts the monitor down.
func (m *NetlinkMonitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false
}

func (m *NetlinkMonitor) loop(ctx context.Context, quit <-chan struct{}) {
	events := make(chan netlink.UEvent)
	errs := make(chan error)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	monitorQuit := conn.Monitor(events, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case err := <-errs:
			m.logger.Debug("netlink monitor error", logging.Error(err))
		case event := <-events:
			port := strings.TrimPrefix(event.Env["DEVNAME"], "/dev/")
			if port == "" || !hasSerialPrefix(port) {
				continue
			}
			added := event.Action == netlink.ADD
			m.logger.Info("serial device event",
				logging.String(logging.FieldDevice, port),
				logging.Bool("added", added))
			if m.handler != nil {
				m.handler(HotplugEvent{Port: port, Added: added})
			}
		}
	}
}

// buildMatcher restricts events to tty attach/detach.
func (m *NetlinkMonitor) buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "tty",
		},
	})
	return rules
}
