package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/config"
	"kiln/internal/faults"
	"kiln/internal/logging"
)

// LeaseMode selects how a client attaches to a port.
type LeaseMode string

const (
	// ModeReader is non-exclusive; any number of readers share the
	// physical handle through the line ring.
	ModeReader LeaseMode = "reader"
	// ModeWriter is exclusive among writers and coexists with readers.
	ModeWriter LeaseMode = "writer"
	// ModeDeploy is fully exclusive and preempts readers and writers.
	ModeDeploy LeaseMode = "deploy"
)

// Batch is one poll result for a monitor reader.
type Batch struct {
	Lines       []string `json:"lines"`
	First       uint64   `json:"first"`
	Next        uint64   `json:"next"`
	Preempted   bool     `json:"preempted"`
	Reconnected bool     `json:"reconnected"`
}

type reader struct {
	leaseID  string
	clientID string
	// sawPreempt tracks the preemption handshake: the reader observed
	// the notice (acknowledged) and will be told "reconnected" once the
	// notice clears.
	sawPreempt bool
}

type portState struct {
	name   string
	device string
	baud   int

	handle  io.ReadWriteCloser
	ring    *lineRing
	readers map[string]*reader

	writerLease string
	deployLease string
	preempted   bool

	loopDone chan struct{}
}

// Coordinator owns all open serial ports.
type Coordinator struct {
	cfg    *config.Config
	logger *slog.Logger

	mu    sync.Mutex
	ports map[string]*portState

	// opener is swappable for tests.
	opener func(device string, baud int) (io.ReadWriteCloser, error)
}

// NewCoordinator builds the device coordinator.
func NewCoordinator(cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "device"),
		ports:  make(map[string]*portState),
		opener: func(device string, baud int) (io.ReadWriteCloser, error) {
			return openSerial(device, baud)
		},
	}
}

// Attach leases a port for monitoring and returns the lease id plus the
// reader's starting cursor (the current tail; history is not replayed
// to new readers).
func (c *Coordinator) Attach(port, clientID string, baud int) (string, uint64, error) {
	if baud <= 0 {
		baud = c.cfg.Monitor.DefaultBaud
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.ports[port]
	if !ok {
		state = &portState{
			name:    port,
			device:  "/dev/" + port,
			baud:    baud,
			ring:    newLineRing(c.cfg.Monitor.RingCapacity),
			readers: make(map[string]*reader),
		}
		c.ports[port] = state
	}
	if state.handle == nil && !state.preempted {
		if err := c.openLocked(state); err != nil {
			return "", 0, err
		}
	}

	leaseID := uuid.NewString()
	state.readers[leaseID] = &reader{leaseID: leaseID, clientID: clientID}
	c.logger.Info("monitor attached",
		logging.String(logging.FieldDevice, port),
		logging.String("client", clientID),
		logging.Int("baud", baud))
	return leaseID, state.ring.latest(), nil
}

// Detach releases a monitor lease; the port closes when nothing is
// attached anymore.
func (c *Coordinator) Detach(port, leaseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.ports[port]
	if !ok {
		return
	}
	delete(state.readers, leaseID)
	if state.writerLease == leaseID {
		state.writerLease = ""
	}
	if len(state.readers) == 0 && state.deployLease == "" {
		c.closeLocked(state)
		delete(c.ports, port)
	}
}

// Poll returns the next batch of lines for a reader. During a deploy
// preemption it returns Preempted (and records the acknowledgement);
// the first poll after the notice clears reports Reconnected.
func (c *Coordinator) Poll(port, leaseID string, cursor uint64, limit int) (Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.ports[port]
	if !ok {
		return Batch{}, faults.Wrap(faults.ErrValidation, "device", "poll", "port not attached: "+port, nil)
	}
	rd, ok := state.readers[leaseID]
	if !ok {
		return Batch{}, faults.Wrap(faults.ErrValidation, "device", "poll", "unknown lease", nil)
	}
	if state.preempted {
		rd.sawPreempt = true
		return Batch{Preempted: true, First: cursor, Next: cursor}, nil
	}
	lines, first, next := state.ring.since(cursor, limit)
	batch := Batch{Lines: lines, First: first, Next: next}
	if rd.sawPreempt {
		rd.sawPreempt = false
		batch.Reconnected = true
	}
	return batch, nil
}

// Write sends bytes to the port. Writers are exclusive: the first lease
// to write holds the writer slot until it detaches.
func (c *Coordinator) Write(port, leaseID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.ports[port]
	if !ok {
		return faults.Wrap(faults.ErrValidation, "device", "write", "port not attached: "+port, nil)
	}
	if _, ok := state.readers[leaseID]; !ok {
		return faults.Wrap(faults.ErrValidation, "device", "write", "unknown lease", nil)
	}
	if state.preempted {
		return faults.Wrap(faults.ErrTransient, "device", "write", "port preempted by deploy", nil)
	}
	if state.writerLease != "" && state.writerLease != leaseID {
		return faults.Wrap(faults.ErrTransient, "device", "write",
			"another writer holds the port", nil)
	}
	state.writerLease = leaseID
	if state.handle == nil {
		return faults.Wrap(faults.ErrTransient, "device", "write", "port not open", nil)
	}
	_, err := state.handle.Write(data)
	return err
}

// Deploy runs an upload against the port with full preemption: readers
// are notified and the shared handle closed before the child runs, then
// the port reopens and readers are told to reconnect.
func (c *Coordinator) Deploy(port string, upload func() error) error {
	c.mu.Lock()
	state, ok := c.ports[port]
	if ok && state.deployLease != "" {
		c.mu.Unlock()
		return faults.Wrap(faults.ErrTransient, "device", "deploy", "deploy already in progress on "+port, nil)
	}
	hadReaders := false
	deployLease := uuid.NewString()
	if ok {
		state.deployLease = deployLease
		state.preempted = true
		hadReaders = len(state.readers) > 0
		c.closeLocked(state)
	}
	c.mu.Unlock()

	if hadReaders {
		c.logger.Info("deploy preempting monitor readers", logging.String(logging.FieldDevice, port))
		c.waitForAcks(port, 2*time.Second)
	}

	uploadErr := upload()

	c.mu.Lock()
	state, ok = c.ports[port]
	if ok && state.deployLease == deployLease {
		state.deployLease = ""
		state.preempted = false
		if len(state.readers) > 0 {
			if err := c.openLocked(state); err != nil {
				c.logger.Warn("port reopen after deploy failed",
					logging.String(logging.FieldDevice, port),
					logging.Error(err))
			} else {
				c.logger.Info("monitor readers reconnected", logging.String(logging.FieldDevice, port))
			}
		} else {
			delete(c.ports, port)
		}
	}
	c.mu.Unlock()
	return uploadErr
}

// waitForAcks blocks until every attached reader has polled the
// preemption notice, or the timeout passes (a reader that stopped
// polling must not wedge deploys).
func (c *Coordinator) waitForAcks(port string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		state, ok := c.ports[port]
		allAcked := true
		if ok {
			for _, rd := range state.readers {
				if !rd.sawPreempt {
					allAcked = false
					break
				}
			}
		}
		c.mu.Unlock()
		if !ok || allAcked {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Ports lists enumerated hardware plus any port with active sessions.
func (c *Coordinator) Ports() []PortInfo {
	ports, err := EnumeratePorts()
	if err != nil {
		c.logger.Warn("port enumeration failed", logging.Error(err))
	}
	seen := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		seen[p.Name] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, state := range c.ports {
		if _, ok := seen[name]; !ok {
			ports = append(ports, PortInfo{Name: name, Device: state.device})
		}
	}
	return ports
}

// openLocked opens the shared handle and starts the read loop. Callers
// hold c.mu.
func (c *Coordinator) openLocked(state *portState) error {
	handle, err := c.opener(state.device, state.baud)
	if err != nil {
		return faults.Wrap(faults.ErrTransient, "device", "open", state.device, err)
	}
	state.handle = handle
	state.loopDone = make(chan struct{})
	go c.readLoop(state, handle, state.loopDone)
	return nil
}

// closeLocked stops the read loop and closes the handle. Callers hold
// c.mu.
func (c *Coordinator) closeLocked(state *portState) {
	if state.handle == nil {
		return
	}
	handle := state.handle
	state.handle = nil
	done := state.loopDone
	state.loopDone = nil
	_ = handle.Close()
	if done != nil {
		// The loop exits once its blocked read fails against the
		// closed handle.
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
}

// readLoop pumps lines from the physical port into the ring until the
// handle closes.
func (c *Coordinator) readLoop(state *portState, handle io.Reader, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		state.ring.append(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debug("read loop ended",
			logging.String(logging.FieldDevice, state.name),
			logging.Error(err))
	}
}

// LockName returns the coordinator-wide lock name for a port.
func LockName(port string) string {
	return fmt.Sprintf("device:%s", port)
}
