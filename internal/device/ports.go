// Package device owns every physical serial port the coordinator
// touches: enumeration, leasing, monitor session multiplexing, and
// firmware uploads with watchdog supervision. Clients never open a
// port directly; everything goes through the coordinator.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name        string `json:"name"`        // e.g. "ttyUSB0"
	Device      string `json:"device"`      // e.g. "/dev/ttyUSB0"
	Description string `json:"description"` // USB product string when known
}

var serialPrefixes = []string{"ttyUSB", "ttyACM"}

// EnumeratePorts scans sysfs for USB serial devices.
func EnumeratePorts() ([]PortInfo, error) {
	entries, err := os.ReadDir("/sys/class/tty")
	if err != nil {
		return nil, fmt.Errorf("scan tty class: %w", err)
	}
	var ports []PortInfo
	for _, entry := range entries {
		name := entry.Name()
		if !hasSerialPrefix(name) {
			continue
		}
		ports = append(ports, PortInfo{
			Name:        name,
			Device:      "/dev/" + name,
			Description: readProductString(name),
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

func hasSerialPrefix(name string) bool {
	for _, prefix := range serialPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// readProductString walks the sysfs device chain looking for the USB
// product description. Best-effort; empty on any miss.
func readProductString(name string) string {
	base := filepath.Join("/sys/class/tty", name, "device")
	for i := 0; i < 4; i++ {
		data, err := os.ReadFile(filepath.Join(base, "product"))
		if err == nil {
			return strings.TrimSpace(string(data))
		}
		base = filepath.Join(base, "..")
	}
	return ""
}

// openSerial opens a serial device in raw mode at the given baud rate.
// The returned file is the shared handle all readers of the port
// multiplex over.
func openSerial(device string, baud int) (*os.File, error) {
	file, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	fd := int(file.Fd())

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("get termios %s: %w", device, err)
	}

	speed, err := baudConstant(baud)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	// Raw 8N1, no flow control, line speed set both ways.
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1 // 100ms read timeout drives the poll loop

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("set termios %s: %w", device, err)
	}
	// Reads should block up to VTIME now that the port is configured.
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("clear nonblock %s: %w", device, err)
	}
	return file, nil
}

func baudConstant(baud int) (uint32, error) {
	switch baud {
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 921600:
		return unix.B921600, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", baud)
	}
}
