// Package deps reports availability of the external tools the
// coordinator drives (compilers, uploaders). Checks are advisory; the
// authoritative failure is the spawn error at use time.
package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external tool Kiln relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// UploadTools are the transports a deploy may shell out to.
func UploadTools() []Requirement {
	return []Requirement{
		{Name: "esptool", Command: "esptool.py", Description: "ESP32/ESP8266 flasher", Optional: true},
		{Name: "avrdude", Command: "avrdude", Description: "AVR flasher", Optional: true},
		{Name: "picotool", Command: "picotool", Description: "RP2040 flasher", Optional: true},
		{Name: "st-flash", Command: "st-flash", Description: "STM32 flasher", Optional: true},
		{Name: "teensy-loader", Command: "teensy_loader_cli", Description: "Teensy flasher", Optional: true},
	}
}
