// Package faults defines the sentinel error markers used to classify
// failures across the coordinator, and helpers to wrap errors with
// component context while preserving the marker for errors.Is checks.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth a bounded retry (connection
	// reset, timeout, a scanner briefly holding a file).
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures no retry can fix (HTTP 4xx,
	// fingerprint mismatch).
	ErrPermanent = errors.New("permanent failure")
	// ErrCancelled marks work abandoned because the request was
	// cancelled or its client died.
	ErrCancelled = errors.New("operation cancelled")
	// ErrExternalTool marks a nonzero exit or spawn failure from a
	// compiler, linker, or uploader child process.
	ErrExternalTool = errors.New("external tool error")
	// ErrValidation marks rejected input (defective manifest, unknown
	// environment).
	ErrValidation = errors.New("validation error")
	// ErrTimeout marks watchdog expiries.
	ErrTimeout = errors.New("timeout")
	// ErrDependency marks a task poisoned by an upstream failure.
	ErrDependency = errors.New("dependency failed")
)

// Wrap tags err with the given marker and component/operation context.
// The marker must be one of the sentinels above so callers can classify
// with errors.Is without string matching.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsCancelled reports whether err (or anything it wraps) is a
// cancellation, including context.Canceled surfaced by child calls.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
