package logging

import (
	"context"
	"log/slog"

	"kiln/internal/buildctx"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRequestID is the standardized structured logging key for request identifiers.
	FieldRequestID = "request_id"
	// FieldEnv is the standardized structured logging key for environment names.
	FieldEnv = "env"
	// FieldStage is the standardized structured logging key for build phase names.
	FieldStage = "stage"
	// FieldDevice is the standardized structured logging key for serial port names.
	FieldDevice = "device"
	// FieldEventType tags log records with a machine-readable event name.
	FieldEventType = "event_type"
	// FieldErrorHint carries operator guidance attached to failures.
	FieldErrorHint = "hint"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if bc, ok := buildctx.From(ctx); ok {
		fields = append(fields, slog.String(FieldRequestID, bc.RequestID))
		if bc.Env != "" {
			fields = append(fields, slog.String(FieldEnv, bc.Env))
		}
	}
	if stage, ok := buildctx.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if component, ok := buildctx.ComponentFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldComponent, component))
	}
	if port, ok := buildctx.DeviceFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldDevice, port))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived
// from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}

// NewComponentLogger tags every record with the owning component name.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	return logger.With(String(FieldComponent, component))
}
