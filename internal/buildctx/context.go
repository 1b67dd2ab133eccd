package buildctx

import "context"

type contextKey string

const (
	buildContextKey contextKey = "build_context"
	stageKey        contextKey = "stage"
	componentKey    contextKey = "component"
	deviceKey       contextKey = "device"
)

// Attach binds the request's output context to ctx so helpers deep in
// the call tree can reach it without explicit plumbing.
func Attach(ctx context.Context, bc *Context) context.Context {
	if bc == nil {
		return ctx
	}
	return context.WithValue(ctx, buildContextKey, bc)
}

// From extracts the request's output context, if present.
func From(ctx context.Context) (*Context, bool) {
	bc, ok := ctx.Value(buildContextKey).(*Context)
	return bc, ok && bc != nil
}

// Capture returns a function that reinstates the caller's output context
// onto an arbitrary context. Work dispatched onto a shared pool must run
// its callbacks through the capture so it logs with the submitting
// request's settings, not whatever request last touched the worker.
func Capture(ctx context.Context) func(context.Context) context.Context {
	bc, ok := From(ctx)
	if !ok {
		return func(inner context.Context) context.Context { return inner }
	}
	return func(inner context.Context) context.Context {
		return Attach(inner, bc)
	}
}

// WithStage annotates ctx with the current build phase name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the build phase name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithComponent annotates ctx with the owning component name.
func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return context.WithValue(ctx, componentKey, component)
}

// ComponentFromContext returns the component name if present.
func ComponentFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(componentKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithDevice annotates ctx with the serial port a request is touching.
func WithDevice(ctx context.Context, port string) context.Context {
	if port == "" {
		return ctx
	}
	return context.WithValue(ctx, deviceKey, port)
}

// DeviceFromContext returns the serial port name if present.
func DeviceFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(deviceKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
