// Package logging provides the slog-based logging stack shared by the
// coordinator daemon and the CLI. It offers a human-readable console
// handler, a JSON handler for log files, a fanout handler that feeds
// both, and helpers for extracting standardized request-scoped fields
// from a context.
package logging
