// Package log is the structured logger handed to components that are constructed explicitly
// instead of logging through the global zerolog logger.
package log

import "context"

// Fields are structured key/value pairs attached to a log entry.
type Fields map[string]any

// Logger defines a standard interface for logging.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	Error(ctx context.Context, msg string, err error, fields ...Fields)
	With(fields Fields) Logger // Returns a new logger with added structured fields
}
