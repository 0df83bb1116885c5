package corekit

// Logger defines the interface for framework logging.
// The framework uses structured logging with key-value pairs so that
// registry, flag, and isolator activity produces consistent, parseable
// output regardless of which logging library the host application uses.
//
// The variadic arguments are interpreted as alternating keys and values,
// which makes the interface directly compatible with log/slog:
//
//	logger.Info("service initialized", "token", "auth", "duration", d)
//
// Example adapter over Go's standard log/slog:
//
//	type SlogLogger struct{ *slog.Logger }
//
//	func (l SlogLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, args...) }
//	func (l SlogLogger) Error(msg string, args ...any) { l.Logger.Error(msg, args...) }
//	func (l SlogLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, args...) }
//	func (l SlogLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, args...) }
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// NopLogger discards all log output. It is used as the default when no
// logger is supplied so that components never need nil checks before logging.
type NopLogger struct{}

func (NopLogger) Info(string, ...any) {}

func (NopLogger) Error(string, ...any) {}

func (NopLogger) Warn(string, ...any) {}

func (NopLogger) Debug(string, ...any) {}
