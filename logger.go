package modhost

import "log/slog"

// Logger defines the interface for runtime logging.
// Arguments after the message are key/value pairs:
//
//	logger.Info("Module ready", "module", "tokens", "context", "background")
//
// The interface matches *slog.Logger's method set, so slog, or an adapter
// around any structured logger, can be passed directly.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// NewSlogLogger adapts l. A nil l uses slog.Default.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return l
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// NopLogger discards everything.
func NopLogger() Logger {
	return nopLogger{}
}
