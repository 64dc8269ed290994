package opensdg

// Logger is the logging interface used throughout the library. It matches
// the sugared style of zap and slog: a message followed by alternating keys
// and values.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	// Debug logs packet-level progress.
	Debug(msg string, keysAndValues ...any)

	// Info logs lifecycle events such as reaching Connected.
	Info(msg string, keysAndValues ...any)

	// Warn logs recoverable conditions such as PairingRequired.
	Warn(msg string, keysAndValues ...any)

	// Error logs failures that put a connection into the Error state.
	Error(msg string, keysAndValues ...any)
}

// NopLogger discards all log messages. It is the default logger.
type NopLogger struct{}

var _ Logger = NopLogger{}

// Debug implements Logger.Debug (no-op).
func (NopLogger) Debug(msg string, keysAndValues ...any) {}

// Info implements Logger.Info (no-op).
func (NopLogger) Info(msg string, keysAndValues ...any) {}

// Warn implements Logger.Warn (no-op).
func (NopLogger) Warn(msg string, keysAndValues ...any) {}

// Error implements Logger.Error (no-op).
func (NopLogger) Error(msg string, keysAndValues ...any) {}

// fieldLogger prefixes every call with a fixed set of key-value pairs.
type fieldLogger struct {
	base   Logger
	fields []any
}

// withFields returns a Logger that adds keysAndValues to every message.
func withFields(l Logger, keysAndValues ...any) Logger {
	if fl, ok := l.(*fieldLogger); ok {
		fields := make([]any, 0, len(fl.fields)+len(keysAndValues))
		fields = append(fields, fl.fields...)
		return &fieldLogger{base: fl.base, fields: append(fields, keysAndValues...)}
	}
	return &fieldLogger{base: l, fields: keysAndValues}
}

func (l *fieldLogger) merge(kv []any) []any {
	out := make([]any, 0, len(l.fields)+len(kv))
	out = append(out, l.fields...)
	return append(out, kv...)
}

func (l *fieldLogger) Debug(msg string, kv ...any) { l.base.Debug(msg, l.merge(kv)...) }
func (l *fieldLogger) Info(msg string, kv ...any)  { l.base.Info(msg, l.merge(kv)...) }
func (l *fieldLogger) Warn(msg string, kv ...any)  { l.base.Warn(msg, l.merge(kv)...) }
func (l *fieldLogger) Error(msg string, kv ...any) { l.base.Error(msg, l.merge(kv)...) }
