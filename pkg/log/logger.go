package log

// Logger is the structured logger used across chainrpc.
// Every method takes a message followed by alternating keys and values.
type Logger interface {
	// Debug logs wire-level detail such as individual frames or retries.
	Debug(msg string, keysAndValues ...any)
	// Info logs lifecycle events: connects, provider changes, confirmations.
	Info(msg string, keysAndValues ...any)
	// Warn logs recoverable anomalies, for example a response with an unknown id.
	Warn(msg string, keysAndValues ...any)
	// Error logs failures that callers will observe as errors.
	Error(msg string, keysAndValues ...any)
	// Fatal logs an unrecoverable failure. The zap backend exits the process.
	Fatal(msg string, keysAndValues ...any)

	// WithKV returns a child logger that attaches key=value to every entry.
	WithKV(key string, value any) Logger
	// Fields returns the key-value pairs attached through WithKV.
	Fields() []any
	// WithName returns a child logger scoped to a component name.
	WithName(name string) Logger
	// Name returns the component name of the logger.
	Name() string
	// AddCallerSkip returns a logger reporting callers skip frames further up.
	AddCallerSkip(skip int) Logger
}

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SpanEventRecorder receives log entries mirrored into a tracing span.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string

	// RecordEvent adds a span event with the given key-value attributes.
	RecordEvent(name string, keysAndValues ...any)
	// RecordError adds a span event and marks the span as failed.
	RecordError(name string, keysAndValues ...any)
}
