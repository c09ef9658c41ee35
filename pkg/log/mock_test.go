package log_test

import (
	"sync"

	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
)

type entry struct {
	Level         log.Level
	Message       string
	KeysAndValues []any
}

type mockSink struct {
	mu      sync.Mutex
	entries []entry
}

// mockLogger records entries in a shared sink so derived loggers stay observable.
type mockLogger struct {
	sink       *mockSink
	name       string
	fields     []any
	callerSkip int
}

func newMockLogger() *mockLogger {
	return &mockLogger{sink: &mockSink{}}
}

func (m *mockLogger) record(level log.Level, msg string, kv []any) {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.entries = append(m.sink.entries, entry{Level: level, Message: msg, KeysAndValues: append(append([]any{}, m.fields...), kv...)})
}

func (m *mockLogger) lastEntry() entry {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	if len(m.sink.entries) == 0 {
		return entry{}
	}
	return m.sink.entries[len(m.sink.entries)-1]
}

func (m *mockLogger) Debug(msg string, kv ...any) { m.record(log.LevelDebug, msg, kv) }
func (m *mockLogger) Info(msg string, kv ...any)  { m.record(log.LevelInfo, msg, kv) }
func (m *mockLogger) Warn(msg string, kv ...any)  { m.record(log.LevelWarn, msg, kv) }
func (m *mockLogger) Error(msg string, kv ...any) { m.record(log.LevelError, msg, kv) }
func (m *mockLogger) Fatal(msg string, kv ...any) { m.record(log.LevelFatal, msg, kv) }

func (m *mockLogger) WithKV(key string, value any) log.Logger {
	c := *m
	c.fields = append(append([]any{}, m.fields...), key, value)
	return &c
}

func (m *mockLogger) Fields() []any { return m.fields }

func (m *mockLogger) WithName(name string) log.Logger {
	c := *m
	c.name = name
	return &c
}

func (m *mockLogger) Name() string { return m.name }

func (m *mockLogger) AddCallerSkip(skip int) log.Logger {
	c := *m
	c.callerSkip += skip
	return &c
}

type mockRecorder struct {
	traceID  string
	spanID   string
	hasError bool
	last     []any
}

func (r *mockRecorder) TraceID() string { return r.traceID }
func (r *mockRecorder) SpanID() string  { return r.spanID }

func (r *mockRecorder) RecordEvent(name string, kv ...any) {
	r.last = append([]any{"msg", name}, kv...)
}

func (r *mockRecorder) RecordError(name string, kv ...any) {
	r.hasError = true
	r.last = append([]any{"msg", name}, kv...)
}

func kvMap(kv []any) map[string]any {
	out := make(map[string]any)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}
