// Package logging provides structured JSON logging with trace IDs.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface used across the service.
// Fields are variadic key/value pairs: Info("msg", "key", value, ...).
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})

	DebugContext(ctx context.Context, msg string, fields ...interface{})
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})

	WithTraceID(traceID string) Logger
	WithComponent(component string) Logger
}

// LogLevel controls which entries are emitted.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// ContextKey is the type for context values owned by this package.
type ContextKey string

// TraceIDKey carries the request trace ID through context.
const TraceIDKey ContextKey = "trace_id"

// Entry is one serialized log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// StructuredLogger emits JSON entries to a writer.
type StructuredLogger struct {
	level     LogLevel
	traceID   string
	component string
	out       io.Writer
	mu        *sync.Mutex
}

// NewLogger creates a structured logger writing to stderr.
func NewLogger(level LogLevel) Logger {
	return &StructuredLogger{level: level, out: os.Stderr, mu: &sync.Mutex{}}
}

// NewLoggerWithWriter creates a logger with an explicit output, for tests.
func NewLoggerWithWriter(level LogLevel, out io.Writer) Logger {
	return &StructuredLogger{level: level, out: out, mu: &sync.Mutex{}}
}

// ParseLogLevel maps a level name to a LogLevel, defaulting to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func (l *StructuredLogger) clone() *StructuredLogger {
	return &StructuredLogger{
		level:     l.level,
		traceID:   l.traceID,
		component: l.component,
		out:       l.out,
		mu:        l.mu,
	}
}

// WithTraceID returns a logger that stamps every entry with traceID.
func (l *StructuredLogger) WithTraceID(traceID string) Logger {
	c := l.clone()
	c.traceID = traceID
	return c
}

// WithComponent returns a logger that stamps every entry with a component name.
func (l *StructuredLogger) WithComponent(component string) Logger {
	c := l.clone()
	c.component = component
	return c
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) {
	l.emit(DEBUG, msg, l.traceID, fields...)
}

func (l *StructuredLogger) Info(msg string, fields ...interface{}) {
	l.emit(INFO, msg, l.traceID, fields...)
}

func (l *StructuredLogger) Warn(msg string, fields ...interface{}) {
	l.emit(WARN, msg, l.traceID, fields...)
}

func (l *StructuredLogger) Error(msg string, fields ...interface{}) {
	l.emit(ERROR, msg, l.traceID, fields...)
}

// Fatal logs the entry and exits the process.
func (l *StructuredLogger) Fatal(msg string, fields ...interface{}) {
	l.emit(FATAL, msg, l.traceID, fields...)
	os.Exit(1)
}

func (l *StructuredLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.emit(DEBUG, msg, l.traceFrom(ctx), fields...)
}

func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.emit(INFO, msg, l.traceFrom(ctx), fields...)
}

func (l *StructuredLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.emit(WARN, msg, l.traceFrom(ctx), fields...)
}

func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.emit(ERROR, msg, l.traceFrom(ctx), fields...)
}

func (l *StructuredLogger) traceFrom(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(TraceIDKey).(string); ok && id != "" {
			return id
		}
	}
	return l.traceID
}

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l *StructuredLogger) emit(level LogLevel, msg, traceID string, fields ...interface{}) {
	if level < l.level {
		return
	}
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     levelNames[level],
		Message:   msg,
		TraceID:   traceID,
		Component: l.component,
		Fields:    pairFields(fields),
	}
	data, err := json.Marshal(e)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"message":%q}`, levelNames[level], msg))
	}
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

// pairFields converts variadic key/value pairs into a map. A trailing odd
// value is kept under "extra" rather than dropped.
func pairFields(fields []interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(fields)/2+1)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		m[key] = fields[i+1]
	}
	if len(fields)%2 == 1 {
		m["extra"] = fields[len(fields)-1]
	}
	return m
}

// GenerateTraceID returns a new unique trace identifier.
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceIDContext stores a trace ID in the context.
func WithTraceIDContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceIDFromContext extracts the trace ID, or "" if absent.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	defaultLogger Logger = NewLogger(INFO)
	defaultMu     sync.RWMutex
)

// SetDefaultLogger replaces the package-level logger.
func SetDefaultLogger(l Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the package-level logger.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Package-level helpers for call sites that do not carry a logger.

func Debug(msg string, fields ...interface{}) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...interface{}) { Default().Error(msg, fields...) }
func Fatal(msg string, fields ...interface{}) { Default().Fatal(msg, fields...) }

func InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	Default().InfoContext(ctx, msg, fields...)
}

func WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	Default().WarnContext(ctx, msg, fields...)
}

func ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	Default().ErrorContext(ctx, msg, fields...)
}

func DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	Default().DebugContext(ctx, msg, fields...)
}
