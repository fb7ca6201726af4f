package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var logMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "metrics_relay_log_messages_total",
	Help: "Log entries produced by level, including entries below the output level",
}, []string{"level"})

func init() {
	prometheus.MustRegister(logMessagesTotal)
}

// Level represents log severity level.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// severityNumbers maps OTEL severity text to OTEL severity number.
// See https://opentelemetry.io/docs/specs/otel/logs/data-model/#severity-fields
var severityNumbers = map[Level]int{
	LevelDebug: 5,  // DEBUG
	LevelInfo:  9,  // INFO
	LevelWarn:  13, // WARN
	LevelError: 17, // ERROR
	LevelFatal: 21, // FATAL
}

// SeverityNumber returns the OTEL severity number for a level.
func SeverityNumber(level Level) int {
	return severityNumbers[level]
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := severityNumbers[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Logger provides JSON structured logging in OTEL-compatible format.
type Logger struct {
	mu       sync.Mutex
	output   io.Writer
	resource map[string]string
	minimum  atomic.Int32 // severity number below which entries are dropped
}

// LogEntry represents a single log entry in OTEL-compatible JSON format.
type LogEntry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

var defaultLogger = newLogger(os.Stdout)

func newLogger(w io.Writer) *Logger {
	l := &Logger{output: w}
	l.minimum.Store(int32(severityNumbers[LevelInfo]))
	return l
}

// SetOutput sets the output writer for the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
}

// SetResource sets the OTEL resource attributes (service.name, host.name, etc.)
// for the default logger. Should be called once at startup.
func SetResource(resource map[string]string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.resource = resource
}

// SetLevel sets the minimum level written by the default logger.
func SetLevel(level Level) {
	if n, ok := severityNumbers[level]; ok {
		defaultLogger.minimum.Store(int32(n))
	}
}

// Enabled reports whether entries at level are written. Callers building
// expensive attributes can check it first.
func Enabled(level Level) bool {
	return defaultLogger.enabled(level)
}

func (l *Logger) enabled(level Level) bool {
	return severityNumbers[level] >= int(l.minimum.Load())
}

// log writes a structured log entry in OTEL-compatible JSON format.
func (l *Logger) log(level Level, msg string, attrs map[string]interface{}) {
	logMessagesTotal.WithLabelValues(string(level)).Inc()
	if !l.enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		SeverityText:   string(level),
		SeverityNumber: severityNumbers[level],
		Body:           msg,
		Attributes:     attrs,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resource != nil {
		entry.Resource = l.resource
	}
	data, _ := json.Marshal(entry)
	data = append(data, '\n')
	_, _ = l.output.Write(data)
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug level message.
func Debug(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelDebug, msg, first(fields))
}

// Info logs an info level message.
func Info(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelInfo, msg, first(fields))
}

// Warn logs a warning level message.
func Warn(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelWarn, msg, first(fields))
}

// Error logs an error level message.
func Error(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelError, msg, first(fields))
}

// Fatal logs a fatal level message and exits.
func Fatal(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelFatal, msg, first(fields))
	os.Exit(1)
}

// F is a helper to create fields map.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})
	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}
