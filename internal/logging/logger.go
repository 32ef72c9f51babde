// Package logging provides structured JSON logging for SiteProof Core.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a config string to a LogLevel. Unrecognized values
// fall back to info.
func ParseLevel(s string) LogLevel {
	level := LogLevel(strings.ToUpper(s))
	if _, ok := levelRank[level]; !ok {
		return LevelInfo
	}
	return level
}

// Logger writes structured JSON log entries, one per line.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
}

var (
	global *Logger
	once   sync.Once
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = &Logger{out: out, minLevel: minLevel}
	})
}

// Get returns the global logger, initializing it to stdout/info if needed.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

// New creates a standalone logger. Used by tests that need to capture output.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{out: out, minLevel: minLevel}
}

// Entry is a single structured log entry.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (l *Logger) write(level LogLevel, message string, err error, context map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Context:   context,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("logging: failed to marshal entry: %v", jsonErr)
		return
	}

	fmt.Fprintln(l.out, string(data))
}

func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	switch len(context) {
	case 0:
		return nil
	case 1:
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.write(LevelDebug, message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.write(LevelInfo, message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.write(LevelWarn, message, nil, mergeContext(context...))
}

// Error logs an error message with an optional underlying error.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.write(LevelError, message, err, mergeContext(context...))
}

// Convenience functions using the global logger.

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
