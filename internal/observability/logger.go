// Package observability defines shared logging and metrics primitives.
package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewStdLogger returns a Logger writing level-prefixed lines to stderr.
func NewStdLogger(prefix string) Logger {
	return &stdLogger{out: log.New(os.Stderr, prefix, log.LstdFlags|log.Lmsgprefix)}
}

type stdLogger struct {
	out *log.Logger
}

func (l *stdLogger) Debug(msg string, fields ...Field) { l.emit("DEBUG", msg, fields) }
func (l *stdLogger) Info(msg string, fields ...Field)  { l.emit("INFO", msg, fields) }
func (l *stdLogger) Error(msg string, fields ...Field) { l.emit("ERROR", msg, fields) }

func (l *stdLogger) emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.out.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.out.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
