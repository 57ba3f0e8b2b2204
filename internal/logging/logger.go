// Package logging provides a thin wrapper around log/slog with TRACE level support.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Custom log levels extending slog - re-export for convenience.
const (
	// LevelTrace is below DEBUG and used for per-message wire traffic.
	LevelTrace = slog.Level(-8)
	// LevelDebug re-exports slog.LevelDebug.
	LevelDebug = slog.LevelDebug
	// LevelInfo re-exports slog.LevelInfo.
	LevelInfo = slog.LevelInfo
	// LevelWarn re-exports slog.LevelWarn.
	LevelWarn = slog.LevelWarn
	// LevelError re-exports slog.LevelError.
	LevelError = slog.LevelError
)

// ParseLevel parses a string into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level slog.Level) string {
	switch {
	case level <= LevelTrace:
		return "TRACE"
	case level <= LevelDebug:
		return "DEBUG"
	case level <= LevelInfo:
		return "INFO"
	case level <= LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// Logger wraps slog.Logger with convenience methods including TRACE level.
type Logger struct {
	*slog.Logger
	level slog.Level
}

// cleanHandler implements slog.Handler with a simplified log format:
// "YYYY-MM-DD HH:MM:SS LEVEL message key=value key=value..."
// Attributes attached through WithAttrs are written before the record's own.
type cleanHandler struct {
	level slog.Level
	out   io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
}

// Enabled reports whether the handler handles records at the given level.
func (h *cleanHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats and writes the log record.
func (h *cleanHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: "2026-01-03 20:36:42 INFO Connected instance=east.local:8123"
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.DateOnly + " " + time.TimeOnly))
	sb.WriteString(" ")
	sb.WriteString(LevelString(r.Level))
	sb.WriteString(" ")
	sb.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&sb, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, a)
		return true
	})

	sb.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func writeAttr(sb *strings.Builder, a slog.Attr) {
	sb.WriteString(" ")
	sb.WriteString(a.Key)
	sb.WriteString("=")
	sb.WriteString(fmt.Sprintf("%v", a.Value.Any()))
}

// WithAttrs returns a new handler that prepends the given attributes to every record.
func (h *cleanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &cleanHandler{
		level: h.level,
		out:   h.out,
		mu:    h.mu,
		attrs: merged,
	}
}

// WithGroup returns the handler unchanged; groups are flattened.
func (h *cleanHandler) WithGroup(_ string) slog.Handler {
	return h
}

// New creates a new Logger with the specified level writing to stdout.
func New(level slog.Level) *Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter creates a new Logger with the specified level writing to out.
func NewWithWriter(level slog.Level, out io.Writer) *Logger {
	handler := &cleanHandler{
		level: level,
		out:   out,
		mu:    &sync.Mutex{},
	}
	return &Logger{
		Logger: slog.New(handler),
		level:  level,
	}
}

// Discard returns a Logger that drops everything. Useful for tests.
func Discard() *Logger {
	return NewWithWriter(LevelError+1, io.Discard)
}

// SetDefault sets the default slog logger.
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}

// With returns a Logger that adds the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// Trace logs at TRACE level (below DEBUG).
func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

// IsTraceEnabled returns true if TRACE level is enabled.
func (l *Logger) IsTraceEnabled() bool {
	return l.level <= LevelTrace
}

// IsDebugEnabled returns true if DEBUG level is enabled.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= LevelDebug
}

// Level returns the current log level.
func (l *Logger) Level() slog.Level {
	return l.level
}
