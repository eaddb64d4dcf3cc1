// Package logging provides the leveled logging system used across Relay.
// It supports component prefixes, colored terminal output, and an optional
// file sink for persistent troubleshooting.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LOG LEVELS
// ═══════════════════════════════════════════════════════════════════════════════

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Color returns the ANSI color code for each level.
func (l Level) Color() string {
	switch l {
	case LevelDebug:
		return "\033[36m"
	case LevelInfo:
		return "\033[32m"
	case LevelWarn:
		return "\033[33m"
	case LevelError:
		return "\033[31m"
	case LevelFatal:
		return "\033[35m"
	default:
		return "\033[0m"
	}
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGER
// ═══════════════════════════════════════════════════════════════════════════════

// Logger is the main logging instance for Relay.
type Logger struct {
	mu        sync.Mutex
	level     Level
	output    io.Writer
	file      *os.File
	colored   bool
	showTime  bool
	component string
}

// Config configures the logger behavior.
type Config struct {
	Level    Level  // Minimum level to log
	FilePath string // Optional file path for persistent logs
	Colored  bool   // Enable colored output
	ShowTime bool   // Show timestamp
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:    LevelInfo,
		Colored:  true,
		ShowTime: true,
	}
}

// New creates a new Logger instance.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		level:    cfg.Level,
		output:   os.Stderr,
		colored:  cfg.Colored,
		showTime: cfg.ShowTime,
	}

	if cfg.FilePath != "" {
		if err := l.SetFileOutput(cfg.FilePath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file: %v\n", err)
		}
	}

	return l
}

// SetFileOutput adds a file sink alongside stderr output.
func (l *Logger) SetFileOutput(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	return nil
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// WithComponent returns a child logger whose messages carry a component tag.
// The child shares the parent's sinks.
func (l *Logger) WithComponent(name string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		level:     l.level,
		output:    l.output,
		file:      l.file,
		colored:   l.colored,
		showTime:  l.showTime,
		component: name,
	}
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)

	var prefix string
	if l.showTime {
		prefix = time.Now().Format("15:04:05.000") + " "
	}
	tag := level.String()
	comp := ""
	if l.component != "" {
		comp = "[" + l.component + "] "
	}

	if l.colored {
		fmt.Fprintf(l.output, "%s%s%-5s\033[0m %s%s\n", prefix, level.Color(), tag, comp, msg)
	} else {
		fmt.Fprintf(l.output, "%s%-5s %s%s\n", prefix, tag, comp, msg)
	}

	if l.file != nil {
		fmt.Fprintf(l.file, "%s %-5s %s%s\n", time.Now().Format(time.RFC3339Nano), tag, comp, msg)
	}

	if level == LevelFatal {
		os.Exit(1)
	}
}

// Debug logs detailed debugging information.
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Info logs general operational information.
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warn logs warning conditions.
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs error conditions.
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Fatal logs a fatal error and exits.
func (l *Logger) Fatal(format string, args ...interface{}) { l.log(LevelFatal, format, args...) }

// ═══════════════════════════════════════════════════════════════════════════════
// GLOBAL LOGGER
// ═══════════════════════════════════════════════════════════════════════════════

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Global returns the process-wide logger, creating a default one on first use.
func Global() *Logger {
	globalMu.RLock()
	if globalLogger != nil {
		defer globalMu.RUnlock()
		return globalLogger
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = New(DefaultConfig())
	}
	return globalLogger
}

// SetGlobal replaces the process-wide logger. Call once at startup.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}
