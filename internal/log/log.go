// Package log provides the leveled console logger used by the mcachefs
// daemon and CLI.
//
// Warnings and errors go to stderr, everything else to stdout. Daemon
// output carries a [mcachefs] prefix so it can be told apart from the
// output of the process that mounted the filesystem.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// LogLevel controls the verbosity of log output.
type LogLevel int

const (
	// LevelDebug is the most verbose level.
	LevelDebug LogLevel = iota
	// LevelInfo is the default level.
	LevelInfo
	// LevelWarn shows only warnings and errors.
	LevelWarn
	// LevelError shows only errors.
	LevelError
	// LevelSilent suppresses all output.
	LevelSilent
)

var levelNames = map[string]LogLevel{
	"debug":  LevelDebug,
	"info":   LevelInfo,
	"warn":   LevelWarn,
	"error":  LevelError,
	"silent": LevelSilent,
}

// ParseLevel maps a level name (debug, info, warn, error, silent) to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

type config struct {
	mu     sync.RWMutex
	level  LogLevel
	prefix bool
	out    io.Writer
	errOut io.Writer
}

var cfg = &config{
	level:  LevelInfo,
	out:    os.Stdout,
	errOut: os.Stderr,
}

var (
	dimStyle    = lipgloss.NewStyle().Faint(true)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// SetLevel sets the minimum log level. Messages below this level are suppressed.
func SetLevel(level LogLevel) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	cfg.level = level
}

// GetLevel returns the current log level.
func GetLevel() LogLevel {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.level
}

// SetPrefix enables or disables the [mcachefs] prefix on all messages.
func SetPrefix(enabled bool) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	cfg.prefix = enabled
}

// SetOutput redirects normal and error output. A nil writer keeps the
// current destination.
func SetOutput(out, errOut io.Writer) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if out != nil {
		cfg.out = out
	}
	if errOut != nil {
		cfg.errOut = errOut
	}
}

func canOutput(level LogLevel) bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.level <= level && cfg.level != LevelSilent
}

func formatMessage(message string) string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	if cfg.prefix {
		return "[mcachefs] " + message
	}
	return message
}

func writers() (io.Writer, io.Writer) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.out, cfg.errOut
}

func emit(level LogLevel, toErr bool, style *lipgloss.Style, message string) {
	if !canOutput(level) {
		return
	}
	out, errOut := writers()
	w := out
	if toErr {
		w = errOut
	}
	line := formatMessage(message)
	if style != nil {
		line = style.Render(line)
	}
	fmt.Fprintln(w, line)
}

// Debug outputs a debug-level message (dim styling).
func Debug(message string) { emit(LevelDebug, false, &dimStyle, message) }

// Debugf outputs a formatted debug-level message.
func Debugf(format string, args ...any) {
	if canOutput(LevelDebug) {
		Debug(fmt.Sprintf(format, args...))
	}
}

// Info outputs an info-level message (no styling).
func Info(message string) { emit(LevelInfo, false, nil, message) }

// Infof outputs a formatted info-level message.
func Infof(format string, args ...any) {
	if canOutput(LevelInfo) {
		Info(fmt.Sprintf(format, args...))
	}
}

// Warn outputs a warning message (yellow, to stderr).
func Warn(message string) { emit(LevelWarn, true, &yellowStyle, message) }

// Warnf outputs a formatted warning message.
func Warnf(format string, args ...any) {
	if canOutput(LevelWarn) {
		Warn(fmt.Sprintf(format, args...))
	}
}

// Error outputs an error message (red, to stderr).
func Error(message string) { emit(LevelError, true, &redStyle, message) }

// Errorf outputs a formatted error message.
func Errorf(format string, args ...any) {
	if canOutput(LevelError) {
		Error(fmt.Sprintf(format, args...))
	}
}

// Success outputs a success message (green, info level).
func Success(message string) { emit(LevelInfo, false, &greenStyle, message) }

// Dim outputs a subtle message (info level).
func Dim(message string) { emit(LevelInfo, false, &dimStyle, message) }

// Bold outputs an emphasized message (info level).
func Bold(message string) { emit(LevelInfo, false, &boldStyle, message) }

// Raw outputs a message without any styling or prefix.
func Raw(message string) {
	if canOutput(LevelInfo) {
		out, _ := writers()
		fmt.Fprintln(out, message)
	}
}
