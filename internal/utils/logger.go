package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger provides leveled logging with verbose mode support.
// Lines always go to stderr; when a mirror is attached (taskly serve) they are
// also appended to the mirror's log file.
type Logger struct {
	verbose bool
	mirror  *BackgroundLogger
	mu      sync.RWMutex
}

var (
	loggerInstance *Logger
	once           sync.Once
)

// GetLogger returns the singleton logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		loggerInstance = &Logger{
			verbose: false,
		}
	})
	return loggerInstance
}

// SetVerboseMode sets the verbose mode globally.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// SetVerbose sets the verbose mode for this logger instance.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// IsVerbose returns whether verbose mode is enabled.
func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

// SetMirror attaches a background logger that receives a copy of every line.
// Pass nil to detach.
func (l *Logger) SetMirror(bl *BackgroundLogger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = bl
}

// formatMessage formats a message with optional printf-style arguments.
func formatMessage(msgOrFormat string, args ...interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(msgOrFormat, args...)
	}
	return msgOrFormat
}

func (l *Logger) emit(level, msg string) {
	line := fmt.Sprintf("[%s] %s", level, msg)
	if level == "DEBUG" {
		line = time.Now().Format("15:04:05") + " " + line
	}
	fmt.Fprintln(os.Stderr, line)

	l.mu.RLock()
	mirror := l.mirror
	l.mu.RUnlock()
	if mirror != nil {
		mirror.Println(line)
	}
}

// Debug logs a debug message (only shown when verbose=true).
func (l *Logger) Debug(msgOrFormat string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.emit("DEBUG", formatMessage(msgOrFormat, args...))
}

// Info logs an info message (always shown).
func (l *Logger) Info(msgOrFormat string, args ...interface{}) {
	l.emit("INFO", formatMessage(msgOrFormat, args...))
}

// Warn logs a warning message (always shown).
func (l *Logger) Warn(msgOrFormat string, args ...interface{}) {
	l.emit("WARN", formatMessage(msgOrFormat, args...))
}

// Error logs an error message (always shown).
func (l *Logger) Error(msgOrFormat string, args ...interface{}) {
	l.emit("ERROR", formatMessage(msgOrFormat, args...))
}

// Debugf logs a debug message using the global logger.
func Debugf(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// Infof logs an info message using the global logger.
func Infof(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// Warnf logs a warning message using the global logger.
func Warnf(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// Errorf logs an error message using the global logger.
func Errorf(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

// Scope is a component logger that prefixes every line with a tag such as "[worker]".
// It writes through the global logger so verbose mode and mirroring apply.
type Scope struct {
	prefix string
}

// Scoped returns a Scope for the named component.
func Scoped(component string) Scope {
	return Scope{prefix: "[" + strings.TrimSpace(component) + "] "}
}

func (s Scope) Debugf(format string, args ...interface{}) {
	GetLogger().Debug(s.prefix + formatMessage(format, args...))
}

func (s Scope) Infof(format string, args ...interface{}) {
	GetLogger().Info(s.prefix + formatMessage(format, args...))
}

func (s Scope) Warnf(format string, args ...interface{}) {
	GetLogger().Warn(s.prefix + formatMessage(format, args...))
}

func (s Scope) Errorf(format string, args ...interface{}) {
	GetLogger().Error(s.prefix + formatMessage(format, args...))
}

// BackgroundLogger writes log lines for long-running processes (taskly serve) to a file.
type BackgroundLogger struct {
	mu       sync.Mutex
	logger   *log.Logger
	logFile  *os.File
	enabled  bool
	filePath string
}

// NewBackgroundLoggerWithEnabled creates a background logger with explicit enabled control.
// Pass config.IsBackgroundLoggingEnabled() to honor logging.background_enabled.
func NewBackgroundLoggerWithEnabled(enabled bool) (*BackgroundLogger, error) {
	if !enabled {
		return &BackgroundLogger{
			logger:  log.New(io.Discard, "", log.LstdFlags),
			enabled: false,
		}, nil
	}

	logPath := fmt.Sprintf("%s/taskly-serve-%d.log", os.TempDir(), os.Getpid())
	return NewBackgroundLoggerWithPath(logPath)
}

// NewBackgroundLoggerWithPath creates a background logger writing to path.
// When the file cannot be opened the logger degrades to io.Discard and the error is returned.
func NewBackgroundLoggerWithPath(path string) (*BackgroundLogger, error) {
	bl := &BackgroundLogger{
		filePath: path,
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		bl.logger = log.New(io.Discard, "", log.LstdFlags)
		bl.enabled = false
		return bl, err
	}

	bl.logFile = file
	bl.logger = log.New(file, "", log.LstdFlags)
	bl.enabled = true
	return bl, nil
}

// Printf logs a formatted message.
func (bl *BackgroundLogger) Printf(format string, args ...interface{}) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.logger != nil {
		bl.logger.Printf(format, args...)
	}
}

// Println logs a message with a newline.
func (bl *BackgroundLogger) Println(args ...interface{}) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.logger != nil {
		bl.logger.Println(args...)
	}
}

// Close closes the log file. Later writes are discarded.
func (bl *BackgroundLogger) Close() {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.logFile != nil {
		_ = bl.logFile.Close()
		bl.logFile = nil
	}
	bl.logger = log.New(io.Discard, "", log.LstdFlags)
	bl.enabled = false
}

// GetLogPath returns the log file path.
func (bl *BackgroundLogger) GetLogPath() string {
	return bl.filePath
}

// IsEnabled returns whether background logging is enabled.
func (bl *BackgroundLogger) IsEnabled() bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.enabled
}
