package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger provides leveled logging for relay components.
// All components of one process share a run-specific file in ~/.relay/logs/
// and optionally mirror their output to stderr.
//
// Debugf output is dropped unless debug logging was enabled with Configure.
type Logger struct {
	runID     string
	component string
	file      *os.File
	logger    *log.Logger
	mu        sync.Mutex
	logPath   string
	debug     bool
	closeOnce sync.Once
}

// Options controls where loggers created by NewLogger write.
type Options struct {
	// Dir overrides the log directory (default ~/.relay/logs).
	Dir string

	// Debug enables Debugf output.
	Debug bool

	// Stderr mirrors every line to stderr in addition to the log file.
	Stderr bool
}

var (
	// Global run ID for the current process
	runID     string
	runIDOnce sync.Once

	optsMu sync.RWMutex
	opts   = Options{Stderr: true}

	// logDir is the directory where log files are stored
	logDir  string
	dirOnce sync.Once
	dirErr  error
)

// Configure sets the options used by subsequently created loggers.
// It should be called once at startup, before NewLogger.
func Configure(o Options) {
	optsMu.Lock()
	defer optsMu.Unlock()
	opts = o
}

func currentOptions() Options {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts
}

// getRunID returns or creates the run ID for this process
func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// initLogDirectory ensures the log directory exists
func initLogDirectory(dir string) (string, error) {
	dirOnce.Do(func() {
		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				dirErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			dir = filepath.Join(homeDir, ".relay", "logs")
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			dirErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
		logDir = dir
	})
	return logDir, dirErr
}

// NewLogger creates a new logger for a specific component.
// The logger writes to <dir>/<run-id>-relay.log.
//
// If the log directory cannot be created or the log file cannot be opened,
// it returns a fallback logger that writes to stderr along with the error.
// Callers can check the error to detect fallback mode.
func NewLogger(component string) (*Logger, error) {
	o := currentOptions()
	dir, err := initLogDirectory(o.Dir)
	if err != nil {
		return newFallbackLogger(component, o, err), err
	}

	id := getRunID()
	logPath := filepath.Join(dir, fmt.Sprintf("%s-relay.log", id))

	// Open log file in append mode (multiple components write to the same file)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return newFallbackLogger(component, o, fmt.Errorf("failed to open log file: %w", err)), err
	}

	var w io.Writer = file
	if o.Stderr {
		w = io.MultiWriter(file, os.Stderr)
	}

	return &Logger{
		runID:     id,
		component: component,
		file:      file,
		logger:    log.New(w, "", 0), // timestamps are formatted per entry
		logPath:   logPath,
		debug:     o.Debug,
	}, nil
}

// MustLogger is NewLogger for callers that are content with the stderr fallback.
func MustLogger(component string) *Logger {
	l, _ := NewLogger(component)
	return l
}

// NewWriterLogger creates a logger that writes to w. Useful for tests and for
// embedding relay components in another process.
func NewWriterLogger(component string, w io.Writer, debug bool) *Logger {
	return &Logger{
		runID:     getRunID(),
		component: component,
		logger:    log.New(w, "", 0),
		debug:     debug,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewWriterLogger("nop", io.Discard, false)
}

// newFallbackLogger creates a logger that writes to stderr when file logging fails
func newFallbackLogger(component string, o Options, err error) *Logger {
	logger := log.New(os.Stderr, "", 0)
	l := &Logger{
		runID:     getRunID(),
		component: component,
		logger:    logger,
		debug:     o.Debug,
	}
	l.Warnf("failed to initialize file logging: %v; falling back to stderr", err)
	return l
}

// With returns a logger for a sub-component sharing the same output.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		runID:     l.runID,
		component: l.component + "/" + component,
		logger:    l.logger,
		logPath:   l.logPath,
		debug:     l.debug,
	}
}

// formatLogEntry creates a log entry with timestamp, component, and level
func (l *Logger) formatLogEntry(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) write(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	message := fmt.Sprintf(format, v...)
	l.logger.Println(l.formatLogEntry(level, message))
}

// Debugf logs a debug-level message when debug logging is enabled
func (l *Logger) Debugf(format string, v ...interface{}) {
	if !l.debug {
		return
	}
	l.write("DEBUG", format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write("INFO", format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write("WARN", format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write("ERROR", format, v...)
}

// DebugEnabled reports whether Debugf produces output.
func (l *Logger) DebugEnabled() bool {
	return l.debug
}

// RunID returns the current process run ID
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}
