// Package logger provides the process-wide leveled logger.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Level is the logging level.
type Level int32

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

var (
	out     atomic.Pointer[log.Logger]
	level   atomic.Int32
	enabled atomic.Bool
)

// Init configures the global logger. File and console outputs may be
// combined; with neither, console is used.
func Init(on bool, levelStr, logFile string, console bool) error {
	enabled.Store(on)
	if !on {
		return nil
	}

	SetLevel(ParseLevel(levelStr))

	var writers []io.Writer
	if logFile != "" {
		dir := filepath.Dir(logFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}
	if console || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	out.Store(log.New(io.MultiWriter(writers...), "", 0))
	return nil
}

// SetLevel changes the level at runtime.
func SetLevel(l Level) {
	level.Store(int32(l))
}

func emit(component string, l Level, format string, args ...interface{}) {
	if !enabled.Load() || Level(level.Load()) > l {
		return
	}
	sink := out.Load()
	if sink == nil {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)
	if component != "" {
		sink.Printf("[%s] [%s] %s: %s", ts, l, component, msg)
		return
	}
	sink.Printf("[%s] [%s] %s", ts, l, msg)
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) { emit("", Debug, format, args...) }

// Infof logs an info message.
func Infof(format string, args ...interface{}) { emit("", Info, format, args...) }

// Warnf logs a warning.
func Warnf(format string, args ...interface{}) { emit("", Warn, format, args...) }

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) { emit("", Error, format, args...) }

// Component is a named logger that prefixes messages with a subsystem
// name (for example "engine" or "emitter").
type Component struct {
	name string
}

// WithComponent returns a named logger.
func WithComponent(name string) Component {
	return Component{name: name}
}

// Debugf logs a debug message with the component prefix.
func (c Component) Debugf(format string, args ...interface{}) { emit(c.name, Debug, format, args...) }

// Infof logs an info message with the component prefix.
func (c Component) Infof(format string, args ...interface{}) { emit(c.name, Info, format, args...) }

// Warnf logs a warning with the component prefix.
func (c Component) Warnf(format string, args ...interface{}) { emit(c.name, Warn, format, args...) }

// Errorf logs an error with the component prefix.
func (c Component) Errorf(format string, args ...interface{}) { emit(c.name, Error, format, args...) }
