// Package ffshare holds the pieces shared by fleetframe's worker, proxy, and
// controller roles: leveled logging, the shutdown lifecycle helper, the
// connection/scheduler/proxy-pair dispatch engine, and the wire codec.
package ffshare

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel selects how much output a Logger lets through. Messages at a
// level numerically above the logger's configured level are dropped.
type LogLevel int

const (
	// LogLevelUnknown is the zero value; its behavior is undefined.
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic logs an error message and then panics.
	LogLevelPanic

	// LogLevelFatal logs an error message and then calls os.Exit(1).
	LogLevelFatal

	// LogLevelError is for unexpected errors.
	LogLevelError

	// LogLevelWarning is for conditions worth noting but survivable: a
	// worker reporting a failed copy, a rejected password, a requeued frame.
	LogLevelWarning

	// LogLevelInfo is for normal progress: workers joining, frames running.
	LogLevelInfo

	// LogLevelDebug is for connection lifecycle detail.
	LogLevelDebug

	// LogLevelTrace is for per-state spew, e.g. every idle transition.
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

// StringToLogLevel maps a level name ("debug", "trace", ...) to its
// LogLevel, returning LogLevelUnknown for anything unrecognized.
func StringToLogLevel(s string) LogLevel {
	for i, name := range logLevelNames {
		if strings.EqualFold(s, name) {
			return LogLevel(i)
		}
	}
	return LogLevelUnknown
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// Logger is the leveled, prefix-forking logging interface every fleetframe
// component logs through. The single-letter method prefixes follow the
// level initials: E=error, W=warning, I=info, D=debug, T=trace.
type Logger interface {
	// ELog/ELogf log at error level.
	ELog(args ...interface{})
	ELogf(f string, args ...interface{})

	// WLog/WLogf log at warning level.
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})

	// ILog/ILogf log at info level.
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})

	// DLog/DLogf log at debug level.
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})

	// TLog/TLogf log at trace level.
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	// Error and Errorf build an error that carries this logger's prefix,
	// without logging it; the caller decides whether it's worth reporting.
	Error(args ...interface{}) error
	Errorf(f string, args ...interface{}) error

	// Panic and Panicf log at panic level and then panic.
	Panic(args ...interface{})
	Panicf(f string, args ...interface{})

	// Fatal and Fatalf log at fatal level and then os.Exit(1).
	Fatal(args ...interface{})
	Fatalf(f string, args ...interface{})

	// Fork creates a child Logger that appends a formatted component name
	// to this logger's prefix, e.g. Fork("conn%d", 3) on a "controller"
	// logger yields prefix "controller.conn3".
	Fork(prefix string, args ...interface{}) Logger

	// Prefix returns this logger's accumulated prefix.
	Prefix() string

	// GetLogLevel returns the level this logger is configured to pass.
	GetLogLevel() LogLevel
}

// BasicLogger is the stock Logger implementation: a prefix and level filter
// in front of a shared stdlib log.Logger sink.
type BasicLogger struct {
	sink     *log.Logger
	prefix   string
	logLevel LogLevel
}

// NewLogger creates a Logger with the given prefix and level, writing to
// standard error with date/time stamps.
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return &BasicLogger{
		sink:     log.New(os.Stderr, "", log.Ldate|log.Ltime),
		prefix:   prefix,
		logLevel: logLevel,
	}
}

func (l *BasicLogger) emit(level LogLevel, msg string) {
	if level <= l.logLevel || level <= LogLevelFatal {
		if l.prefix != "" {
			msg = l.prefix + ": " + msg
		}
		l.sink.Print("[" + level.String() + "] " + msg)
	}
}

func (l *BasicLogger) log(level LogLevel, args ...interface{}) {
	l.emit(level, fmt.Sprint(args...))
}

func (l *BasicLogger) logf(level LogLevel, f string, args ...interface{}) {
	l.emit(level, fmt.Sprintf(f, args...))
}

// ELog logs at error level.
func (l *BasicLogger) ELog(args ...interface{}) { l.log(LogLevelError, args...) }

// ELogf logs at error level.
func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.logf(LogLevelError, f, args...) }

// WLog logs at warning level.
func (l *BasicLogger) WLog(args ...interface{}) { l.log(LogLevelWarning, args...) }

// WLogf logs at warning level.
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.logf(LogLevelWarning, f, args...) }

// ILog logs at info level.
func (l *BasicLogger) ILog(args ...interface{}) { l.log(LogLevelInfo, args...) }

// ILogf logs at info level.
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.logf(LogLevelInfo, f, args...) }

// DLog logs at debug level.
func (l *BasicLogger) DLog(args ...interface{}) { l.log(LogLevelDebug, args...) }

// DLogf logs at debug level.
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.logf(LogLevelDebug, f, args...) }

// TLog logs at trace level.
func (l *BasicLogger) TLog(args ...interface{}) { l.log(LogLevelTrace, args...) }

// TLogf logs at trace level.
func (l *BasicLogger) TLogf(f string, args ...interface{}) { l.logf(LogLevelTrace, f, args...) }

// Error returns an error carrying this logger's prefix.
func (l *BasicLogger) Error(args ...interface{}) error {
	return l.Errorf("%s", fmt.Sprint(args...))
}

// Errorf returns an error carrying this logger's prefix.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	msg := fmt.Sprintf(f, args...)
	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}
	return fmt.Errorf("%s", msg)
}

// Panic logs at panic level and panics.
func (l *BasicLogger) Panic(args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.emit(LogLevelPanic, msg)
	panic(l.prefix + ": " + msg)
}

// Panicf logs at panic level and panics.
func (l *BasicLogger) Panicf(f string, args ...interface{}) {
	l.Panic(fmt.Sprintf(f, args...))
}

// Fatal logs at fatal level and exits with status 1.
func (l *BasicLogger) Fatal(args ...interface{}) {
	l.emit(LogLevelFatal, fmt.Sprint(args...))
	os.Exit(1)
}

// Fatalf logs at fatal level and exits with status 1.
func (l *BasicLogger) Fatalf(f string, args ...interface{}) {
	l.Fatal(fmt.Sprintf(f, args...))
}

// Fork creates a child Logger whose prefix extends this one's.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	child := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		child = l.prefix + "." + child
	}
	return &BasicLogger{sink: l.sink, prefix: child, logLevel: l.logLevel}
}

// Prefix returns this logger's accumulated prefix.
func (l *BasicLogger) Prefix() string { return l.prefix }

// GetLogLevel returns the level this logger passes.
func (l *BasicLogger) GetLogLevel() LogLevel { return l.logLevel }
