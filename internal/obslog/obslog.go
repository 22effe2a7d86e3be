// Package obslog is the event store's leveled logging sink. It
// generalizes the teacher's raftengine test nopLogger interface
// (Debug/Info/Warning/Error/Fatal, each with an f-suffixed variant) from
// a no-op test double into a real logger backed by the standard
// library's log package, so components that accept that interface get
// actual leveled output at runtime instead of silence.
package obslog

import (
	"fmt"
	"log"
	"os"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger matches the teacher's nopLogger shape: Debug/Info/Warning/Error
// each with a printf-style variant, plus Fatal.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warning(args ...any)
	Warningf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
}

// StdLogger writes leveled, component-prefixed lines through the
// standard library's *log.Logger.
type StdLogger struct {
	component string
	level     Level
	out       *log.Logger
}

// New builds a StdLogger writing to os.Stderr, filtering below minLevel.
func New(component string, minLevel Level) *StdLogger {
	return &StdLogger{component: component, level: minLevel, out: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

// WithComponent returns a logger tagged with a different component name
// at the same level and output.
func (l *StdLogger) WithComponent(component string) *StdLogger {
	return &StdLogger{component: component, level: l.level, out: l.out}
}

func (l *StdLogger) log(level Level, msg string) {
	if level < l.level {
		return
	}
	l.out.Printf("[%s] %s: %s", level, l.component, msg)
}

func (l *StdLogger) Debug(args ...any)                 { l.log(LevelDebug, fmt.Sprint(args...)) }
func (l *StdLogger) Debugf(format string, args ...any) { l.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *StdLogger) Info(args ...any)                  { l.log(LevelInfo, fmt.Sprint(args...)) }
func (l *StdLogger) Infof(format string, args ...any)  { l.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *StdLogger) Warning(args ...any)               { l.log(LevelWarning, fmt.Sprint(args...)) }
func (l *StdLogger) Warningf(format string, args ...any) {
	l.log(LevelWarning, fmt.Sprintf(format, args...))
}
func (l *StdLogger) Error(args ...any)                 { l.log(LevelError, fmt.Sprint(args...)) }
func (l *StdLogger) Errorf(format string, args ...any) { l.log(LevelError, fmt.Sprintf(format, args...)) }
func (l *StdLogger) Fatal(args ...any) {
	l.out.Fatal(append([]any{fmt.Sprintf("[FATAL] %s: ", l.component)}, args...)...)
}

// ParseLevel parses a config-file level name, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warning", "warn":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
