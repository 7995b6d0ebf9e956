// Package logctx is the ambient logging shim every core package calls
// through, mirroring muduo's base/Logging.h: cheap leveled calls that
// funnel into a single configurable sink. Before a sink is installed
// (typically an *asynclog.Logger wrapped in an adapter by the
// application), output falls back to the standard library logger so
// that early-startup fatal conditions are never silently lost.
package logctx

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level mirrors muduo's Logger::LogLevel ordering.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Sink receives a fully formatted log line. Implementations must not
// block the caller for long: the reactor's own loop thread may be the
// caller.
type Sink interface {
	Append(line string)
}

type stderrSink struct{}

func (stderrSink) Append(line string) { log.Print(line) }

var sink atomic.Value // Sink

func init() {
	sink.Store(Sink(stderrSink{}))
}

// SetSink installs the active log sink, typically an adapter over an
// *asynclog.Logger. Safe to call from any goroutine; takes effect for
// subsequent log calls.
func SetSink(s Sink) {
	if s == nil {
		s = stderrSink{}
	}
	sink.Store(s)
}

var minLevel atomic.Int32

// SetLevel sets the minimum level that is actually dispatched to the
// sink; calls below it are dropped before formatting to keep hot-path
// Tracef/Debugf calls cheap when disabled.
func SetLevel(l Level) { minLevel.Store(int32(l)) }

func enabled(l Level) bool { return int32(l) >= minLevel.Load() }

func dispatch(l Level, format string, args ...any) {
	if !enabled(l) {
		return
	}
	s, _ := sink.Load().(Sink)
	if s == nil {
		s = stderrSink{}
	}
	s.Append(fmt.Sprintf("[%s] "+format, append([]any{l.String()}, args...)...))
}

func Tracef(format string, args ...any) { dispatch(Trace, format, args...) }
func Debugf(format string, args ...any) { dispatch(Debug, format, args...) }
func Infof(format string, args ...any)  { dispatch(Info, format, args...) }
func Warnf(format string, args ...any)  { dispatch(Warn, format, args...) }
func Errorf(format string, args ...any) { dispatch(Error, format, args...) }

// Fatalf logs at Fatal level unconditionally (bypassing SetLevel) and
// terminates the process, mirroring muduo's LOG_FATAL aborting on
// unrecoverable contract violations and fatal startup errors (spec.md
// §7 kinds 1 and 6): failure to create the wakeup/timer/listen
// descriptor, or invoking a loop-only operation off its owning thread.
func Fatalf(format string, args ...any) {
	s, _ := sink.Load().(Sink)
	if s == nil {
		s = stderrSink{}
	}
	s.Append(fmt.Sprintf("[FATAL] "+format, args...))
	os.Exit(1)
}
