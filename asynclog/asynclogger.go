package asynclog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// defaultDropThreshold and defaultRetainAfterDrop are spec.md §6's
// documented overload-policy defaults, mirroring muduo's hard-coded
// 25/2.
const (
	defaultDropThreshold   = 25
	defaultRetainAfterDrop = 2
)

// Options configures a Logger.
type Options struct {
	// Basename is passed through to the underlying LogFile.
	Basename string
	// RollSize rolls the log file once it exceeds this many bytes.
	RollSize int64
	// FlushInterval bounds how long a partially-filled buffer can sit
	// before the back end flushes it anyway.
	FlushInterval time.Duration
	// DropThreshold is how many filled buffers may queue before the
	// back end drops all but the oldest RetainAfterDrop of them
	// (spec.md §6 default 25).
	DropThreshold int
	// RetainAfterDrop is how many buffers survive a drop (default 2).
	RetainAfterDrop int
}

func (o Options) withDefaults() Options {
	if o.FlushInterval == 0 {
		o.FlushInterval = 3 * time.Second
	}
	if o.DropThreshold == 0 {
		o.DropThreshold = defaultDropThreshold
	}
	if o.RetainAfterDrop == 0 {
		o.RetainAfterDrop = defaultRetainAfterDrop
	}
	return o
}

// Logger is the async logging front end/back end pair, grounded on
// muduo's AsyncLogging: producers call Append from any goroutine
// without ever touching disk; a single background goroutine owns the
// LogFile and drains filled buffers. The condition-variable wait in
// the original's threadFunc becomes a select over a notify channel
// and a flush-interval timer, the idiomatic Go substitute.
type Logger struct {
	opts Options

	mu      sync.Mutex
	current *logBuffer
	next    *logBuffer
	buffers []*logBuffer

	notify chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewLogger constructs a Logger. Call Start to begin the background
// writer goroutine.
func NewLogger(opts Options) *Logger {
	opts = opts.withDefaults()
	return &Logger{
		opts:    opts,
		current: newLogBuffer(),
		next:    newLogBuffer(),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the background writer goroutine and blocks until it
// has opened its first log file, mirroring muduo's CountDownLatch
// start-up handshake.
func (l *Logger) Start() error {
	ready := make(chan error, 1)
	go l.threadFunc(ready)
	return <-ready
}

// Stop signals the background goroutine to flush and exit, and waits
// for it to finish.
func (l *Logger) Stop() {
	close(l.stopCh)
	<-l.done
}

// Append is the front-end entry point: cheap, mutex-protected, never
// touches disk. Safe to call from any goroutine, including a reactor
// loop's own goroutine.
func (l *Logger) Append(line []byte) {
	l.mu.Lock()
	full := false
	if l.current.available() > len(line) {
		l.current.append(line)
	} else {
		l.buffers = append(l.buffers, l.current)
		if l.next != nil {
			l.current = l.next
			l.next = nil
		} else {
			// Rarely happens: the front end outran both spares.
			l.current = newLogBuffer()
		}
		l.current.append(line)
		full = true
	}
	l.mu.Unlock()

	if full {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}

func (l *Logger) threadFunc(ready chan<- error) {
	defer close(l.done)

	file, err := NewLogFile(l.opts.Basename, LogFileOptions{
		RollSize:      l.opts.RollSize,
		FlushInterval: l.opts.FlushInterval,
		ThreadSafe:    false,
	})
	if err != nil {
		ready <- err
		return
	}
	ready <- nil

	spare1 := newLogBuffer()
	spare2 := newLogBuffer()

	for {
		stopping := false
		select {
		case <-l.notify:
		case <-time.After(l.opts.FlushInterval):
		case <-l.stopCh:
			stopping = true
		}

		spare1, spare2 = l.drainOnce(file, spare1, spare2)

		if stopping {
			return
		}
	}
}

// drainOnce runs one back-end cycle: move the front end's current
// buffer into the filled list, promote spare1 to current, apply the
// drop-on-overload policy, write every surviving buffer to file, flush,
// and return the two buffers reclaimed as the next cycle's spares
// (allocating fresh ones if fewer than two survived). Split out of
// threadFunc so the overload policy can be exercised deterministically
// without racing the real timer/notify channel.
func (l *Logger) drainOnce(file *LogFile, spare1, spare2 *logBuffer) (*logBuffer, *logBuffer) {
	l.mu.Lock()
	l.buffers = append(l.buffers, l.current)
	l.current = spare1
	toWrite := l.buffers
	l.buffers = nil
	if l.next == nil {
		l.next = spare2
	}
	l.mu.Unlock()

	if len(toWrite) > l.opts.DropThreshold {
		dropped := len(toWrite) - l.opts.RetainAfterDrop
		msg := []byte(fmt.Sprintf(
			"Dropped log messages at %s, %d larger buffers\n",
			time.Now().UTC().Format(time.RFC3339), dropped))
		fmt.Fprint(os.Stderr, string(msg))
		_ = file.Append(msg)
		toWrite = toWrite[:l.opts.RetainAfterDrop]
	}

	for _, b := range toWrite {
		_ = file.Append(b.bytes())
	}

	if len(toWrite) > 2 {
		toWrite = toWrite[:2]
	}

	spare1, spare2 = nil, nil
	for _, b := range toWrite {
		b.reset()
		switch {
		case spare1 == nil:
			spare1 = b
		case spare2 == nil:
			spare2 = b
		}
	}
	if spare1 == nil {
		spare1 = newLogBuffer()
	}
	if spare2 == nil {
		spare2 = newLogBuffer()
	}

	_ = file.Flush()
	return spare1, spare2
}
