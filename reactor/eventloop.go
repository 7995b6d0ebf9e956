package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loopwire/loopwire/internal/logctx"
)

// idlePollTimeout is the default timeout passed to the poller when no
// timer is pending sooner, per spec.md §4.4 ("poll with a default idle
// timeout (≈ 10s)").
const idlePollTimeout = 10 * time.Second

// EventLoop is a per-goroutine reactor: it owns a Poller, a timer
// queue, a wakeup descriptor, and a mutex-protected queue of
// cross-thread closures, and multiplexes all of that from whichever
// goroutine calls Loop() (spec.md §4.4).
type EventLoop struct {
	poller Poller
	timers *timerQueue

	wakeupR int
	wakeupW int
	wakeupCh *Channel

	looping atomic.Bool
	quit    atomic.Bool

	// inCallback is true for the entire span of one iteration's
	// dispatch — channel handling, timer expiry, pending functors —
	// and false while blocked in Poll. Go goroutines have no exposed
	// thread/goroutine id to compare against the way muduo compares
	// CurrentThread::tid(), but Loop() occupies its goroutine for its
	// whole lifetime: the only way code can be running on the loop's
	// own goroutine at all is from inside a callback Loop() itself
	// invoked synchronously, which is exactly the span this flag
	// covers. That makes it an exact (not approximate) substitute for
	// thread-identity comparison here.
	inCallback atomic.Bool

	iteration int64

	pendingMu        sync.Mutex
	pending          []func()
	executingPending atomic.Bool

	activeChannels []*Channel

	context any
}

// NewEventLoop constructs a loop, its poller, timer queue, and wakeup
// descriptor. Per spec.md §4.4 "Failure", failure to create the wakeup
// descriptor is fatal — there is no way to safely operate without it
// since it is how every other goroutine gets cross-thread work
// delivered.
func NewEventLoop() *EventLoop {
	poller, err := newOSPoller()
	if err != nil {
		logctx.Fatalf("reactor: failed to create poller: %v", err)
	}
	r, w, err := newWakeupPipe()
	if err != nil {
		logctx.Fatalf("reactor: failed to create wakeup descriptor: %v", err)
	}
	loop := &EventLoop{
		poller:  poller,
		wakeupR: r,
		wakeupW: w,
	}
	loop.timers = newTimerQueue(loop)
	loop.wakeupCh = NewChannel(loop, r)
	loop.wakeupCh.SetLogHangup(false)
	loop.wakeupCh.SetReadCallback(func(time.Time) { loop.handleWakeupRead() })
	loop.wakeupCh.EnableReading()
	return loop
}

func newWakeupPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// SetContext stores an arbitrary per-loop value, mirroring muduo's
// EventLoop::context_ (boost::any).
func (l *EventLoop) SetContext(v any) { l.context = v }

// Context returns the value most recently passed to SetContext.
func (l *EventLoop) Context() any { return l.context }

// Iteration returns the number of completed poll cycles.
func (l *EventLoop) Iteration() int64 { return atomic.LoadInt64(&l.iteration) }

// QueueSize returns the number of closures currently pending, for
// diagnostics/tests (muduo exposes the analogous queueSize()).
func (l *EventLoop) QueueSize() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}

// IsInLoopThread reports whether the caller is running on this loop's
// own goroutine, i.e. from within a callback Loop() itself invoked.
// Before Loop() has started there is by construction no other
// goroutine that could be racing with setup (mirroring muduo's
// assumption that EventLoop is constructed on the thread that will
// later call loop()), so this reports true until looping begins.
func (l *EventLoop) IsInLoopThread() bool {
	if !l.looping.Load() {
		return true
	}
	return l.inCallback.Load()
}

func (l *EventLoop) assertInLoopThread() {
	if !l.IsInLoopThread() {
		logctx.Fatalf("reactor: operation invoked from a non-owning goroutine")
	}
}

// Loop runs the reactor until Quit is called. Precondition: called once,
// from the goroutine that will own the loop for its lifetime.
func (l *EventLoop) Loop() {
	if l.looping.Load() {
		logctx.Fatalf("reactor: Loop called while already looping")
	}
	l.looping.Store(true)
	l.quit.Store(false)
	logctx.Debugf("reactor: event loop starting")

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		wakeTime, err := l.poller.Poll(l.nextTimeout(), &l.activeChannels)
		if err != nil {
			logctx.Warnf("reactor: poll error: %v", err)
			continue
		}
		atomic.AddInt64(&l.iteration, 1)

		l.inCallback.Store(true)
		for _, ch := range l.activeChannels {
			ch.HandleEvent(wakeTime)
		}
		l.timers.expire(time.Now())
		l.doPendingFunctors()
		l.inCallback.Store(false)
	}

	l.looping.Store(false)
	logctx.Debugf("reactor: event loop stopped")
}

func (l *EventLoop) nextTimeout() time.Duration {
	if when, ok := l.timers.nextExpiry(); ok {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		if d < idlePollTimeout {
			return d
		}
	}
	return idlePollTimeout
}

// Quit sets the quit flag and, if called from another goroutine, wakes
// the loop so it observes it promptly instead of waiting out the idle
// poll timeout.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.Wakeup()
	}
}

// RunInLoop runs cb synchronously if called from the owning goroutine;
// otherwise it behaves like QueueInLoop.
func (l *EventLoop) RunInLoop(cb func()) {
	if l.IsInLoopThread() {
		cb()
		return
	}
	l.QueueInLoop(cb)
}

// QueueInLoop appends cb under the pending-queue mutex and wakes the
// loop if the caller isn't its owning goroutine, or if the loop is
// mid-drain of the pending queue (so cb would not otherwise be observed
// until the *next* iteration's drain) — spec.md §4.4.
func (l *EventLoop) QueueInLoop(cb func()) {
	l.pendingMu.Lock()
	l.pending = append(l.pending, cb)
	l.pendingMu.Unlock()

	if !l.IsInLoopThread() || l.executingPending.Load() {
		l.Wakeup()
	}
}

// doPendingFunctors drains the pending queue exactly once per
// iteration via a swap, so recursive QueueInLoop calls from within a
// pending closure are safe (they land in the *next* iteration) and a
// hot producer cannot starve I/O dispatch (spec.md §4.4, §4.9 design
// note).
func (l *EventLoop) doPendingFunctors() {
	l.pendingMu.Lock()
	local := l.pending
	l.pending = nil
	l.pendingMu.Unlock()

	l.executingPending.Store(true)
	for _, f := range local {
		f()
	}
	l.executingPending.Store(false)
}

// Wakeup writes to the wakeup descriptor, unblocking a concurrent Poll.
func (l *EventLoop) Wakeup() {
	var one [8]byte
	one[7] = 1
	for {
		_, err := unix.Write(l.wakeupW, one[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			logctx.Warnf("reactor: wakeup write failed: %v", err)
		}
		return
	}
}

func (l *EventLoop) handleWakeupRead() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeupR, buf[:])
		if err == nil || err == unix.EINTR {
			if err == nil {
				return
			}
			continue
		}
		return
	}
}

// RunAt schedules cb to run at the given time.
func (l *EventLoop) RunAt(when time.Time, cb func()) TimerID {
	return l.timers.addTimer(cb, when, 0)
}

// RunAfter schedules cb to run after delay elapses.
func (l *EventLoop) RunAfter(delay time.Duration, cb func()) TimerID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb to run every interval, starting one interval
// from now.
func (l *EventLoop) RunEvery(interval time.Duration, cb func()) TimerID {
	return l.timers.addTimer(cb, time.Now().Add(interval), interval)
}

// CancelTimer cancels a timer previously returned by RunAt/RunAfter/
// RunEvery. A no-op if it already fired (and was one-shot) or was
// already cancelled.
func (l *EventLoop) CancelTimer(id TimerID) { l.timers.cancel(id) }

// updateChannel/removeChannel/hasChannel assert loop-thread ownership
// and delegate to the poller (spec.md §4.4).
func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	if err := l.poller.UpdateChannel(ch); err != nil {
		logctx.Warnf("reactor: updateChannel(fd=%d): %v", ch.FD(), err)
	}
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	if !ch.IsNoneEvent() || ch.eventHandling {
		logctx.Fatalf("reactor: removeChannel precondition violated (fd=%d, events=%v, handling=%v)",
			ch.FD(), ch.Events(), ch.eventHandling)
	}
	if err := l.poller.RemoveChannel(ch); err != nil {
		logctx.Warnf("reactor: removeChannel(fd=%d): %v", ch.FD(), err)
	}
}

func (l *EventLoop) HasChannel(ch *Channel) bool {
	l.assertInLoopThread()
	return l.poller.Contains(ch)
}

// Close releases the loop's own kernel resources. Only safe to call
// after Loop() has returned.
func (l *EventLoop) Close() error {
	l.wakeupCh.DisableAll()
	l.wakeupCh.Remove()
	_ = unix.Close(l.wakeupR)
	_ = unix.Close(l.wakeupW)
	return l.poller.Close()
}

func (l *EventLoop) String() string {
	return fmt.Sprintf("EventLoop{iteration=%d, pending=%d}", l.Iteration(), l.QueueSize())
}
