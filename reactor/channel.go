package reactor

import (
	"time"

	"golang.org/x/net/trace"
)

// Interest is the subset of {readable, writable} a Channel wants the
// poller to notify it about.
type Interest uint8

const (
	InterestNone     Interest = 0
	InterestReadable Interest = 1 << iota
	InterestWritable
)

// Readiness is the set of conditions the poller reported for a
// descriptor on a given wake, a superset of Interest with the
// close/error/priority bits a level-triggered facility can surface.
type Readiness uint8

const (
	ReadyReadable Readiness = 1 << iota
	ReadyWritable
	ReadyPriority // out-of-band data
	ReadyHup      // hangup without readable data
	ReadyRdHup    // peer shut down the write half (half-close)
	ReadyErr      // socket error / invalid request
)

// pollerIndex is the poller-private bookkeeping state for a Channel,
// mirroring muduo's EPollPoller::Channel::index_ (kNew/kAdded/kDeleted).
type pollerIndex int

const (
	indexNew pollerIndex = iota - 1
	indexAdded
	indexDeleted
)

// Tie lets a Channel gate callback dispatch on its owner's logical
// liveness. Go's garbage collector already keeps the Channel's captured
// closures (and therefore its owner) alive for the duration of
// HandleEvent, so — unlike muduo's C++ weak_ptr promotion — this is not
// needed for memory safety. It is still needed for *correctness*: an
// owner that tore itself down logically (e.g. a Connection already past
// handleClose) must not have its callbacks re-invoked if a stale
// readiness event for its descriptor is still in flight.
type Tie interface {
	// Alive reports whether the owner still wants events delivered.
	Alive() bool
}

// ReadCallback is invoked for readable/priority/peer-half-close
// readiness, carrying the timestamp the poller returned the wake at.
type ReadCallback func(receiveTime time.Time)

// Channel binds one descriptor to its interest set, last readiness set,
// and callbacks within a single EventLoop. A Channel belongs to exactly
// one loop; every mutation must happen on that loop's thread (enforced
// by the loop, not the Channel itself, since Channel has no loop-thread
// identity of its own to assert against cheaply).
type Channel struct {
	loop *EventLoop
	fd   int

	events  Interest
	revents Readiness
	index   pollerIndex

	readCallback  ReadCallback
	writeCallback func()
	closeCallback func()
	errorCallback func()

	tie          Tie
	eventHandling bool
	addedToLoop   bool
	logHangup     bool

	// eventLog is an optional operational trace of this channel's
	// dispatch, independent of the async logging core (spec.md §3
	// ambient stack: business-log output vs. debug instrumentation).
	// Owned by whatever installed it (e.g. Connection); Channel only
	// writes to it.
	eventLog trace.EventLog
}

// NewChannel creates a Channel for fd, owned by loop. It is not
// registered with the poller until EnableReading or EnableWriting is
// first called (matching muduo's enableReading/enableWriting
// triggering update()).
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: indexNew, logHangup: true}
}

// FD returns the underlying descriptor.
func (c *Channel) FD() int { return c.fd }

// Loop returns the owning loop.
func (c *Channel) Loop() *EventLoop { return c.loop }

// SetReadCallback installs the read-with-timestamp callback.
func (c *Channel) SetReadCallback(cb ReadCallback) { c.readCallback = cb }

// SetWriteCallback installs the writable callback.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the close callback.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the error callback.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// SetTie installs (or clears, with nil) the liveness gate described on
// the Tie type.
func (c *Channel) SetTie(t Tie) { c.tie = t }

// SetEventLog installs an optional operational trace sink; when it is
// non-nil, HandleEvent writes one line per dispatched close or error
// callback to it (read and write dispatch are not traced), plus a
// hangup line when logHangup is set. The
// installer (not Channel) owns the EventLog's lifetime and Finish().
func (c *Channel) SetEventLog(el trace.EventLog) { c.eventLog = el }

// SetLogHangup controls whether a hangup-without-readable condition is
// written to the channel's event log (if one is installed), whether or
// not a close callback is set. It defaults to true; the loop's wakeup
// channel turns it off.
func (c *Channel) SetLogHangup(v bool) { c.logHangup = v }

// Events returns the currently registered interest set.
func (c *Channel) Events() Interest { return c.events }

// SetRevents is called by the poller implementations to record the
// readiness bits observed for this channel on the most recent wake.
func (c *Channel) SetRevents(r Readiness) { c.revents = r }

// IsReading reports whether readable interest is currently enabled.
func (c *Channel) IsReading() bool { return c.events&InterestReadable != 0 }

// IsWriting reports whether writable interest is currently enabled.
func (c *Channel) IsWriting() bool { return c.events&InterestWritable != 0 }

// IsNoneEvent reports whether no interest is registered.
func (c *Channel) IsNoneEvent() bool { return c.events == InterestNone }

// EnableReading enables readable interest and asks the loop to
// reconcile with the poller.
func (c *Channel) EnableReading() { c.events |= InterestReadable; c.update() }

// DisableReading disables readable interest.
func (c *Channel) DisableReading() { c.events &^= InterestReadable; c.update() }

// EnableWriting enables writable interest.
func (c *Channel) EnableWriting() { c.events |= InterestWritable; c.update() }

// DisableWriting disables writable interest.
func (c *Channel) DisableWriting() { c.events &^= InterestWritable; c.update() }

// DisableAll clears all interest.
func (c *Channel) DisableAll() { c.events = InterestNone; c.update() }

func (c *Channel) update() { c.loop.updateChannel(c) }

// Remove asks the owning loop to deregister this channel. Precondition
// (enforced by the loop): interest must be none and it must not be the
// channel currently being dispatched.
func (c *Channel) Remove() { c.loop.removeChannel(c) }

// index/setIndex are used by the poller implementations for their
// private per-channel bookkeeping (e.g. epoll's added/new/deleted
// tri-state, so EPOLL_CTL_ADD vs EPOLL_CTL_MOD can be chosen without a
// second map lookup).
func (c *Channel) pollerState() pollerIndex     { return c.index }
func (c *Channel) setPollerState(i pollerIndex) { c.index = i }

// HandleEvent dispatches the callbacks implied by the most recently
// recorded readiness, in muduo's fixed order: close, error, read,
// write. If a Tie is installed and reports the owner no longer alive,
// dispatch is skipped entirely (the stale-event guard described on the
// Tie type).
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tie != nil && !c.tie.Alive() {
		return
	}
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	if c.revents&ReadyHup != 0 && c.revents&ReadyReadable == 0 {
		if c.logHangup && c.eventLog != nil {
			c.eventLog.Printf("fd=%d hangup without readable data", c.fd)
		}
		if c.closeCallback != nil {
			if c.eventLog != nil {
				c.eventLog.Printf("fd=%d dispatching close", c.fd)
			}
			c.closeCallback()
		}
	}
	if c.revents&ReadyErr != 0 {
		if c.errorCallback != nil {
			if c.eventLog != nil {
				c.eventLog.Printf("fd=%d dispatching error", c.fd)
			}
			c.errorCallback()
		}
	}
	if c.revents&(ReadyReadable|ReadyPriority|ReadyRdHup) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&ReadyWritable != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
