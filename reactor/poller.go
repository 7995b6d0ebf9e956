package reactor

import (
	"time"
)

// Poller abstracts the platform readiness-multiplexing facility behind
// a single interface: update/remove interest for a Channel, and block
// for readiness. Implementations are only ever called from the owning
// EventLoop's thread (spec.md §4.1).
type Poller interface {
	// Poll blocks for up to timeout waiting for readiness, appends the
	// ready channels (in arbitrary order, at most the whole registered
	// set) and returns the wall-clock time the call
	// returned at — used as the receive timestamp handed to read
	// callbacks.
	Poll(timeout time.Duration, active *[]*Channel) (time.Time, error)
	// UpdateChannel reconciles the poller's registration for ch with
	// its current Events(). Called on every EnableReading/
	// EnableWriting/DisableAll.
	UpdateChannel(ch *Channel) error
	// RemoveChannel deregisters ch. Precondition: ch.IsNoneEvent().
	RemoveChannel(ch *Channel) error
	// Contains reports whether ch is currently registered.
	Contains(ch *Channel) bool
	// Close releases the poller's own kernel resources (epoll/kqueue
	// fd). Only called once, during EventLoop teardown.
	Close() error
}

// newOSPoller selects the default backend for the running platform:
// epoll on Linux, kqueue on the BSDs/Darwin, poll(2) elsewhere on Unix.
// See poller_epoll_linux.go, poller_kqueue_bsd.go, poller_poll_other.go.
func newOSPoller() (Poller, error) {
	return newPlatformPoller()
}
