//go:build unix && !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is the poll(2)-based fallback for Unix platforms without a
// dedicated epoll/kqueue backend (e.g. Solaris/AIX/illumos). It is
// O(registered fds) per wake, same as muduo's PollPoller alternative to
// EPollPoller, kept for portability rather than performance.
type pollPoller struct {
	byFD map[int]*Channel
}

func newPlatformPoller() (Poller, error) {
	return &pollPoller{byFD: make(map[int]*Channel)}, nil
}

func interestToPollEvents(i Interest) int16 {
	var ev int16
	if i&InterestReadable != 0 {
		ev |= unix.POLLIN | unix.POLLPRI
	}
	if i&InterestWritable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func pollEventsToReadiness(revents int16) Readiness {
	var r Readiness
	if revents&unix.POLLIN != 0 {
		r |= ReadyReadable
	}
	if revents&unix.POLLPRI != 0 {
		r |= ReadyPriority
	}
	if revents&unix.POLLOUT != 0 {
		r |= ReadyWritable
	}
	if revents&unix.POLLHUP != 0 && revents&unix.POLLIN == 0 {
		r |= ReadyHup
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		r |= ReadyErr
	}
	return r
}

func (p *pollPoller) Poll(timeout time.Duration, active *[]*Channel) (time.Time, error) {
	fds := make([]unix.PollFd, 0, len(p.byFD))
	chans := make([]*Channel, 0, len(p.byFD))
	for fd, ch := range p.byFD {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: interestToPollEvents(ch.Events())})
		chans = append(chans, ch)
	}
	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(fds, ms)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, err
	}
	if n == 0 {
		return now, nil
	}
	for i, fd := range fds {
		if fd.Revents == 0 {
			continue
		}
		chans[i].SetRevents(pollEventsToReadiness(fd.Revents))
		*active = append(*active, chans[i])
	}
	return now, nil
}

func (p *pollPoller) UpdateChannel(ch *Channel) error {
	if ch.IsNoneEvent() {
		return p.RemoveChannel(ch)
	}
	p.byFD[ch.FD()] = ch
	ch.setPollerState(indexAdded)
	return nil
}

func (p *pollPoller) RemoveChannel(ch *Channel) error {
	delete(p.byFD, ch.FD())
	ch.setPollerState(indexNew)
	return nil
}

func (p *pollPoller) Contains(ch *Channel) bool {
	_, ok := p.byFD[ch.FD()]
	return ok
}

func (p *pollPoller) Close() error { return nil }
