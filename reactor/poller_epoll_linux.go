//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the default Linux backend: a thin wrapper over
// epoll_create1/epoll_ctl/epoll_wait, grounded on the teacher's
// kqueue_poller_bsd.go wiring pattern (fd-keyed registration map,
// add/modify/delete tri-state via Channel's pollerState) applied to
// epoll's own verbs. All methods are only ever called from the owning
// loop's thread, so the byFD map needs no locking.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
	byFD   map[int32]*Channel
}

func newPlatformPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:   fd,
		events: make([]unix.EpollEvent, 64),
		byFD:   make(map[int32]*Channel),
	}, nil
}

func interestToEpollEvents(i Interest) uint32 {
	var ev uint32
	if i&InterestReadable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if i&InterestWritable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func epollEventsToReadiness(ev uint32) Readiness {
	var r Readiness
	if ev&unix.EPOLLIN != 0 {
		r |= ReadyReadable
	}
	if ev&unix.EPOLLPRI != 0 {
		r |= ReadyPriority
	}
	if ev&unix.EPOLLOUT != 0 {
		r |= ReadyWritable
	}
	if ev&unix.EPOLLHUP != 0 && ev&unix.EPOLLIN == 0 {
		r |= ReadyHup
	}
	if ev&unix.EPOLLRDHUP != 0 {
		r |= ReadyRdHup
	}
	if ev&(unix.EPOLLERR|unix.EPOLLNVAL) != 0 {
		r |= ReadyErr
	}
	return r
}

func (p *epollPoller) Poll(timeout time.Duration, active *[]*Channel) (time.Time, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		ch := p.byFD[ev.Fd]
		if ch == nil {
			continue
		}
		ch.SetRevents(epollEventsToReadiness(ev.Events))
		*active = append(*active, ch)
	}
	if n == len(p.events) {
		// The batch filled the buffer; grow it so a busy loop with
		// many simultaneously-ready descriptors doesn't need two
		// epoll_wait round trips per iteration.
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func (p *epollPoller) UpdateChannel(ch *Channel) error {
	var op int
	switch ch.pollerState() {
	case indexNew, indexDeleted:
		op = unix.EPOLL_CTL_ADD
		ch.setPollerState(indexAdded)
		p.byFD[int32(ch.FD())] = ch
	default:
		if ch.IsNoneEvent() {
			op = unix.EPOLL_CTL_DEL
			ch.setPollerState(indexDeleted)
			delete(p.byFD, int32(ch.FD()))
		} else {
			op = unix.EPOLL_CTL_MOD
		}
	}
	if op == unix.EPOLL_CTL_DEL {
		return unix.EpollCtl(p.epfd, op, ch.FD(), nil)
	}
	ev := unix.EpollEvent{Events: interestToEpollEvents(ch.Events()), Fd: int32(ch.FD())}
	return unix.EpollCtl(p.epfd, op, ch.FD(), &ev)
}

func (p *epollPoller) RemoveChannel(ch *Channel) error {
	if ch.pollerState() == indexAdded {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, ch.FD(), nil); err != nil {
			return err
		}
	}
	delete(p.byFD, int32(ch.FD()))
	ch.setPollerState(indexNew)
	return nil
}

func (p *epollPoller) Contains(ch *Channel) bool {
	_, ok := p.byFD[int32(ch.FD())]
	return ok
}

func (p *epollPoller) Close() error { return unix.Close(p.epfd) }
