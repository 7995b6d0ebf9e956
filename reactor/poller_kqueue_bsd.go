//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin backend, adapted from the teacher's
// internal/runtime/asyncio/kqueue_poller_bsd.go: same EVFILT_READ/
// EVFILT_WRITE registration shape, same per-fd registration map, same
// EV_ERROR handling, rebased onto this package's Channel/Interest/
// Readiness vocabulary instead of net.Conn.
type kqueuePoller struct {
	kq     int
	byFD   map[int]*Channel
	events []unix.Kevent_t
}

func newPlatformPoller() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{kq: fd, byFD: make(map[int]*Channel), events: make([]unix.Kevent_t, 64)}, nil
}

func (p *kqueuePoller) changesFor(ch *Channel, add bool) []unix.Kevent_t {
	flag := uint16(unix.EV_DELETE)
	if add {
		flag = unix.EV_ADD | unix.EV_ENABLE
	}
	var changes []unix.Kevent_t
	// kqueue has independent read/write filters (unlike epoll's single
	// combined event mask), so both are always reconciled together:
	// enable the ones currently in Events(), delete the rest.
	readFlag, writeFlag := flag, flag
	if add {
		if ch.Events()&InterestReadable == 0 {
			readFlag = unix.EV_DELETE
		}
		if ch.Events()&InterestWritable == 0 {
			writeFlag = unix.EV_DELETE
		}
	}
	changes = append(changes,
		unix.Kevent_t{Ident: uint64(ch.FD()), Filter: unix.EVFILT_READ, Flags: readFlag},
		unix.Kevent_t{Ident: uint64(ch.FD()), Filter: unix.EVFILT_WRITE, Flags: writeFlag},
	)
	return changes
}

func (p *kqueuePoller) Poll(timeout time.Duration, active *[]*Channel) (time.Time, error) {
	var ts unix.Timespec
	tsPtr := &ts
	if timeout < 0 {
		tsPtr = nil
	} else {
		ts = unix.NsecToTimespec(timeout.Nanoseconds())
	}
	n, err := unix.Kevent(p.kq, nil, p.events, tsPtr)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, err
	}
	seen := make(map[int]Readiness, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		ch := p.byFD[fd]
		if ch == nil {
			continue
		}
		var r Readiness
		if ev.Flags&unix.EV_ERROR != 0 {
			r |= ReadyErr
		}
		if ev.Filter == unix.EVFILT_READ {
			r |= ReadyReadable
			if ev.Flags&unix.EV_EOF != 0 {
				r |= ReadyHup
			}
		}
		if ev.Filter == unix.EVFILT_WRITE {
			r |= ReadyWritable
		}
		if existing, ok := seen[fd]; ok {
			seen[fd] = existing | r
		} else {
			seen[fd] = r
			*active = append(*active, ch)
		}
	}
	for _, ch := range *active {
		ch.SetRevents(seen[ch.FD()])
	}
	if n == len(p.events) {
		p.events = make([]unix.Kevent_t, len(p.events)*2)
	}
	return now, nil
}

func (p *kqueuePoller) UpdateChannel(ch *Channel) error {
	if ch.IsNoneEvent() {
		return p.RemoveChannel(ch)
	}
	changes := p.changesFor(ch, true)
	p.byFD[ch.FD()] = ch
	ch.setPollerState(indexAdded)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) RemoveChannel(ch *Channel) error {
	changes := p.changesFor(ch, false)
	delete(p.byFD, ch.FD())
	ch.setPollerState(indexNew)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Contains(ch *Channel) bool {
	_, ok := p.byFD[ch.FD()]
	return ok
}

func (p *kqueuePoller) Close() error { return unix.Close(p.kq) }
