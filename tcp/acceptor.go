package tcp

import (
	"net"
	"time"

	"github.com/loopwire/loopwire/internal/iserr"
	"github.com/loopwire/loopwire/internal/logctx"
	"github.com/loopwire/loopwire/reactor"
)

// NewConnectionCallback receives an accepted, not-yet-wrapped
// connection's descriptor and peer address.
type NewConnectionCallback func(connFD int, peer *net.TCPAddr)

// Acceptor owns the listening socket, grounded on muduo's Acceptor.cc:
// one Channel watching for readability, the "too many open files"
// idle-fd mitigation (spec.md §4.5), and loop-thread-only listen/handleRead.
type Acceptor struct {
	loop       *reactor.EventLoop
	listenFD   int
	channel    *reactor.Channel
	listening  bool
	idleFD     int

	newConnectionCallback NewConnectionCallback
}

// NewAcceptor creates a listening socket bound to addr. reusePort
// controls SO_REUSEPORT, letting multiple acceptors in a process (or
// across processes) load-balance the same port across the kernel's
// own hashing, per spec.md §4.5 and muduo's `option == kReusePort`.
func NewAcceptor(loop *reactor.EventLoop, addr *net.TCPAddr, reusePort bool) (*Acceptor, error) {
	fd, err := createNonblockingSocket(tcpAddrFamily(addr))
	if err != nil {
		return nil, err
	}
	if err := setReuseAddr(fd, true); err != nil {
		closeFD(fd)
		return nil, err
	}
	if err := setReusePort(fd, reusePort); err != nil {
		closeFD(fd)
		return nil, err
	}
	if err := bindSocket(fd, addr); err != nil {
		closeFD(fd)
		return nil, err
	}
	idleFD, err := openIdleFD()
	if err != nil {
		closeFD(fd)
		return nil, err
	}

	a := &Acceptor{
		loop:     loop,
		listenFD: fd,
		idleFD:   idleFD,
	}
	a.channel = reactor.NewChannel(loop, fd)
	a.channel.SetReadCallback(func(time.Time) { a.handleRead() })
	return a, nil
}

// SetNewConnectionCallback installs the callback invoked for every
// accepted connection.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// Listen starts listening and enables readable interest. Must be
// called from the owning loop's goroutine (muduo:
// "loop_->assertInLoopThread()").
func (a *Acceptor) Listen() error {
	a.listening = true
	if err := listenSocket(a.listenFD); err != nil {
		return err
	}
	a.channel.EnableReading()
	return nil
}

// Close tears down the listening channel and both its own and the
// idle descriptors.
func (a *Acceptor) Close() {
	a.channel.DisableAll()
	a.channel.Remove()
	closeFD(a.idleFD)
	closeFD(a.listenFD)
}

func (a *Acceptor) handleRead() {
	connFD, peer, err := acceptConn(a.listenFD)
	if err == nil {
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFD, peer)
		} else {
			closeFD(connFD)
		}
		return
	}

	logctx.Warnf("tcp: acceptor accept failed: %v", err)
	if iserr.IsEMFILE(err) {
		// Per muduo's Acceptor::handleRead: the listening socket stays
		// level-triggered readable as long as the full-connection queue
		// is non-empty, so with no free descriptors we'd busy-loop
		// forever on this read event. Release the reserved idle
		// descriptor just long enough to accept and immediately drop
		// one pending connection, freeing the queue slot, then
		// re-reserve the idle descriptor.
		closeFD(a.idleFD)
		a.idleFD, _, _ = acceptConn(a.listenFD)
		closeFD(a.idleFD)
		a.idleFD, _ = openIdleFD()
	}
}
