// Package tcp implements the listening acceptor, outbound connector,
// per-connection state machine, and server bookkeeping on top of the
// reactor package.
package tcp

import (
	"net"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ignoreSIGPIPEOnce mirrors muduo's SocketsOps.cc static IgnoreSigPipe
// initializer: a process that writes to a peer-reset socket gets
// EPIPE back through write(2) instead of being killed by the default
// SIGPIPE disposition. Done once per process, lazily, the first time
// this package creates a socket, rather than via an init() that would
// surprise a binary not otherwise using raw sockets.
var ignoreSIGPIPEOnce sync.Once

func ignoreSIGPIPE() {
	ignoreSIGPIPEOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
	})
}

// createNonblockingSocket creates a non-blocking, close-on-exec stream
// socket for the given address family (unix.AF_INET or AF_INET6),
// matching muduo's sockets::createNonblockingOrDie.
func createNonblockingSocket(family int) (int, error) {
	ignoreSIGPIPE()
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
}

func setReuseAddr(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

func setReusePort(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on))
}

func setTCPNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

func setKeepAlive(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func tcpAddrFamily(addr *net.TCPAddr) int {
	if addr.IP.To4() == nil {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func tcpAddrToSockaddr(addr *net.TCPAddr) unix.Sockaddr {
	if tcpAddrFamily(addr) == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	ip := addr.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], ip)
	return sa
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, s.Addr[:])
		return &net.TCPAddr{IP: ip, Port: s.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, s.Addr[:])
		return &net.TCPAddr{IP: ip, Port: s.Port}
	default:
		return &net.TCPAddr{}
	}
}

func bindSocket(fd int, addr *net.TCPAddr) error {
	return unix.Bind(fd, tcpAddrToSockaddr(addr))
}

// listenBacklog mirrors muduo's hard-coded listen backlog (SOMAXCONN).
const listenBacklog = unix.SOMAXCONN

func listenSocket(fd int) error {
	return unix.Listen(fd, listenBacklog)
}

// acceptConn accepts one pending connection, non-blocking and
// close-on-exec, per muduo's Socket::accept.
func acceptConn(listenFD int) (connFD int, peer *net.TCPAddr, err error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, sockaddrToTCPAddr(sa), nil
}

// connectSocket issues a non-blocking connect(2). A nil error or
// EINPROGRESS both mean "in progress, await writability"; the caller
// classifies the result with iserr.ClassifyConnect.
func connectSocket(fd int, addr *net.TCPAddr) error {
	return unix.Connect(fd, tcpAddrToSockaddr(addr))
}

// getSocketError reads SO_ERROR, the deferred-error mechanism POSIX
// sockets use to surface a failed non-blocking connect once the
// descriptor becomes writable (muduo's sockets::getSocketError).
func getSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

func localAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa), nil
}

func peerAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa), nil
}

// isSelfConnect detects the pathological case where a client's kernel
// picked an ephemeral source port/address identical to the server it
// was told to connect to, observed as a genuine connect() success that
// is really a loopback-to-self artifact (muduo's
// sockets::isSelfConnect, historically seen on Linux with small
// ephemeral port ranges).
func isSelfConnect(fd int) bool {
	local, err := localAddr(fd)
	if err != nil {
		return false
	}
	peer, err := peerAddr(fd)
	if err != nil {
		return false
	}
	return local.Port == peer.Port && local.IP.Equal(peer.IP)
}

func shutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}

// openIdleFD opens /dev/null read-only close-on-exec, used by the
// acceptor's EMFILE mitigation (spec.md §4.5).
func openIdleFD() (int, error) {
	return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}
