package tcp

import (
	"net"
	"time"

	"golang.org/x/net/trace"
	"golang.org/x/sys/unix"

	"github.com/loopwire/loopwire/buffer"
	"github.com/loopwire/loopwire/internal/iserr"
	"github.com/loopwire/loopwire/internal/logctx"
	"github.com/loopwire/loopwire/reactor"
)

// connState mirrors muduo's TcpConnection::StateE.
type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionCallback is invoked once when a connection is established
// and once when it is torn down; use Connection.Connected to tell
// which.
type ConnectionCallback func(*Connection)

// MessageCallback is invoked whenever input data is available. It owns
// the buffer for the duration of the call: data not retrieved is kept
// across calls, per spec.md §4.7.
type MessageCallback func(*Connection, *buffer.Buffer, time.Time)

// WriteCompleteCallback is invoked when the output buffer has been
// fully drained to the kernel (the low-water-mark callback).
type WriteCompleteCallback func(*Connection)

// HighWaterMarkCallback is invoked once when queued output first
// crosses the configured threshold.
type HighWaterMarkCallback func(*Connection, int)

// DefaultConnectionCallback logs the transition; grounded on muduo's
// defaultConnectionCallback, which deliberately does not forceClose so
// that callers registering only a message callback still work.
func DefaultConnectionCallback(c *Connection) {
	state := "DOWN"
	if c.Connected() {
		state = "UP"
	}
	logctx.Tracef("tcp: %s -> %s is %s", c.LocalAddr(), c.PeerAddr(), state)
}

// DefaultMessageCallback discards all input, matching muduo's
// defaultMessageCallback (a connection with no message callback set is
// assumed to not care about input).
func DefaultMessageCallback(c *Connection, buf *buffer.Buffer, _ time.Time) {
	buf.RetrieveAll()
}

// Connection is the TCP connection state machine with user-space
// input/output buffering, grounded on muduo's TcpConnection.cc/h.
type Connection struct {
	loop *reactor.EventLoop
	name string
	fd   int

	state   connState
	reading bool

	channel   *reactor.Channel
	localAddr *net.TCPAddr
	peerAddr  *net.TCPAddr

	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	highWaterMarkCallback  HighWaterMarkCallback
	highWaterMark          int
	closeCallback          func(*Connection) // server-internal: removeConnection

	input  *buffer.Buffer
	output *buffer.Buffer

	context any

	alive bool // backs Channel.Tie / the Tie interface below

	// trace is operational event tracing distinct from the async
	// logging core (spec.md §3), a direct analogue of muduo's
	// LOG_TRACE call sites at state transitions.
	trace trace.EventLog
}

// defaultHighWaterMark mirrors muduo's 64 MiB default.
const defaultHighWaterMark = 64 * 1024 * 1024

// NewConnection wraps an already-connected, non-blocking socket
// descriptor. Should only be constructed by Server/Connector plumbing,
// matching muduo's "TcpServer accepts a new connection" comment on
// connectEstablished.
func NewConnection(loop *reactor.EventLoop, name string, fd int, local, peer *net.TCPAddr) *Connection {
	c := &Connection{
		loop:          loop,
		name:          name,
		fd:            fd,
		state:         stateConnecting,
		reading:       true,
		localAddr:     local,
		peerAddr:      peer,
		input:         buffer.New(),
		output:        buffer.New(),
		highWaterMark: defaultHighWaterMark,
		alive:         true,
	}
	c.channel = reactor.NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	_ = setKeepAlive(fd, true)

	c.trace = trace.NewEventLog("tcp.connection", name)
	c.channel.SetEventLog(c.trace)
	return c
}

// Alive implements reactor.Tie: once a connection has fully
// disconnected, a stale readiness event for its (not-yet-reused) fd
// must not re-invoke its callbacks.
func (c *Connection) Alive() bool { return c.alive }

// Loop returns the owning event loop.
func (c *Connection) Loop() *reactor.EventLoop { return c.loop }

// Name returns the connection's server-assigned name.
func (c *Connection) Name() string { return c.name }

// LocalAddr returns the local endpoint.
func (c *Connection) LocalAddr() *net.TCPAddr { return c.localAddr }

// PeerAddr returns the remote endpoint.
func (c *Connection) PeerAddr() *net.TCPAddr { return c.peerAddr }

// Connected reports whether the connection is fully established.
func (c *Connection) Connected() bool { return c.state == stateConnected }

// Disconnected reports whether the connection has fully torn down.
func (c *Connection) Disconnected() bool { return c.state == stateDisconnected }

// InputBuffer exposes the receive-side buffer for advanced use
// (muduo's "Advanced interface").
func (c *Connection) InputBuffer() *buffer.Buffer { return c.input }

// OutputBuffer exposes the send-side buffer.
func (c *Connection) OutputBuffer() *buffer.Buffer { return c.output }

// SetContext stores caller-defined per-connection state.
func (c *Connection) SetContext(v any) { c.context = v }

// Context returns the value most recently passed to SetContext.
func (c *Connection) Context() any { return c.context }

func (c *Connection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }
func (c *Connection) SetMessageCallback(cb MessageCallback)       { c.messageCallback = cb }
func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}
func (c *Connection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}
func (c *Connection) setCloseCallback(cb func(*Connection)) { c.closeCallback = cb }

// KeepAliveStats is an adapted, narrower version of muduo's
// getTcpInfo/getTcpInfoString (spec.md §4 supplemented feature): it
// reports the idle time the kernel has observed on this connection via
// the Linux TCP_INFO socket option (time since data was last
// received). ok is false when the TCP_INFO query fails; there is no
// fallback for platforms without it.
func (c *Connection) KeepAliveStats() (idle time.Duration, ok bool) {
	info, err := unix.GetsockoptTCPInfo(c.fd, unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		return 0, false
	}
	// tcpi_last_data_recv is reported in milliseconds.
	return time.Duration(info.Last_data_recv) * time.Millisecond, true
}

// Send queues message for delivery. Safe to call from any goroutine.
func (c *Connection) Send(message []byte) {
	if c.state != stateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(message)
	} else {
		cp := append([]byte(nil), message...)
		c.loop.RunInLoop(func() { c.sendInLoop(cp) })
	}
}

// SendString is a convenience wrapper over Send.
func (c *Connection) SendString(message string) { c.Send([]byte(message)) }

func (c *Connection) sendInLoop(data []byte) {
	if c.state == stateDisconnected {
		logctx.Warnf("tcp: %s disconnected, give up writing", c.name)
		return
	}

	var nwrote int
	faultError := false
	remaining := len(data)

	if !c.channel.IsWriting() && c.output.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		if n >= 0 {
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
		} else {
			nwrote = 0
			if !iserr.IsWouldBlock(err) {
				logctx.Warnf("tcp: %s write error: %v", c.name, err)
				if iserr.IsPeerReset(err) {
					faultError = true
				}
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.output.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			cb := c.highWaterMarkCallback
			newLen := oldLen + remaining
			c.loop.QueueInLoop(func() { cb(c, newLen) })
		}
		c.output.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown half-closes the write side once any queued output drains.
// Not safe to call concurrently with itself from multiple goroutines
// (muduo: "NOT thread safe, no simultaneous calling").
func (c *Connection) Shutdown() {
	if c.state == stateConnected {
		c.state = stateDisconnecting
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Connection) shutdownInLoop() {
	if !c.channel.IsWriting() {
		_ = shutdownWrite(c.fd)
	}
}

// ForceClose tears the connection down immediately, discarding any
// queued output.
func (c *Connection) ForceClose() {
	if c.state == stateConnected || c.state == stateDisconnecting {
		c.state = stateDisconnecting
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

// ForceCloseWithDelay schedules ForceClose after delay, giving the peer
// a window to finish reading whatever is already queued.
func (c *Connection) ForceCloseWithDelay(delay time.Duration) {
	if c.state == stateConnected || c.state == stateDisconnecting {
		c.state = stateDisconnecting
		c.loop.RunAfter(delay, func() {
			if c.alive {
				c.ForceClose()
			}
		})
	}
}

func (c *Connection) forceCloseInLoop() {
	if c.state == stateConnected || c.state == stateDisconnecting {
		c.handleClose()
	}
}

// SetTCPNoDelay toggles Nagle's algorithm.
func (c *Connection) SetTCPNoDelay(on bool) error { return setTCPNoDelay(c.fd, on) }

// StartRead (re)enables readable interest. Safe to call from any goroutine.
func (c *Connection) StartRead() { c.loop.RunInLoop(c.startReadInLoop) }

func (c *Connection) startReadInLoop() {
	if !c.reading || !c.channel.IsReading() {
		c.channel.EnableReading()
		c.reading = true
	}
}

// StopRead disables readable interest without closing the connection.
func (c *Connection) StopRead() { c.loop.RunInLoop(c.stopReadInLoop) }

func (c *Connection) stopReadInLoop() {
	if c.reading || c.channel.IsReading() {
		c.channel.DisableReading()
		c.reading = false
	}
}

// IsReading reports whether readable interest is currently enabled.
// Not thread-safe (may race with StartRead/StopRead), matching muduo.
func (c *Connection) IsReading() bool { return c.reading }

// ConnectEstablished transitions a freshly accepted/connected socket
// into the connected state and fires the connection callback. Should
// be called exactly once, from the owning loop's goroutine, by the
// code that created this Connection (Server.newConnection or a
// Connector's wiring).
func (c *Connection) ConnectEstablished() {
	c.state = stateConnected
	c.channel.SetTie(c)
	c.channel.EnableReading()
	c.trace.Printf("established %s -> %s", c.localAddr, c.peerAddr)
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed finalizes teardown bookkeeping. Should be called
// exactly once, from the owning loop's goroutine, after the owning
// Server has removed this connection from its table.
func (c *Connection) ConnectDestroyed() {
	if c.state == stateConnected {
		c.state = stateDisconnected
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.alive = false
	c.channel.Remove()
	c.trace.Finish()
}

func (c *Connection) handleRead(receiveTime time.Time) {
	n, err := c.input.ReadFD(fdReader{c.fd})
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.input, receiveTime)
		}
	case n == 0:
		c.handleClose()
	default:
		logctx.Warnf("tcp: %s read error: %v", c.name, err)
		c.handleError()
	}
}

// fdReader adapts a raw fd to buffer.FDReader.
type fdReader struct{ fd int }

func (r fdReader) Read(p []byte) (int, error) { return unix.Read(r.fd, p) }

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		logctx.Tracef("tcp: %s fd=%d is down, no more writing", c.name, c.fd)
		return
	}
	n, err := unix.Write(c.fd, c.output.Peek())
	if n <= 0 {
		logctx.Warnf("tcp: %s write error: %v", c.name, err)
		return
	}
	c.output.Retrieve(n)
	if c.output.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.state == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *Connection) handleClose() {
	logctx.Tracef("tcp: %s fd=%d state=%s", c.name, c.fd, c.state)
	c.trace.Printf("closing, previous state=%s", c.state)
	c.state = stateDisconnected
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) handleError() {
	err := getSocketError(c.fd)
	logctx.Errorf("tcp: %s SO_ERROR=%v", c.name, err)
	c.trace.Errorf("SO_ERROR=%v", err)
}
