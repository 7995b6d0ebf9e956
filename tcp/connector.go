package tcp

import (
	"net"
	"time"

	"github.com/loopwire/loopwire/internal/iserr"
	"github.com/loopwire/loopwire/internal/logctx"
	"github.com/loopwire/loopwire/reactor"
)

type connectorState int

const (
	connectorDisconnected connectorState = iota
	connectorConnecting
	connectorConnected
)

const (
	initRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// ConnectedCallback receives a successfully connected socket's
// descriptor; the caller is responsible for wrapping it in a
// Connection.
type ConnectedCallback func(connFD int)

// Connector drives an outbound non-blocking connect with exponential
// backoff, grounded on muduo's Connector.cc.
type Connector struct {
	loop       *reactor.EventLoop
	serverAddr *net.TCPAddr

	connect bool
	state   connectorState

	channel *reactor.Channel

	retryDelay time.Duration
	timerID    reactor.TimerID
	hasTimer   bool

	newConnectionCallback ConnectedCallback
}

// NewConnector creates a connector targeting serverAddr. It does
// nothing until Start is called.
func NewConnector(loop *reactor.EventLoop, serverAddr *net.TCPAddr) *Connector {
	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		state:      connectorDisconnected,
		retryDelay: initRetryDelay,
	}
}

// SetNewConnectionCallback installs the callback invoked once a
// connection attempt succeeds.
func (c *Connector) SetNewConnectionCallback(cb ConnectedCallback) {
	c.newConnectionCallback = cb
}

// Start may be called from any goroutine (muduo: "can be called across
// threads").
func (c *Connector) Start() {
	c.connect = true
	c.loop.RunInLoop(c.startInLoop)
}

func (c *Connector) startInLoop() {
	if c.connect {
		c.dial()
	} else {
		logctx.Debugf("tcp: connector start suppressed, connect=false")
	}
}

// Stop may be called from any goroutine.
func (c *Connector) Stop() {
	c.connect = false
	c.loop.QueueInLoop(c.stopInLoop)
}

func (c *Connector) stopInLoop() {
	if c.state == connectorConnecting {
		c.state = connectorDisconnected
		fd := c.removeAndResetChannel()
		c.retry(fd)
	}
	c.cancelPendingTimer()
}

// Restart resets backoff state and forces a fresh connect cycle
// (spec.md §4 supplemented feature, muduo's Connector::restart). Must
// be called from the owning loop's goroutine.
func (c *Connector) Restart() {
	c.state = connectorDisconnected
	c.resetRetryDelay()
	c.connect = true
	c.startInLoop()
}

// resetRetryDelay restores the backoff to its initial value. Shared by
// Restart and the successful-connect path in handleWrite so the two
// reset sites can't drift apart.
func (c *Connector) resetRetryDelay() {
	c.retryDelay = initRetryDelay
}

func (c *Connector) dial() {
	fd, err := createNonblockingSocket(tcpAddrFamily(c.serverAddr))
	if err != nil {
		logctx.Warnf("tcp: connector socket create failed: %v", err)
		return
	}
	err = connectSocket(fd, c.serverAddr)
	switch iserr.ClassifyConnect(err) {
	case iserr.ConnectProceed:
		c.connecting(fd)
	case iserr.ConnectRetry:
		c.retry(fd)
	case iserr.ConnectFatal:
		logctx.Warnf("tcp: connector fatal connect error: %v", err)
		closeFD(fd)
	}
}

func (c *Connector) connecting(fd int) {
	c.state = connectorConnecting
	c.channel = reactor.NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.EnableWriting()
}

func (c *Connector) removeAndResetChannel() int {
	c.channel.DisableAll()
	c.channel.Remove()
	fd := c.channel.FD()
	// Deferred, like muduo's queueInLoop(resetChannel): we're very
	// possibly running from inside this channel's own handleEvent, so
	// dropping the reference now would pull the rug out from under the
	// dispatch frame currently iterating its callbacks.
	c.loop.QueueInLoop(func() { c.channel = nil })
	return fd
}

func (c *Connector) handleWrite() {
	if c.state != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	if err := getSocketError(fd); err != nil {
		logctx.Warnf("tcp: connector SO_ERROR: %v", err)
		c.retry(fd)
		return
	}
	if isSelfConnect(fd) {
		logctx.Warnf("tcp: connector self-connect detected, retrying")
		c.retry(fd)
		return
	}
	c.state = connectorConnected
	c.resetRetryDelay()
	if c.connect {
		if c.newConnectionCallback != nil {
			c.newConnectionCallback(fd)
		}
	} else {
		closeFD(fd)
	}
}

func (c *Connector) handleError() {
	if c.state != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	err := getSocketError(fd)
	logctx.Debugf("tcp: connector handleError SO_ERROR=%v", err)
	c.retry(fd)
}

func (c *Connector) retry(fd int) {
	closeFD(fd)
	c.state = connectorDisconnected
	if !c.connect {
		logctx.Debugf("tcp: connector retry suppressed, connect=false")
		return
	}
	logctx.Infof("tcp: connector retrying %s in %s", c.serverAddr, c.retryDelay)
	c.timerID = c.loop.RunAfter(c.retryDelay, c.startInLoop)
	c.hasTimer = true
	c.retryDelay *= 2
	if c.retryDelay > maxRetryDelay {
		c.retryDelay = maxRetryDelay
	}
}

func (c *Connector) cancelPendingTimer() {
	if c.hasTimer {
		c.loop.CancelTimer(c.timerID)
		c.hasTimer = false
	}
}
