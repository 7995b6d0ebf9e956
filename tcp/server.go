package tcp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/loopwire/loopwire/internal/logctx"
	"github.com/loopwire/loopwire/reactor"
)

// ServerOptions configures a Server. The zero value is valid: no extra
// I/O loops (the listening loop also carries every connection), no
// SO_REUSEPORT.
type ServerOptions struct {
	// Name is used to build per-connection names and pool thread labels.
	Name string
	// NumThreads is forwarded to the loop pool (reactor.PoolOptions);
	// zero means the server's own loop carries all connections, per
	// muduo's documented numThreads_==0 behavior.
	NumThreads int
	// ReusePort sets SO_REUSEPORT on the listening socket.
	ReusePort bool
}

// Server accepts inbound connections on a listening loop and hands
// each off to a loop from its pool, grounded on muduo's TcpServer.cc.
type Server struct {
	loop     *reactor.EventLoop
	ipPort   string
	opts     ServerOptions
	acceptor *Acceptor
	pool     *reactor.Pool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	started atomic.Bool

	mu          sync.Mutex
	connections map[string]*Connection
	nextConnID  int
}

// NewServer creates a server bound to listenAddr. Listen does not
// happen until Start is called.
func NewServer(loop *reactor.EventLoop, listenAddr *net.TCPAddr, opts ServerOptions) (*Server, error) {
	acceptor, err := NewAcceptor(loop, listenAddr, opts.ReusePort)
	if err != nil {
		return nil, err
	}
	s := &Server{
		loop:                loop,
		ipPort:              listenAddr.String(),
		opts:                opts,
		acceptor:            acceptor,
		pool:                reactor.NewPool(loop, reactor.PoolOptions{NumThreads: opts.NumThreads, Name: opts.Name}),
		connectionCallback:  DefaultConnectionCallback,
		messageCallback:     DefaultMessageCallback,
		connections:         make(map[string]*Connection),
		nextConnID:          1,
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

// SetConnectionCallback installs the callback forwarded to every
// connection this server creates from now on.
func (s *Server) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

// SetMessageCallback installs the callback forwarded to every
// connection this server creates from now on.
func (s *Server) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

// SetWriteCompleteCallback installs the callback forwarded to every
// connection this server creates from now on.
func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// Start starts the loop pool and begins listening. Idempotent and safe
// to call from any goroutine (muduo: "该函数多次调用是无害的...可以跨线程调用").
func (s *Server) Start() error {
	if s.started.Swap(true) {
		return nil
	}
	if err := s.pool.Start(nil); err != nil {
		return err
	}
	s.loop.RunInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			logctx.Errorf("tcp: server %s listen failed: %v", s.opts.Name, err)
		}
	})
	return nil
}

// Stop quits every loop in the pool (and, if it owns the base loop's
// lifetime, leaves the base loop itself to the caller — a Server never
// quits a loop it did not spawn).
func (s *Server) Stop() error {
	return s.pool.Stop()
}

func (s *Server) newConnection(connFD int, peer *net.TCPAddr) {
	ioLoop := s.pool.LoopForNext()

	s.mu.Lock()
	connName := fmt.Sprintf("%s-%s#%d", s.opts.Name, s.ipPort, s.nextConnID)
	s.nextConnID++
	s.mu.Unlock()

	local, err := localAddr(connFD)
	if err != nil {
		logctx.Warnf("tcp: server %s getsockname failed: %v", s.opts.Name, err)
		closeFD(connFD)
		return
	}

	logctx.Infof("tcp: server %s new connection [%s] from %s", s.opts.Name, connName, peer)

	conn := NewConnection(ioLoop, connName, connFD, local, peer)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

func (s *Server) removeConnection(conn *Connection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *Server) removeConnectionInLoop(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	logctx.Infof("tcp: server %s connection %s removed", s.opts.Name, conn.Name())
	conn.Loop().QueueInLoop(conn.ConnectDestroyed)
}

// Connections returns a snapshot of currently tracked connections.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}
