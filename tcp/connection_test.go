package tcp

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/loopwire/loopwire/buffer"
	"github.com/loopwire/loopwire/reactor"
)

// acceptOneConnFD spins up an Acceptor on loop, dials it from a plain
// net.Conn, and returns the accepted fd alongside the dialed client
// connection, giving tests a real connected fd pair without hand
// rolling socket duplication.
func acceptOneConnFD(t *testing.T, loop *reactor.EventLoop) (connFD int, client net.Conn) {
	t.Helper()
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	a, err := NewAcceptor(loop, addr, false)
	if err != nil {
		t.Fatalf("NewAcceptor: %v", err)
	}

	fds := make(chan int, 1)
	a.SetNewConnectionCallback(func(fd int, _ *net.TCPAddr) { fds <- fd })

	var boundPort int
	done := make(chan struct{})
	loop.RunInLoop(func() {
		if p, err := localAddr(a.listenFD); err == nil {
			boundPort = p.Port
		}
		if err := a.Listen(); err != nil {
			t.Errorf("Listen: %v", err)
		}
		close(done)
	})
	<-done

	client, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(boundPort)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case connFD = <-fds:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never accepted the connection")
	}
	return connFD, client
}

func TestConnectionEchoesOverLoop(t *testing.T) {
	loop := newServerTestLoop(t)
	connFD, client := acceptOneConnFD(t, loop)
	defer client.Close()

	local := &net.TCPAddr{}
	peer := &net.TCPAddr{}
	var conn *Connection

	established := make(chan struct{})
	received := make(chan string, 1)

	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-conn", connFD, local, peer)
		conn.SetConnectionCallback(func(c *Connection) {
			if c.Connected() {
				close(established)
			}
		})
		conn.SetMessageCallback(func(c *Connection, buf *buffer.Buffer, _ time.Time) {
			received <- buf.RetrieveAllString()
		})
		conn.ConnectEstablished()
	})

	select {
	case <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("connection callback never reported Connected")
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "ping" {
			t.Fatalf("received = %q, want ping", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message callback never fired")
	}
}

func TestConnectionSendWritesDirectlyWhenOutputQueueEmpty(t *testing.T) {
	loop := newServerTestLoop(t)
	connFD, client := acceptOneConnFD(t, loop)
	defer client.Close()

	local := &net.TCPAddr{}
	peer := &net.TCPAddr{}
	var conn *Connection
	established := make(chan struct{})

	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-conn", connFD, local, peer)
		conn.SetConnectionCallback(func(c *Connection) {
			if c.Connected() {
				close(established)
			}
		})
		conn.ConnectEstablished()
	})
	<-established

	loop.RunInLoop(func() { conn.SendString("pong") })

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q, want pong", buf)
	}
}

func TestConnectionForceCloseInvokesCloseCallback(t *testing.T) {
	loop := newServerTestLoop(t)
	connFD, client := acceptOneConnFD(t, loop)
	defer client.Close()

	local := &net.TCPAddr{}
	peer := &net.TCPAddr{}
	var conn *Connection
	established := make(chan struct{})
	closed := make(chan struct{})

	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-conn", connFD, local, peer)
		conn.SetConnectionCallback(func(c *Connection) {
			if c.Connected() {
				close(established)
			}
		})
		conn.setCloseCallback(func(*Connection) { close(closed) })
		conn.ConnectEstablished()
	})
	<-established

	loop.RunInLoop(conn.ForceClose)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("force close never invoked the close callback")
	}
}

// TestConnectionHighWaterMarkFiresOncePerUpwardCrossing drives spec.md
// §8's high/low watermark requirement: the callback must fire exactly
// once when queued output crosses the mark moving up, and must not
// fire again while it stays above the mark.
func TestConnectionHighWaterMarkFiresOncePerUpwardCrossing(t *testing.T) {
	loop := newServerTestLoop(t)
	connFD, client := acceptOneConnFD(t, loop)
	defer client.Close()

	local := &net.TCPAddr{}
	peer := &net.TCPAddr{}
	var conn *Connection
	established := make(chan struct{})
	crossed := make(chan int, 8)

	const mark = 1024
	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-conn", connFD, local, peer)
		conn.SetConnectionCallback(func(c *Connection) {
			if c.Connected() {
				close(established)
			}
		})
		conn.SetHighWaterMarkCallback(func(_ *Connection, queued int) {
			crossed <- queued
		}, mark)
		conn.ConnectEstablished()
	})
	<-established

	// client never reads, so once the kernel send buffer fills, queued
	// bytes pile up in the connection's own output buffer.
	big := make([]byte, 8*1024*1024)
	loop.RunInLoop(func() { conn.Send(big) })

	select {
	case queued := <-crossed:
		if queued <= mark {
			t.Fatalf("high water mark callback fired with queued=%d, want > %d", queued, mark)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("high water mark callback never fired")
	}

	// Still above the mark: a second send must not fire the callback
	// again, only the upward crossing does.
	loop.RunInLoop(func() { conn.Send(big) })
	select {
	case queued := <-crossed:
		t.Fatalf("high water mark callback fired again while already above the mark: queued=%d", queued)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestConnectionShutdownHalfClosesOnlyAfterOutputDrains drives spec.md
// §8 scenario 5: Shutdown during send. The write half must not close
// until everything queued ahead of it has actually reached the peer.
func TestConnectionShutdownHalfClosesOnlyAfterOutputDrains(t *testing.T) {
	loop := newServerTestLoop(t)
	connFD, client := acceptOneConnFD(t, loop)
	defer client.Close()

	local := &net.TCPAddr{}
	peer := &net.TCPAddr{}
	var conn *Connection
	established := make(chan struct{})

	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-conn", connFD, local, peer)
		conn.SetConnectionCallback(func(c *Connection) {
			if c.Connected() {
				close(established)
			}
		})
		conn.ConnectEstablished()
	})
	<-established

	payload := make([]byte, 4*1024*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	// The client isn't reading yet, so Send can't hand the whole
	// payload to the kernel in one write; some of it must queue in the
	// connection's own output buffer for this test to exercise the
	// drain-before-shutdown ordering.
	queuedAfterSend := make(chan int, 1)
	loop.RunInLoop(func() {
		conn.Send(payload)
		queuedAfterSend <- conn.OutputBuffer().ReadableBytes()
	})
	if queued := <-queuedAfterSend; queued == 0 {
		t.Fatal("test requires a partial direct write; payload too small for this kernel's send buffer")
	}

	conn.Shutdown()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("client read %d bytes before EOF, want %d: write half closed before output drained", len(got), len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("received payload does not match sent payload")
	}
}
