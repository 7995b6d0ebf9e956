package tcp

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/loopwire/loopwire/buffer"
	"github.com/loopwire/loopwire/reactor"
)

func newServerTestLoop(t *testing.T) *reactor.EventLoop {
	t.Helper()
	loop := reactor.NewEventLoop()
	go loop.Loop()
	t.Cleanup(func() {
		loop.Quit()
		time.Sleep(5 * time.Millisecond)
		_ = loop.Close()
	})
	return loop
}

func TestServerEchoesMessageToClient(t *testing.T) {
	loop := newServerTestLoop(t)
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}

	srv, err := NewServer(loop, addr, ServerOptions{Name: "echo"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	srv.SetMessageCallback(func(c *Connection, buf *buffer.Buffer, _ time.Time) {
		c.Send(buf.Peek())
		buf.RetrieveAll()
	})

	connected := make(chan struct{}, 1)
	srv.SetConnectionCallback(func(c *Connection) {
		if c.Connected() {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	var boundPort int
	done := make(chan struct{})
	loop.RunInLoop(func() {
		p, err := localAddr(srv.acceptor.listenFD)
		if err == nil {
			boundPort = p.Port
		}
		close(done)
	})
	<-done
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(boundPort)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never reported connection established")
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 5)
	if _, err := readFull(conn, buf); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echo = %q, want hello", buf)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
