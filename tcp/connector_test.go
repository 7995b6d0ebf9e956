package tcp

import (
	"net"
	"testing"
	"time"
)

func TestConnectorConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	loop := newServerTestLoop(t)
	addr := ln.Addr().(*net.TCPAddr)

	connected := make(chan int, 1)
	connector := NewConnector(loop, addr)
	connector.SetNewConnectionCallback(func(fd int) { connected <- fd })
	connector.Start()

	select {
	case fd := <-connected:
		closeFD(fd)
	case <-time.After(2 * time.Second):
		t.Fatal("connector never connected")
	}

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never observed the connection")
	}
}

func TestConnectorRetriesAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nobody listening now; connect should fail and retry

	loop := newServerTestLoop(t)
	connector := NewConnector(loop, addr)
	connector.Start()

	time.Sleep(50 * time.Millisecond)
	type snapshot struct {
		state    connectorState
		hasTimer bool
	}
	results := make(chan snapshot, 1)
	loop.RunInLoop(func() {
		results <- snapshot{state: connector.state, hasTimer: connector.hasTimer}
	})
	got := <-results
	if got.state != connectorDisconnected {
		t.Fatalf("connector state = %v, want disconnected while retrying", got.state)
	}
	if !got.hasTimer {
		t.Fatal("connector should have a pending retry timer")
	}
	connector.Stop()
}

// TestConnectorResetsRetryDelayAfterSuccessfulConnect drives spec.md §8
// scenario 3: a failed attempt doubles the backoff, then once the
// target opens the next attempt succeeds and the delay resets to its
// initial value.
func TestConnectorResetsRetryDelayAfterSuccessfulConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nobody listening yet; the first attempt must fail and back off

	loop := newServerTestLoop(t)
	connected := make(chan int, 1)
	connector := NewConnector(loop, addr)
	connector.SetNewConnectionCallback(func(fd int) { connected <- fd })
	connector.Start()

	type snapshot struct {
		retryDelay time.Duration
		hasTimer   bool
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		results := make(chan snapshot, 1)
		loop.RunInLoop(func() {
			results <- snapshot{retryDelay: connector.retryDelay, hasTimer: connector.hasTimer}
		})
		got := <-results
		if got.hasTimer && got.retryDelay > initRetryDelay {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connector never backed off after the first failed attempt")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The target now opens; the connector's pending retry should succeed.
	ln2, err := net.Listen("tcp", addr.String())
	if err != nil {
		t.Fatalf("re-Listen: %v", err)
	}
	defer ln2.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln2.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	select {
	case fd := <-connected:
		defer closeFD(fd)
	case <-time.After(3 * time.Second):
		t.Fatal("connector never succeeded once the listener came back")
	}

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never observed the retried connection")
	}

	results := make(chan time.Duration, 1)
	loop.RunInLoop(func() { results <- connector.retryDelay })
	if got := <-results; got != initRetryDelay {
		t.Fatalf("retryDelay after successful connect = %v, want %v (reset)", got, initRetryDelay)
	}
}
