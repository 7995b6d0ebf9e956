package reactor

import (
	"testing"
	"time"
)

func TestChannelDispatchOrder(t *testing.T) {
	ch := &Channel{index: indexNew, logHangup: true}
	var order []string
	ch.SetCloseCallback(func() { order = append(order, "close") })
	ch.SetErrorCallback(func() { order = append(order, "error") })
	ch.SetReadCallback(func(time.Time) { order = append(order, "read") })
	ch.SetWriteCallback(func() { order = append(order, "write") })

	ch.SetRevents(ReadyHup | ReadyErr | ReadyReadable | ReadyWritable)
	ch.HandleEvent(time.Now())

	want := []string{"close", "error", "read", "write"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChannelTieGatesDispatch(t *testing.T) {
	ch := &Channel{index: indexNew}
	fired := false
	ch.SetReadCallback(func(time.Time) { fired = true })
	ch.SetRevents(ReadyReadable)

	alive := false
	ch.SetTie(aliveFunc(func() bool { return alive }))
	ch.HandleEvent(time.Now())
	if fired {
		t.Fatalf("callback fired despite tie reporting not alive")
	}

	alive = true
	ch.HandleEvent(time.Now())
	if !fired {
		t.Fatalf("callback did not fire once tie reported alive")
	}
}

func TestChannelHangupWithoutReadableRoutesToClose(t *testing.T) {
	ch := &Channel{index: indexNew}
	closed := false
	ch.SetCloseCallback(func() { closed = true })
	ch.SetRevents(ReadyHup)
	ch.HandleEvent(time.Now())
	if !closed {
		t.Fatalf("expected close callback on bare hangup")
	}
}

func TestChannelEventsAccessors(t *testing.T) {
	ch := &Channel{index: indexNew}
	if ch.IsReading() || ch.IsWriting() || !ch.IsNoneEvent() {
		t.Fatalf("new channel should have no interest")
	}
	ch.events |= InterestReadable
	if !ch.IsReading() || ch.IsNoneEvent() {
		t.Fatalf("readable interest not reflected")
	}
	ch.events |= InterestWritable
	if !ch.IsWriting() {
		t.Fatalf("writable interest not reflected")
	}
}

type aliveFunc func() bool

func (f aliveFunc) Alive() bool { return f() }
