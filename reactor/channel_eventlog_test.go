package reactor

import (
	"testing"
	"time"

	"golang.org/x/net/trace"
)

func TestChannelEventLogIsOptionalAndDoesNotPanic(t *testing.T) {
	ch := &Channel{index: indexNew}
	ch.SetRevents(ReadyReadable)
	ch.SetReadCallback(func(time.Time) {})
	ch.HandleEvent(time.Now()) // no event log installed: must not panic
}

func TestChannelEventLogReceivesCloseDispatch(t *testing.T) {
	ch := &Channel{index: indexNew, logHangup: true}
	el := trace.NewEventLog("test.channel", "close-dispatch")
	defer el.Finish()
	ch.SetEventLog(el)

	closed := false
	ch.SetCloseCallback(func() { closed = true })
	ch.SetRevents(ReadyHup)
	ch.HandleEvent(time.Now())

	if !closed {
		t.Fatal("expected close callback to fire")
	}
}
