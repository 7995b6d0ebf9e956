package reactor

import (
	"testing"
	"time"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop := NewEventLoop()
	go loop.Loop()
	t.Cleanup(func() {
		loop.Quit()
		time.Sleep(5 * time.Millisecond)
		_ = loop.Close()
	})
	return loop
}

func TestRunAfterFiresOnce(t *testing.T) {
	loop := newTestLoop(t)
	done := make(chan struct{})
	loop.RunAfter(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	time.Sleep(20 * time.Millisecond)
	loop.RunInLoop(func() {
		if n := loop.timers.size(); n != 0 {
			t.Fatalf("timer storage not empty after one-shot fired: %d", n)
		}
	})
}

func TestRunEveryFiresRepeatedly(t *testing.T) {
	loop := newTestLoop(t)
	hits := make(chan struct{}, 8)
	id := loop.RunEvery(5*time.Millisecond, func() {
		select {
		case hits <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatalf("periodic timer only fired %d times", i)
		}
	}
	loop.CancelTimer(id)
}

func TestCancelBeforeFiringPreventsCallback(t *testing.T) {
	loop := newTestLoop(t)
	fired := make(chan struct{})
	id := loop.RunAfter(50*time.Millisecond, func() { close(fired) })
	loop.CancelTimer(id)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSelfCancelDuringOwnCallbackIsHonored(t *testing.T) {
	loop := newTestLoop(t)
	var id TimerID
	fires := make(chan struct{}, 8)
	id = loop.timers.addTimer(nil, time.Now(), 5*time.Millisecond)
	loop.RunInLoop(func() {
		loop.timers.bySeq[id.seq].callback = func() {
			fires <- struct{}{}
			loop.CancelTimer(id)
		}
	})

	select {
	case <-fires:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired even once")
	}

	select {
	case <-fires:
		t.Fatal("periodic timer fired again after self-cancelling")
	case <-time.After(50 * time.Millisecond):
	}
}
