package reactor

import (
	"testing"
	"time"
)

func TestPoolZeroThreadsUsesBaseLoop(t *testing.T) {
	base := NewEventLoop()
	defer base.Close()

	pool := NewPool(base, PoolOptions{})
	initCalled := false
	if err := pool.Start(func(l *EventLoop) {
		if l != base {
			t.Fatalf("init callback should receive the base loop")
		}
		initCalled = true
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !initCalled {
		t.Fatal("init callback never invoked")
	}
	if got := pool.LoopForNext(); got != base {
		t.Fatalf("LoopForNext() = %v, want base loop", got)
	}
	if got := pool.LoopForHash(42); got != base {
		t.Fatalf("LoopForHash() = %v, want base loop", got)
	}
	if loops := pool.AllLoops(); len(loops) != 1 || loops[0] != base {
		t.Fatalf("AllLoops() = %v, want [base]", loops)
	}
}

func TestPoolRoundRobinCyclesThroughLoops(t *testing.T) {
	base := NewEventLoop()
	defer base.Close()
	go base.Loop()
	defer func() { base.Quit(); time.Sleep(5 * time.Millisecond) }()

	pool := NewPool(base, PoolOptions{NumThreads: 3, Name: "test-"})
	if err := pool.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	loops := pool.AllLoops()
	if len(loops) != 3 {
		t.Fatalf("AllLoops() len = %d, want 3", len(loops))
	}

	seen := make([]*EventLoop, 6)
	for i := range seen {
		seen[i] = pool.LoopForNext()
	}
	for i := 0; i < 3; i++ {
		if seen[i] != seen[i+3] {
			t.Fatalf("round robin did not repeat after a full cycle at offset %d", i)
		}
	}
}

func TestPoolLoopForHashIsStable(t *testing.T) {
	base := NewEventLoop()
	defer base.Close()

	pool := NewPool(base, PoolOptions{NumThreads: 4})
	if err := pool.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	first := pool.LoopForHash(123)
	second := pool.LoopForHash(123)
	if first != second {
		t.Fatal("LoopForHash is not stable for the same key")
	}
}
