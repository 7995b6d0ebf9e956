package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/loopwire/loopwire/internal/logctx"
)

// PoolOptions configures a Pool. The zero value is a valid
// single-loop pool (NumThreads 0), matching muduo's default
// EventLoopThreadPool construction.
type PoolOptions struct {
	// NumThreads is the number of additional loops to run besides the
	// base loop. Zero means the base loop itself doubles as the sole
	// I/O loop (spec.md §4 supplemented feature, muduo's
	// numThreads_==0 behavior).
	NumThreads int
	// Name prefixes the label attached to each spawned loop's context,
	// mirroring muduo's per-thread name buffer.
	Name string
}

// Pool is a fixed-size collection of loops sharing a common base loop,
// grounded on muduo's EventLoopThreadPool: round-robin or hash-based
// assignment of work across a pool of single-threaded reactors,
// supervised here with golang.org/x/sync/errgroup instead of a
// hand-rolled CountDownLatch/WaitGroup pair.
type Pool struct {
	base *EventLoop
	opts PoolOptions

	started atomic.Bool

	mu    sync.Mutex
	loops []*EventLoop
	next  uint64

	group *errgroup.Group
}

// NewPool constructs a pool rooted at base. base must not yet be
// looping; Start will be called from base's own goroutine before
// base.Loop() runs, mirroring muduo's
// "baseLoop_->assertInLoopThread()" precondition in start().
func NewPool(base *EventLoop, opts PoolOptions) *Pool {
	return &Pool{base: base, opts: opts}
}

// Start spawns NumThreads additional loops, each on its own goroutine,
// running initCB(loop) before the loop enters Loop() — muduo calls this
// the ThreadInitCallback, invoked "in the new thread, before entering
// the event loop" so callers can attach per-loop state via
// EventLoop.SetContext. Start blocks until every spawned loop exists
// and has run its init callback, exactly like muduo's
// EventLoopThread::startLoop() blocking the caller on a condition
// variable until the new thread's EventLoop is constructed.
//
// If NumThreads is 0, initCB (if non-nil) is invoked once, synchronously,
// against the base loop itself, which then carries all I/O alone.
func (p *Pool) Start(initCB func(*EventLoop)) error {
	if p.started.Swap(true) {
		logctx.Fatalf("reactor: Pool.Start called twice")
	}

	if p.opts.NumThreads == 0 {
		if initCB != nil {
			initCB(p.base)
		}
		p.group = new(errgroup.Group)
		return nil
	}

	p.group = new(errgroup.Group)
	ready := make(chan *EventLoop, p.opts.NumThreads)

	for i := 0; i < p.opts.NumThreads; i++ {
		idx := i
		p.group.Go(func() error {
			loop := NewEventLoop()
			loop.SetContext(poolMemberContext{name: p.opts.Name, index: idx})
			if initCB != nil {
				initCB(loop)
			}
			ready <- loop
			loop.Loop()
			return loop.Close()
		})
	}

	p.mu.Lock()
	for i := 0; i < p.opts.NumThreads; i++ {
		p.loops = append(p.loops, <-ready)
	}
	p.mu.Unlock()

	return nil
}

// poolMemberContext is the default per-loop context a Pool attaches
// before invoking the caller's init callback, retrievable via
// EventLoop.Context(); callers that call SetContext again inside
// initCB simply replace it.
type poolMemberContext struct {
	name  string
	index int
}

// LoopForNext returns the next loop in round-robin order, or the base
// loop if the pool has no extra threads (muduo's getNextLoop).
func (p *Pool) LoopForNext() *EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return p.base
	}
	i := p.next % uint64(len(p.loops))
	p.next++
	return p.loops[i]
}

// LoopForHash returns the loop selected by key, for sticky assignment
// (spec.md §4 supplemented feature, muduo's getLoopForHash), or the
// base loop if the pool has no extra threads.
func (p *Pool) LoopForHash(key uint64) *EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return p.base
	}
	return p.loops[key%uint64(len(p.loops))]
}

// AllLoops returns every loop in the pool, or a single-element slice
// holding just the base loop if there are no extra threads.
func (p *Pool) AllLoops() []*EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return []*EventLoop{p.base}
	}
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}

// Stop quits every loop in the pool and waits for their goroutines to
// return, surfacing the first error any loop's Close returned.
func (p *Pool) Stop() error {
	p.mu.Lock()
	loops := append([]*EventLoop(nil), p.loops...)
	p.mu.Unlock()

	for _, l := range loops {
		l.Quit()
	}
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}
