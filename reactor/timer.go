package reactor

import (
	"sort"
	"sync"
	"time"
)

// TimerCallback is invoked when a timer expires.
type TimerCallback func()

// Timer is identified externally by (pointer-identity, sequence), per
// spec.md §3. The sequence disambiguates timers that happen to share an
// expiry after a re-arm.
type Timer struct {
	expiry   time.Time
	interval time.Duration // 0 == one-shot
	callback TimerCallback
	seq      int64
}

// TimerID is the externally visible handle returned by
// EventLoop.RunAt/RunAfter/RunEvery and accepted by CancelTimer.
type TimerID struct {
	timer *Timer
	seq   int64
}

func (t *Timer) restart(now time.Time) {
	t.expiry = now.Add(t.interval)
}

// timerQueue orders timers by (expiry, sequence) for expiry scans, and
// keeps a parallel map keyed by sequence for cancellation without
// needing the expiry, per spec.md §3/§4.3. Both sets are
// mutated only on the owning loop's thread; AddTimer/Cancel from other
// threads are marshalled through the loop via runInLoop.
type timerQueue struct {
	loop *EventLoop

	mu      sync.Mutex // guards nextSeq only, since AddTimer/Cancel validate the thread via the loop before touching the maps
	nextSeq int64

	byExpiry []*Timer         // kept sorted by (expiry, seq); see insert/removeAt
	bySeq    map[int64]*Timer // seq -> timer, the cancellation index

	firing       map[int64]bool // timers currently mid-callback this batch
	cancelledWhileFiring map[int64]bool
}

func newTimerQueue(loop *EventLoop) *timerQueue {
	return &timerQueue{
		loop:                 loop,
		bySeq:                make(map[int64]*Timer),
		firing:               make(map[int64]bool),
		cancelledWhileFiring: make(map[int64]bool),
	}
}

func (q *timerQueue) allocSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	return q.nextSeq
}

// addTimer may be called from any thread (it only allocates the struct
// and the sequence number locally, then marshals the insert itself onto
// the loop).
func (q *timerQueue) addTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	seq := q.allocSeq()
	t := &Timer{expiry: when, interval: interval, callback: cb, seq: seq}
	id := TimerID{timer: t, seq: seq}
	q.loop.RunInLoop(func() { q.insert(t) })
	return id
}

func (q *timerQueue) insert(t *Timer) {
	q.bySeq[t.seq] = t
	i := sort.Search(len(q.byExpiry), func(i int) bool { return less(t, q.byExpiry[i]) })
	q.byExpiry = append(q.byExpiry, nil)
	copy(q.byExpiry[i+1:], q.byExpiry[i:])
	q.byExpiry[i] = t
}

func less(a, b *Timer) bool {
	if !a.expiry.Equal(b.expiry) {
		return a.expiry.Before(b.expiry)
	}
	return a.seq < b.seq
}

func (q *timerQueue) removeByExpirySlot(t *Timer) {
	i := sort.Search(len(q.byExpiry), func(i int) bool { return !less(q.byExpiry[i], t) })
	for i < len(q.byExpiry) && q.byExpiry[i] != t {
		i++
	}
	if i == len(q.byExpiry) {
		return
	}
	q.byExpiry = append(q.byExpiry[:i], q.byExpiry[i+1:]...)
}

// cancel marshals onto the loop if necessary, per spec.md §5
// ("cancellation of timers from other threads is also marshalled").
func (q *timerQueue) cancel(id TimerID) {
	q.loop.RunInLoop(func() { q.cancelInLoop(id) })
}

func (q *timerQueue) cancelInLoop(id TimerID) {
	if q.firing[id.seq] {
		// Being executed right now: record it so expire() does not
		// re-insert it as a periodic timer once the callback returns,
		// honoring self-cancellation from within the callback itself.
		q.cancelledWhileFiring[id.seq] = true
		return
	}
	t, ok := q.bySeq[id.seq]
	if !ok {
		return
	}
	delete(q.bySeq, id.seq)
	q.removeByExpirySlot(t)
}

// nextExpiry returns the earliest remaining expiry, or the zero Time if
// the queue is empty.
func (q *timerQueue) nextExpiry() (time.Time, bool) {
	if len(q.byExpiry) == 0 {
		return time.Time{}, false
	}
	return q.byExpiry[0].expiry, true
}

// expire collects every timer with expiry <= now, marks them as firing,
// invokes their callbacks, then re-arms periodic timers that were not
// cancelled during their own callback.
func (q *timerQueue) expire(now time.Time) {
	var batch []*Timer
	i := 0
	for i < len(q.byExpiry) && !q.byExpiry[i].expiry.After(now) {
		batch = append(batch, q.byExpiry[i])
		i++
	}
	if i == 0 {
		return
	}
	q.byExpiry = q.byExpiry[i:]
	for _, t := range batch {
		delete(q.bySeq, t.seq)
		q.firing[t.seq] = true
	}

	for _, t := range batch {
		if t.callback != nil {
			t.callback()
		}
	}

	for _, t := range batch {
		delete(q.firing, t.seq)
		if q.cancelledWhileFiring[t.seq] {
			delete(q.cancelledWhileFiring, t.seq)
			continue
		}
		if t.interval > 0 {
			t.restart(now)
			q.insert(t)
		}
	}
}

// size reports the number of live timers (used by tests asserting the
// storage invariant in spec.md §8: "timer storage empty thereafter").
func (q *timerQueue) size() int { return len(q.bySeq) }
