package runloop

import (
	"container/heap"
	"time"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

// Forever makes a timer periodic.
const Forever = -1

// Timer fires a callback on its loop after an interval, a fixed number of
// times or periodically. Start, Stop and Close must be called on the loop
// goroutine.
type Timer struct {
	loop     *Loop
	interval time.Duration
	times    int // Remaining shots; Forever for periodic
	fn       func()

	id       uint64
	deadline time.Time
	index    int // Heap index, -1 when not scheduled
	gen      uint64
	closed   bool
}

// NewTimer creates a timer bound to the loop. times < 0 fires forever,
// otherwise the timer fires that many times. The timer counts as open until
// Close.
func (l *Loop) NewTimer(interval time.Duration, times int, fn func()) (*Timer, error) {
	if interval < 0 || times == 0 || fn == nil {
		return nil, errors.InvalidArgument("runloop: invalid timer (interval=%s times=%d)", interval, times)
	}
	l.openTimers.Add(1)
	l.mu.Lock()
	l.timerID++
	id := l.timerID
	l.mu.Unlock()
	return &Timer{
		loop:     l,
		interval: interval,
		times:    times,
		fn:       fn,
		id:       id,
		index:    -1,
	}, nil
}

// Start schedules the timer one interval from now. Starting a scheduled timer
// restarts it.
func (t *Timer) Start() error {
	if err := t.check("start"); err != nil {
		return err
	}
	if t.times == 0 {
		return nil
	}
	t.unschedule()
	t.gen++
	t.deadline = t.loop.clock.Now().Add(t.interval)
	heap.Push(&t.loop.timers, t)
	return nil
}

// Stop unschedules the timer. It can be started again.
func (t *Timer) Stop() error {
	if err := t.check("stop"); err != nil {
		return err
	}
	t.unschedule()
	t.gen++
	return nil
}

// Close stops the timer and releases it from the loop. Close is idempotent.
func (t *Timer) Close() error {
	if t.closed {
		return nil
	}
	if !t.loop.InLoop() {
		return errors.InvalidArgument("runloop: timer close called off the loop goroutine")
	}
	t.unschedule()
	t.gen++
	t.closed = true
	t.loop.openTimers.Add(-1)
	return nil
}

// Scheduled reports whether the timer is waiting to fire.
func (t *Timer) Scheduled() bool {
	return t.index >= 0
}

func (t *Timer) check(op string) error {
	if t.closed {
		return errors.AlreadyClosed("timer")
	}
	if !t.loop.InLoop() {
		return errors.InvalidArgument("runloop: timer %s called off the loop goroutine", op)
	}
	return nil
}

func (t *Timer) unschedule() {
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
}

// fireTimers runs every timer whose deadline has passed. Timers rescheduled
// by this pass fire on a later pass.
func (l *Loop) fireTimers() {
	now := l.clock.Now()
	type due struct {
		t   *Timer
		gen uint64
	}
	var batch []due
	for {
		t, ok := l.timers.peek()
		if !ok || t.deadline.After(now) {
			break
		}
		heap.Pop(&l.timers)
		batch = append(batch, due{t: t, gen: t.gen})
	}

	for _, d := range batch {
		t := d.t
		// An earlier callback in this batch may have stopped or closed it.
		if t.gen != d.gen || t.closed {
			continue
		}
		if t.times > 0 {
			t.times--
		}
		l.runTask(t.fn)

		if t.gen == d.gen && !t.closed && t.times != 0 {
			t.deadline = l.clock.Now().Add(t.interval)
			heap.Push(&l.timers, t)
		}
	}
}

// timerHeap orders timers by deadline, then by creation order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h timerHeap) peek() (*Timer, bool) {
	if len(h) == 0 {
		return nil, false
	}
	return h[0], true
}
