// Package runloop implements the single-goroutine cooperative scheduler that
// every thread-affined component of the runtime runs on.
//
// A Loop owns a task queue and a set of timers. Any goroutine may post tasks;
// only the goroutine inside Run executes them or fires timers. Components that
// share a thread attach by holding the same *Loop.
package runloop

import (
	"container/list"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
)

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Position selects where a posted task is inserted.
type Position int

const (
	// Back appends the task (FIFO).
	Back Position = iota
	// Front places the task ahead of every queued task.
	Front
)

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Loop is a cooperative run loop.
type Loop struct {
	name   string
	clock  clock.Clock
	logger *logging.Logger

	mu        sync.Mutex
	tasks     *list.List
	stopReq   bool
	drain     bool
	onStopped []func()

	state      atomic.Int32
	goid       atomic.Uint64
	wake       chan struct{}
	done       chan struct{}
	openTimers atomic.Int64

	// Loop goroutine only.
	timers  timerHeap
	timerID uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used for timers.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithName names the loop in log output.
func WithName(name string) Option {
	return func(l *Loop) {
		l.name = name
	}
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock:  clock.New(),
		logger: logging.NewNop(),
		tasks:  list.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithComponent("runloop")
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Clock returns the loop clock.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Now returns the current time on the loop clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// InLoop reports whether the caller is the goroutine running this loop.
func (l *Loop) InLoop() bool {
	id := l.goid.Load()
	return id != 0 && id == goroutineID()
}

// Running reports whether Run is executing and Stop has not completed.
func (l *Loop) Running() bool {
	return state(l.state.Load()) == stateRunning
}

// Idle reports whether the loop was never started.
func (l *Loop) Idle() bool {
	return state(l.state.Load()) == stateIdle
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post schedules task on the loop. It fails with ALREADY_CLOSED once Stop
// has been called.
func (l *Loop) Post(task Task, pos Position) error {
	if task == nil {
		return errors.InvalidArgument("runloop: nil task")
	}
	l.mu.Lock()
	if l.stopReq {
		l.mu.Unlock()
		return errors.AlreadyClosed("runloop " + l.name)
	}
	if pos == Front {
		l.tasks.PushFront(task)
	} else {
		l.tasks.PushBack(task)
	}
	l.mu.Unlock()
	l.signal()
	return nil
}

// Stop asks the loop to exit. With drain set the tasks already queued run
// first; otherwise they are discarded. Calling Stop more than once has no
// further effect.
func (l *Loop) Stop(drain bool) {
	l.mu.Lock()
	if l.stopReq {
		l.mu.Unlock()
		return
	}
	l.stopReq = true
	l.drain = drain
	l.mu.Unlock()
	l.signal()
}

// OnStopped registers fn to run on the loop goroutine after the last task.
func (l *Loop) OnStopped(fn func()) {
	l.mu.Lock()
	l.onStopped = append(l.onStopped, fn)
	l.mu.Unlock()
}

// Run executes the loop on the calling goroutine, which is locked to its OS
// thread, until Stop. It returns an error if the loop already ran.
func (l *Loop) Run() error {
	if !l.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return errors.InvalidArgument("runloop %q: Run called twice", l.name)
	}
	l.run()
	return nil
}

// Start runs the loop on a new goroutine. The loop counts as running once
// Start returns.
func (l *Loop) Start() error {
	if !l.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return errors.InvalidArgument("runloop %q: already started", l.name)
	}
	go l.run()
	return nil
}

func (l *Loop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.goid.Store(goroutineID())
	defer func() {
		l.goid.Store(0)
		l.state.Store(int32(stateStopped))
		close(l.done)
	}()

	for {
		l.fireTimers()

		task, exit := l.next()
		if exit {
			break
		}
		if task != nil {
			l.runTask(task)
			continue
		}
		l.wait()
	}

	l.mu.Lock()
	callbacks := l.onStopped
	l.onStopped = nil
	l.mu.Unlock()
	for _, fn := range callbacks {
		l.runTask(fn)
	}
}

// Close verifies the loop holds no work. A loop destroyed with open timers or
// queued tasks is a programming error and panics.
func (l *Loop) Close() {
	if n := l.openTimers.Load(); n > 0 {
		panic(fmt.Sprintf("runloop %q: closed with %d open timers", l.name, n))
	}
	l.mu.Lock()
	n := l.tasks.Len()
	l.mu.Unlock()
	if n > 0 {
		panic(fmt.Sprintf("runloop %q: closed with %d queued tasks", l.name, n))
	}
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopReq && !l.drain {
		l.tasks.Init()
		return nil, true
	}
	if front := l.tasks.Front(); front != nil {
		l.tasks.Remove(front)
		return front.Value.(Task), false
	}
	return nil, l.stopReq
}

func (l *Loop) wait() {
	next, ok := l.timers.peek()
	if !ok {
		<-l.wake
		return
	}
	d := next.deadline.Sub(l.clock.Now())
	if d <= 0 {
		return
	}
	t := l.clock.Timer(d)
	defer t.Stop()
	select {
	case <-l.wake:
	case <-t.C:
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.RecoverPanic(r)
			l.logger.Error("task panicked", map[string]interface{}{
				"loop":  l.name,
				"error": err.Error(),
			})
		}
	}()
	task()
}

// goroutineID parses the current goroutine id from the stack header
// ("goroutine NNN [").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
