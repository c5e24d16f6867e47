package runloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

func runLoop(t *testing.T, l *Loop) {
	t.Helper()
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		l.Stop(false)
		<-l.Done()
	})
}

// recorder collects values appended from the loop goroutine.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestPostOrdering(t *testing.T) {
	l := New()
	rec := &recorder{}

	require.NoError(t, l.Post(func() { rec.add("a") }, Back))
	require.NoError(t, l.Post(func() { rec.add("b") }, Back))
	require.NoError(t, l.Post(func() { rec.add("c") }, Front))
	l.Stop(true)

	require.NoError(t, l.Run())
	assert.Equal(t, []string{"c", "a", "b"}, rec.values())
}

func TestStopDiscard(t *testing.T) {
	l := New()
	var ran atomic.Bool
	require.NoError(t, l.Post(func() { ran.Store(true) }, Back))
	l.Stop(false)
	l.Stop(true) // Ignored: first Stop wins

	require.NoError(t, l.Run())
	assert.False(t, ran.Load())
	assert.NotPanics(t, l.Close)
}

func TestPostAfterStop(t *testing.T) {
	l := New(WithName("t"))
	l.Stop(true)

	err := l.Post(func() {}, Back)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyClosed))
}

func TestRunTwice(t *testing.T) {
	l := New()
	l.Stop(false)
	require.NoError(t, l.Run())
	assert.Error(t, l.Run())
}

func TestStart(t *testing.T) {
	l := New()
	assert.True(t, l.Idle())
	require.NoError(t, l.Start())
	assert.False(t, l.Idle())
	assert.True(t, l.Running(), "running as soon as Start returns")
	assert.Error(t, l.Start())
	assert.Error(t, l.Run())

	l.Stop(false)
	<-l.Done()
	assert.False(t, l.Idle())
	assert.False(t, l.Running())
}

func TestInLoop(t *testing.T) {
	l := New()
	runLoop(t, l)

	inside := make(chan bool, 1)
	require.NoError(t, l.Post(func() { inside <- l.InLoop() }, Back))

	assert.True(t, <-inside)
	assert.False(t, l.InLoop())
}

func TestOnStoppedRunsOnLoop(t *testing.T) {
	l := New()
	rec := &recorder{}
	l.OnStopped(func() {
		if l.InLoop() {
			rec.add("stopped-in-loop")
		}
	})
	require.NoError(t, l.Post(func() { rec.add("task") }, Back))
	l.Stop(true)

	require.NoError(t, l.Run())
	<-l.Done()
	assert.Equal(t, []string{"task", "stopped-in-loop"}, rec.values())
	assert.False(t, l.Running())
}

func TestPanickingTaskKeepsLoopAlive(t *testing.T) {
	l := New()
	var ran atomic.Bool
	require.NoError(t, l.Post(func() { panic("boom") }, Back))
	require.NoError(t, l.Post(func() { ran.Store(true) }, Back))
	l.Stop(true)

	require.NoError(t, l.Run())
	assert.True(t, ran.Load())
}

func TestTimerOrdering(t *testing.T) {
	mock := clock.NewMock()
	l := New(WithClock(mock))
	runLoop(t, l)
	rec := &recorder{}

	started := make(chan struct{})
	require.NoError(t, l.Post(func() {
		for _, tc := range []struct {
			name string
			d    time.Duration
		}{{"late", 20 * time.Millisecond}, {"first", 10 * time.Millisecond}, {"second", 10 * time.Millisecond}} {
			name := tc.name
			tm, err := l.NewTimer(tc.d, 1, func() { rec.add(name) })
			require.NoError(t, err)
			require.NoError(t, tm.Start())
		}
		close(started)
	}, Back))
	<-started

	require.Eventually(t, func() bool {
		mock.Add(5 * time.Millisecond)
		return len(rec.values()) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"first", "second", "late"}, rec.values())
}

func TestTimerShots(t *testing.T) {
	mock := clock.NewMock()
	l := New(WithClock(mock))
	runLoop(t, l)

	var fired atomic.Int32
	var timer *Timer
	started := make(chan struct{})
	require.NoError(t, l.Post(func() {
		var err error
		timer, err = l.NewTimer(10*time.Millisecond, 2, func() { fired.Add(1) })
		require.NoError(t, err)
		require.NoError(t, timer.Start())
		close(started)
	}, Back))
	<-started

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return fired.Load() == 2
	}, time.Second, time.Millisecond)

	mock.Add(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), fired.Load())

	closed := make(chan error, 1)
	require.NoError(t, l.Post(func() { closed <- timer.Close() }, Back))
	assert.NoError(t, <-closed)
}

func TestPeriodicTimerStop(t *testing.T) {
	mock := clock.NewMock()
	l := New(WithClock(mock))
	runLoop(t, l)

	var fired atomic.Int32
	var timer *Timer
	require.NoError(t, l.Post(func() {
		timer, _ = l.NewTimer(time.Millisecond, Forever, func() {
			if fired.Add(1) == 3 {
				_ = timer.Stop()
			}
		})
		_ = timer.Start()
	}, Back))

	require.Eventually(t, func() bool {
		mock.Add(time.Millisecond)
		return fired.Load() == 3
	}, time.Second, time.Millisecond)

	mock.Add(50 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(3), fired.Load())
}

func TestTimerOffLoop(t *testing.T) {
	l := New()
	tm, err := l.NewTimer(time.Second, 1, func() {})
	require.NoError(t, err)

	assert.True(t, errors.Is(tm.Start(), errors.ErrCodeInvalidArgument))

	_, err = l.NewTimer(time.Second, 0, func() {})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
}

func TestCloseWithOpenTimerPanics(t *testing.T) {
	l := New()
	_, err := l.NewTimer(time.Second, Forever, func() {})
	require.NoError(t, err)

	assert.Panics(t, l.Close)
}

func TestCloseWithQueuedTasksPanics(t *testing.T) {
	l := New()
	require.NoError(t, l.Post(func() {}, Back))

	assert.Panics(t, l.Close)
}
