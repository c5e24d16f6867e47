package extension

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptima-ai/aptima-framework-sub006/dispatch"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/graph"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

const twoNodes = `{
  "nodes": [
    {"type": "extension", "name": "a", "addon": "a", "extension_group": "g"},
    {"type": "extension", "name": "b", "addon": "b", "extension_group": "g",
     "property": {"greeting": "hi"}}
  ],
  "connections": [
    {"extension": "a",
     "cmd": [{"name": "ping", "dest": [{"extension": "b"}]}],
     "data": [{"name": "chunk", "dest": [{"extension": "b"}]}]}
  ]
}`

// recorder collects events from logic callbacks.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) has(event string) bool {
	for _, e := range r.snapshot() {
		if e == event {
			return true
		}
	}
	return false
}

type hooks struct {
	configure func(env *Env)
	start     func(env *Env)
	cmd       func(env *Env, cmd *message.Command)
}

type testLogic struct {
	BaseLogic
	h   hooks
	rec *recorder
}

func (l *testLogic) OnConfigure(env *Env) {
	l.rec.add("%s:configure", env.Name())
	if l.h.configure != nil {
		l.h.configure(env)
		return
	}
	_ = env.OnConfigureDone()
}

func (l *testLogic) OnStart(env *Env) {
	l.rec.add("%s:start", env.Name())
	if l.h.start != nil {
		l.h.start(env)
		return
	}
	_ = env.OnStartDone()
}

func (l *testLogic) OnStop(env *Env) {
	l.rec.add("%s:stop", env.Name())
	_ = env.OnStopDone()
}

func (l *testLogic) OnDeinit(env *Env) {
	l.rec.add("%s:deinit", env.Name())
	_ = env.OnDeinitDone()
}

func (l *testLogic) OnCommand(env *Env, cmd *message.Command) {
	l.rec.add("%s:cmd:%s", env.Name(), cmd.Name)
	if l.h.cmd != nil {
		l.h.cmd(env, cmd)
		return
	}
	l.BaseLogic.OnCommand(env, cmd)
}

func (l *testLogic) OnData(env *Env, d *message.Data) {
	l.rec.add("%s:data:%s", env.Name(), string(d.Buf))
}

type testFactory struct {
	rec     *recorder
	hooks   map[string]hooks
	failing map[string]bool

	mu        sync.Mutex
	destroyed []string
}

func (f *testFactory) Create(addon, instance string, done func(Logic, error)) {
	go func() {
		if f.failing[addon] {
			done(nil, errors.NotFound("addon "+addon))
			return
		}
		done(&testLogic{h: f.hooks[addon], rec: f.rec}, nil)
	}()
}

func (f *testFactory) Destroy(addon string, _ Logic, done func()) {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, addon)
	f.mu.Unlock()
	go done()
}

func (f *testFactory) destroyedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

// loopback routes every message back into the same thread.
type loopback struct {
	thread *Thread
}

func (r *loopback) Route(_ message.Location, msg message.Message) error {
	return r.thread.Deliver(msg)
}

type fixture struct {
	thread  *Thread
	factory *testFactory
	rec     *recorder
	ready   chan error
}

func newFixture(t *testing.T, h map[string]hooks, mutate func(*Config, *testFactory)) *fixture {
	t.Helper()
	def, err := graph.Parse([]byte(twoNodes))
	require.NoError(t, err)
	g, err := graph.Build(def, graph.BuildOptions{AppURI: "msgpack://local/", GraphID: "graph-1"})
	require.NoError(t, err)

	rec := &recorder{}
	factory := &testFactory{rec: rec, hooks: h, failing: map[string]bool{}}
	router := &loopback{}
	cfg := Config{
		Group:      "g",
		GraphID:    g.ID(),
		AppURI:     g.AppURI(),
		Factory:    factory,
		Router:     router,
		Dispatcher: dispatch.New(g),
	}
	if mutate != nil {
		mutate(&cfg, factory)
	}
	th := NewThread(cfg, g.LocalNodes())
	router.thread = th

	f := &fixture{thread: th, factory: factory, rec: rec, ready: make(chan error, 1)}
	require.NoError(t, th.Start(func(err error) { f.ready <- err }))
	return f
}

func (f *fixture) waitReady(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.ready:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("thread never became ready")
		return nil
	}
}

func (f *fixture) close(t *testing.T) {
	t.Helper()
	f.thread.Node().Close()
	select {
	case <-f.thread.Node().Destroyed():
	case <-time.After(5 * time.Second):
		t.Fatal("thread never destroyed")
	}
	<-f.thread.Loop().Done()
}

func TestThreadLifecycle(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.waitReady(t))

	phases, err := f.thread.Phases()
	require.NoError(t, err)
	assert.Equal(t, map[string]Phase{"a": PhaseStarted, "b": PhaseStarted}, phases)

	f.close(t)

	assert.Equal(t, 2, f.factory.destroyedCount())
	for _, name := range []string{"a", "b"} {
		var order []string
		for _, e := range f.rec.snapshot() {
			if len(e) > 2 && e[:2] == name+":" {
				order = append(order, e)
			}
		}
		assert.Equal(t, []string{name + ":configure", name + ":start", name + ":stop", name + ":deinit"}, order)
	}

	_, err = f.thread.Phases()
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyClosed))
	err = f.thread.Deliver(&message.Data{Header: message.Header{
		Name: "chunk",
		Dest: []message.Location{{Extension: "b"}},
	}})
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyClosed))
}

func TestCommandRoundTrip(t *testing.T) {
	results := make(chan *message.CommandResult, 1)
	f := newFixture(t, map[string]hooks{
		"a": {start: func(env *Env) {
			err := env.SendCmd(message.NewCommand("ping"), func(res *message.CommandResult) {
				results <- res
			})
			if err != nil {
				env.Logger().Error(err.Error())
			}
			_ = env.OnStartDone()
		}},
		"b": {cmd: func(env *Env, cmd *message.Command) {
			res := message.NewResult(cmd, message.StatusOK)
			res.Detail = env.PropertyString("greeting")
			_ = env.ReturnResult(res, cmd)
		}},
	}, nil)
	require.NoError(t, f.waitReady(t))

	select {
	case res := <-results:
		assert.Equal(t, message.StatusOK, res.Status)
		assert.True(t, res.Final)
		assert.Equal(t, "ping", res.OriginalName)
		assert.Equal(t, "hi", res.Detail)
		assert.Equal(t, "b", res.Src.Extension)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
	f.close(t)
}

func TestMessagesBufferedUntilStarted(t *testing.T) {
	held := make(chan *Env, 1)
	f := newFixture(t, map[string]hooks{
		"a": {start: func(env *Env) {
			for _, buf := range []string{"1", "2", "3"} {
				_ = env.SendData(message.NewData("chunk", []byte(buf)))
			}
			env.Logger().Debug("sent")
			_ = env.OnStartDone()
		}},
		"b": {start: func(env *Env) { held <- env }},
	}, nil)

	var env *Env
	select {
	case env = <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("b never started")
	}
	require.Eventually(t, func() bool { return f.rec.has("a:start") }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, f.rec.has("b:data:1"), "delivered before STARTED")

	p, err := env.AcquireProxy()
	require.NoError(t, err)
	require.NoError(t, p.Notify(func() { _ = env.OnStartDone() }, true))
	p.Release()

	require.NoError(t, f.waitReady(t))
	var got []string
	for _, e := range f.rec.snapshot() {
		if len(e) > 7 && e[:7] == "b:data:" {
			got = append(got, e)
		}
	}
	assert.Equal(t, []string{"b:data:1", "b:data:2", "b:data:3"}, got)
	f.close(t)
}

func TestResultReachesStartingExtension(t *testing.T) {
	results := make(chan *message.CommandResult, 1)
	held := make(chan *Env, 1)
	f := newFixture(t, map[string]hooks{
		"a": {start: func(env *Env) {
			_ = env.SendCmd(message.NewCommand("ping"), func(res *message.CommandResult) {
				results <- res
			})
			held <- env
		}},
		"b": {cmd: func(env *Env, cmd *message.Command) {
			_ = env.ReturnResult(message.NewResult(cmd, message.StatusOK), cmd)
		}},
	}, nil)

	var env *Env
	select {
	case env = <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("a never started")
	}

	select {
	case res := <-results:
		assert.Equal(t, message.StatusOK, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("result not delivered while STARTING")
	}
	phases, err := f.thread.Phases()
	require.NoError(t, err)
	assert.Equal(t, PhaseStarting, phases["a"])

	p, err := env.AcquireProxy()
	require.NoError(t, err)
	require.NoError(t, p.Notify(func() { _ = env.OnStartDone() }, true))
	p.Release()

	require.NoError(t, f.waitReady(t))
	f.close(t)
}

func TestBufferedMessagesPrecedeLaterOnes(t *testing.T) {
	held := make(chan *Env, 1)
	senders := make(chan *Env, 1)
	f := newFixture(t, map[string]hooks{
		"a": {start: func(env *Env) {
			for _, buf := range []string{"1", "2"} {
				_ = env.SendData(message.NewData("chunk", []byte(buf)))
			}
			senders <- env
			_ = env.OnStartDone()
		}},
		"b": {start: func(env *Env) { held <- env }},
	}, nil)

	var bEnv, aEnv *Env
	select {
	case bEnv = <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("b never started")
	}
	aEnv = <-senders
	require.Eventually(t, func() bool {
		phases, err := f.thread.Phases()
		return err == nil && phases["a"] == PhaseStarted
	}, 5*time.Second, 5*time.Millisecond)

	p, err := bEnv.AcquireProxy()
	require.NoError(t, err)
	require.NoError(t, p.Notify(func() {
		_ = aEnv.SendData(message.NewData("chunk", []byte("3")))
		_ = bEnv.OnStartDone()
		_ = aEnv.SendData(message.NewData("chunk", []byte("4")))
	}, true))
	p.Release()
	require.NoError(t, f.waitReady(t))

	require.NoError(t, f.thread.Deliver(&message.Data{Header: message.Header{
		Name: "chunk",
		Dest: []message.Location{{Extension: "b"}},
	}, Buf: []byte("5")}))
	require.Eventually(t, func() bool { return f.rec.has("b:data:5") }, 5*time.Second, 5*time.Millisecond)

	var got []string
	for _, e := range f.rec.snapshot() {
		if len(e) > 7 && e[:7] == "b:data:" {
			got = append(got, e)
		}
	}
	assert.Equal(t, []string{"b:data:1", "b:data:2", "b:data:3", "b:data:4", "b:data:5"}, got)
	f.close(t)
}

func TestSendBeforeStarting(t *testing.T) {
	errs := make(chan error, 1)
	f := newFixture(t, map[string]hooks{
		"a": {configure: func(env *Env) {
			errs <- env.SendData(message.NewData("chunk", nil))
			_ = env.OnConfigureDone()
		}},
	}, nil)
	require.NoError(t, f.waitReady(t))

	err := <-errs
	assert.True(t, errors.Is(err, errors.ErrCodeNotAllowedInPhase))
	f.close(t)
}

func TestEnvOffThread(t *testing.T) {
	envs := make(chan *Env, 1)
	f := newFixture(t, map[string]hooks{
		"a": {configure: func(env *Env) {
			envs <- env
			_ = env.OnConfigureDone()
		}},
	}, nil)
	require.NoError(t, f.waitReady(t))

	env := <-envs
	err := env.SendData(message.NewData("chunk", nil))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
	err = env.OnStopDone()
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
	_, err = env.NewTimer(time.Millisecond, 1, func() {})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
	f.close(t)
}

func TestDuplicateAck(t *testing.T) {
	errs := make(chan error, 1)
	f := newFixture(t, map[string]hooks{
		"a": {configure: func(env *Env) {
			_ = env.OnConfigureDone()
			errs <- env.OnConfigureDone()
		}},
	}, nil)
	require.NoError(t, f.waitReady(t))

	assert.True(t, errors.Is(<-errs, errors.ErrCodeInvalidArgument))
	f.close(t)
}

func TestCloseAnswersOpenCommands(t *testing.T) {
	results := make(chan *message.CommandResult, 2)
	f := newFixture(t, map[string]hooks{
		"a": {start: func(env *Env) {
			_ = env.SendCmd(message.NewCommand("ping"), func(res *message.CommandResult) {
				results <- res
			})
			_ = env.OnStartDone()
		}},
		// b never answers.
		"b": {cmd: func(*Env, *message.Command) {}},
	}, nil)
	require.NoError(t, f.waitReady(t))
	require.Eventually(t, func() bool { return f.rec.has("b:cmd:ping") }, 5*time.Second, 5*time.Millisecond)

	f.close(t)

	require.Len(t, results, 1)
	res := <-results
	assert.Equal(t, message.StatusClosed, res.Status)
	assert.True(t, res.Final)
	assert.Equal(t, 2, f.factory.destroyedCount())
}

func TestOutPathTimeout(t *testing.T) {
	mock := clock.NewMock()
	results := make(chan *message.CommandResult, 1)
	f := newFixture(t, map[string]hooks{
		"a": {start: func(env *Env) {
			_ = env.SendCmd(message.NewCommand("ping"), func(res *message.CommandResult) {
				results <- res
			})
			_ = env.OnStartDone()
		}},
		"b": {cmd: func(*Env, *message.Command) {}},
	}, func(cfg *Config, _ *testFactory) {
		cfg.LoopOptions = []runloop.Option{runloop.WithClock(mock)}
		cfg.PathTimeout = 100 * time.Millisecond
		cfg.SweepInterval = 10 * time.Millisecond
	})
	require.NoError(t, f.waitReady(t))
	require.Eventually(t, func() bool { return f.rec.has("b:cmd:ping") }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		return len(results) > 0
	}, 5*time.Second, 5*time.Millisecond)

	res := <-results
	assert.Equal(t, message.StatusTimeout, res.Status)
	assert.True(t, res.Final)
	f.close(t)
}

func TestCreateFailure(t *testing.T) {
	f := newFixture(t, nil, func(_ *Config, factory *testFactory) {
		factory.failing["b"] = true
	})

	err := f.waitReady(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating b")

	f.close(t)
	assert.Equal(t, 1, f.factory.destroyedCount())
}
