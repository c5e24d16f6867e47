// Package extension runs extensions: the per-extension lifecycle state
// machine, the Env handed to extension logic, and the Thread that hosts every
// extension of one extension group on a single run loop.
package extension

import (
	"time"

	"github.com/aptima-ai/aptima-framework-sub006/closing"
	"github.com/aptima-ai/aptima-framework-sub006/dispatch"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/graph"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
	"github.com/aptima-ai/aptima-framework-sub006/pathtable"
	"github.com/aptima-ai/aptima-framework-sub006/proxy"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

const (
	opConfigure = "configure"
	opInit      = "init"
	opStart     = "start"
	opStop      = "stop"
	opDeinit    = "deinit"
)

// Config configures a Thread.
type Config struct {
	Group      string
	GraphID    string
	AppURI     string
	Factory    Factory
	Router     Router
	Dispatcher *dispatch.Dispatcher
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	// LoopOptions are passed to the thread's run loop (clock injection).
	LoopOptions []runloop.Option

	// PhaseTimeout bounds each lifecycle acknowledgment. Overdue acks are
	// reported, never inferred. Zero disables the check.
	PhaseTimeout time.Duration
	// PathTimeout is the default deadline of outbound commands.
	PathTimeout time.Duration
	// SweepInterval is the period of the path timeout sweep.
	SweepInterval time.Duration
}

// Extension is the runtime state of one extension instance. Only the thread
// goroutine touches it.
type Extension struct {
	name   string
	addon  string
	loc    message.Location
	props  map[string]any
	logger *logging.Logger

	logic    Logic
	env      *Env
	phase    Phase
	pending  []message.Message
	paths    *pathtable.Table
	awaiting *phaseOp

	resolved      bool // Factory.Create reported back
	failed        bool
	drained       bool
	stopRequested bool
	finishing     bool
	destroyed     bool
}

// Thread hosts the extensions of one group on its own run loop.
type Thread struct {
	cfg    Config
	logger *logging.Logger
	loop   *runloop.Loop
	owner  *proxy.Owner
	node   *closing.Node

	// Immutable after NewThread.
	exts  map[string]*Extension
	order []*Extension

	// Loop goroutine only.
	onReady       func(error)
	readyReported bool
	closing       bool
	finished      bool
	closeDone     func()
}

// NewThread creates a thread for the given nodes, which must all belong to
// cfg.Group. Nothing runs until Start.
func NewThread(cfg Config, nodes []graph.Node) *Thread {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	t := &Thread{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("thread"),
		exts:   make(map[string]*Extension, len(nodes)),
	}
	loopOpts := append([]runloop.Option{
		runloop.WithName("group:" + cfg.Group),
		runloop.WithLogger(cfg.Logger),
	}, cfg.LoopOptions...)
	t.loop = runloop.New(loopOpts...)
	t.owner = proxy.NewOwner("extension group "+cfg.Group, t.loop, proxy.WithMetrics(cfg.Metrics))
	t.node = closing.NewNode("group:"+cfg.Group, closing.Hooks{
		Teardown: t.teardown,
		Destroy:  t.destroy,
	}, closing.LoopExecutor(t.loop))

	for _, n := range nodes {
		ext := &Extension{
			name:   n.Name,
			addon:  n.Addon,
			loc:    message.Location{AppURI: cfg.AppURI, GraphID: cfg.GraphID, Group: cfg.Group, Extension: n.Name},
			props:  message.CloneProperties(n.Property),
			logger: cfg.Logger.WithComponent(n.Name),
		}
		ext.paths = pathtable.New(n.Name,
			pathtable.WithClock(t.loop.Clock()),
			pathtable.WithLogger(cfg.Logger),
			pathtable.WithMetrics(cfg.Metrics),
			pathtable.WithDefaultTimeout(cfg.PathTimeout),
		)
		ext.env = &Env{thread: t, ext: ext}
		t.exts[n.Name] = ext
		t.order = append(t.order, ext)
	}
	return t
}

// Group returns the extension group name.
func (t *Thread) Group() string {
	return t.cfg.Group
}

// Loop returns the thread's run loop.
func (t *Thread) Loop() *runloop.Loop {
	return t.loop
}

// Node returns the thread's closing node.
func (t *Thread) Node() *closing.Node {
	return t.node
}

// Owner returns the liveness owner of the thread.
func (t *Thread) Owner() *proxy.Owner {
	return t.owner
}

// Hosts reports whether the thread hosts the named extension.
func (t *Thread) Hosts(name string) bool {
	_, ok := t.exts[name]
	return ok
}

// Start runs the loop and creates every extension. onReady runs on the thread
// loop once, with nil when every extension reached STARTED or with the first
// creation error.
func (t *Thread) Start(onReady func(error)) error {
	if err := t.loop.Post(func() {
		t.onReady = onReady
		for _, ext := range t.order {
			t.create(ext)
		}
		if len(t.order) == 0 {
			t.reportReady(nil)
		}
	}, runloop.Back); err != nil {
		return err
	}
	return t.loop.Start()
}

// Deliver hands msg to the extension named by its single destination. It
// fails with ALREADY_CLOSED once the thread stopped accepting work.
func (t *Thread) Deliver(msg message.Message) error {
	dest := msg.Head().Dest
	if len(dest) != 1 {
		return errors.InvalidArgument("deliver needs exactly one destination, got %d", len(dest))
	}
	ext, ok := t.exts[dest[0].Extension]
	if !ok {
		return errors.NotFound("extension " + dest[0].Extension)
	}
	p, err := t.owner.Acquire()
	if err != nil {
		return err
	}
	defer p.Release()
	return p.Notify(func() { t.receive(ext, msg) }, false)
}

// Phases returns the phase of every extension. It blocks until the thread
// loop answers.
func (t *Thread) Phases() (map[string]Phase, error) {
	p, err := t.owner.Acquire()
	if err != nil {
		return nil, err
	}
	defer p.Release()
	out := make(map[string]Phase, len(t.order))
	err = p.Notify(func() {
		for _, ext := range t.order {
			out[ext.name] = ext.phase
		}
	}, true)
	return out, err
}

// --- Creation ---

func (t *Thread) create(ext *Extension) {
	t.cfg.Factory.Create(ext.addon, ext.name, func(logic Logic, err error) {
		postErr := t.loop.Post(func() { t.created(ext, logic, err) }, runloop.Back)
		if postErr != nil && err == nil && logic != nil {
			t.cfg.Factory.Destroy(ext.addon, logic, func() {})
		}
	})
}

func (t *Thread) created(ext *Extension, logic Logic, err error) {
	ext.resolved = true
	if err == nil && logic == nil {
		err = errors.New(errors.ErrCodeInternal, "addon "+ext.addon+" returned no logic")
	}
	if err != nil {
		ext.failed = true
		t.logger.Error("extension creation failed", map[string]interface{}{
			"extension": ext.name,
			"addon":     ext.addon,
			"error":     err.Error(),
		})
		t.reportReady(errors.Wrapf(err, "creating %s", ext.name))
		t.maybeFinish()
		return
	}

	ext.logic = logic
	if t.closing {
		// Never configured: nothing to walk through.
		t.destroyLogic(ext)
		return
	}
	if t.cfg.SweepInterval > 0 {
		if err := ext.paths.Attach(t.loop, t.cfg.SweepInterval); err != nil {
			t.logger.Error("path sweep not attached", map[string]interface{}{"extension": ext.name, "error": err.Error()})
		}
	}
	t.await(ext, opConfigure, PhaseConfigured, logic.OnConfigure)
}

// --- Lifecycle ---

// await invokes a lifecycle callback and records the acknowledgment it
// expects.
func (t *Thread) await(ext *Extension, op string, next Phase, call func(*Env)) {
	o := &phaseOp{op: op, next: next, started: t.loop.Now()}
	if t.cfg.PhaseTimeout > 0 {
		timer, err := t.loop.NewTimer(t.cfg.PhaseTimeout, 1, func() {
			t.logger.PhaseOverdue(ext.name, op, t.loop.Now().Sub(o.started))
			t.cfg.Metrics.PhaseOverdue(op)
			o.cancel()
		})
		if err == nil && timer.Start() == nil {
			o.overdue = timer
		} else if timer != nil {
			_ = timer.Close()
		}
	}
	ext.awaiting = o
	call(ext.env)
}

func (t *Thread) ack(ext *Extension, op string) error {
	if !t.loop.InLoop() {
		return errors.InvalidArgument("%s: on_%s_done called off the extension thread", ext.name, op)
	}
	o := ext.awaiting
	if o == nil || o.op != op {
		return errors.InvalidArgument("%s: unexpected on_%s_done in phase %s", ext.name, op, ext.phase)
	}
	o.cancel()
	ext.awaiting = nil
	t.setPhase(ext, o.next)

	// Front: the follow-up runs before any message that arrives later.
	if err := t.loop.Post(func() { t.advance(ext) }, runloop.Front); err != nil {
		t.logger.Warn("lifecycle stalled", map[string]interface{}{"extension": ext.name, "error": err.Error()})
	}
	return nil
}

func (t *Thread) setPhase(ext *Extension, next Phase) {
	from := ext.phase
	if next != from+1 {
		panic("extension " + ext.name + ": illegal transition " + from.String() + " -> " + next.String())
	}
	ext.phase = next
	t.logger.PhaseChanged(ext.name, from.String(), next.String())
	t.cfg.Metrics.PhaseEntered(next.String())
}

// advance performs the runtime-driven step that follows the current phase.
func (t *Thread) advance(ext *Extension) {
	if ext.awaiting != nil || ext.logic == nil {
		return
	}
	switch ext.phase {
	case PhaseConfigured:
		t.await(ext, opInit, PhaseInitialized, ext.logic.OnInit)
	case PhaseInitialized:
		t.setPhase(ext, PhaseStarting)
		t.await(ext, opStart, PhaseStarted, ext.logic.OnStart)
	case PhaseStarted:
		if !ext.drained {
			ext.drained = true
			t.drain(ext)
			t.checkReady()
		}
		if ext.stopRequested && ext.awaiting == nil && ext.phase == PhaseStarted {
			t.await(ext, opStop, PhaseStopped, ext.logic.OnStop)
		}
	case PhaseStopped:
		t.setPhase(ext, PhaseDeinitializing)
		for _, e := range ext.paths.Entries(pathtable.In) {
			t.rejectCommand(ext, e.CmdID, e.CmdName, e.ReplyTo)
			ext.paths.CompleteIn(e.CmdID, true)
		}
		t.await(ext, opDeinit, PhaseDeinitialized, ext.logic.OnDeinit)
	case PhaseDeinitialized:
		t.finishExtension(ext)
	}
}

func (t *Thread) drain(ext *Extension) {
	for len(ext.pending) > 0 {
		msg := ext.pending[0]
		ext.pending = ext.pending[1:]
		t.deliverToLogic(ext, msg)
	}
	ext.pending = nil
}

func (t *Thread) checkReady() {
	for _, ext := range t.order {
		if ext.phase < PhaseStarted || !ext.drained {
			return
		}
	}
	t.reportReady(nil)
}

func (t *Thread) reportReady(err error) {
	if t.readyReported {
		return
	}
	t.readyReported = true
	if t.onReady != nil {
		t.onReady(err)
	}
}

func (t *Thread) finishExtension(ext *Extension) {
	if ext.finishing {
		return
	}
	ext.finishing = true
	if err := ext.paths.Detach(); err != nil {
		t.logger.Warn("path sweep not detached", map[string]interface{}{"extension": ext.name, "error": err.Error()})
	}
	ext.paths.FailAll(message.StatusClosed, "extension deinitialized")
	for _, msg := range ext.pending {
		if cmd, ok := msg.(*message.Command); ok {
			t.rejectCommand(ext, cmd.ID, cmd.Name, cmd.Src)
		}
	}
	ext.pending = nil
	t.destroyLogic(ext)
}

func (t *Thread) destroyLogic(ext *Extension) {
	t.cfg.Factory.Destroy(ext.addon, ext.logic, func() {
		_ = t.loop.Post(func() {
			ext.destroyed = true
			t.maybeFinish()
		}, runloop.Back)
	})
}

// --- Closing ---

// teardown is Stage 2 of the thread: stop and deinitialize every extension,
// then wait for outstanding proxies.
func (t *Thread) teardown(done func()) {
	t.closing = true
	t.closeDone = done
	for _, ext := range t.order {
		ext.stopRequested = true
		if ext.logic == nil {
			continue
		}
		if ext.finishing || ext.phase == PhaseDeinitialized {
			t.finishExtension(ext)
			continue
		}
		t.advance(ext)
	}
	t.maybeFinish()
}

func (t *Thread) maybeFinish() {
	if !t.closing || t.finished {
		return
	}
	for _, ext := range t.order {
		if !ext.destroyed && !(ext.resolved && ext.failed) {
			return
		}
	}
	t.finished = true
	t.owner.BeginClose()
	done := t.closeDone
	go func() {
		<-t.owner.Released()
		done()
	}()
}

// destroy stops the loop once every queued task ran.
func (t *Thread) destroy() {
	t.loop.OnStopped(t.loop.Close)
	t.loop.Stop(true)
}

// --- Message flow ---

func (t *Thread) receive(ext *Extension, msg message.Message) {
	if res, ok := msg.(*message.CommandResult); ok {
		ext.paths.HandleResult(res)
		return
	}
	switch {
	case ext.phase >= PhaseDeinitializing || (ext.resolved && ext.failed) || (t.closing && ext.logic == nil):
		t.reject(ext, msg)
	case ext.phase.Accepts() && ext.drained:
		t.deliverToLogic(ext, msg)
	default:
		ext.pending = append(ext.pending, msg)
	}
}

func (t *Thread) deliverToLogic(ext *Extension, msg message.Message) {
	switch m := msg.(type) {
	case *message.Command:
		err := ext.paths.Open(pathtable.Entry{CmdID: m.ID, CmdName: m.Name, Dir: pathtable.In, ReplyTo: m.Src})
		if err != nil {
			t.logger.MessageDropped(m.Kind().String(), m.Name, err.Error())
			return
		}
		ext.logic.OnCommand(ext.env, m)
	case *message.Data:
		ext.logic.OnData(ext.env, m)
	case *message.VideoFrame:
		ext.logic.OnVideoFrame(ext.env, m)
	case *message.AudioFrame:
		ext.logic.OnAudioFrame(ext.env, m)
	case *message.CommandResult:
		ext.paths.HandleResult(m)
	}
}

func (t *Thread) reject(ext *Extension, msg message.Message) {
	if cmd, ok := msg.(*message.Command); ok {
		t.rejectCommand(ext, cmd.ID, cmd.Name, cmd.Src)
		return
	}
	t.logger.MessageDropped(msg.Kind().String(), msg.Head().Name, "extension "+ext.name+" is "+ext.phase.String())
}

// rejectCommand answers a command with a final CLOSED result.
func (t *Thread) rejectCommand(ext *Extension, id, name string, replyTo message.Location) {
	if replyTo.Extension == "" {
		return
	}
	res := &message.CommandResult{
		Header: message.Header{
			Name: name,
			Src:  ext.loc,
			Dest: []message.Location{replyTo},
		},
		ID:           id,
		OriginalName: name,
		Status:       message.StatusClosed,
		Final:        true,
		Detail:       "extension " + ext.name + " is closing",
	}
	if err := t.route(ext, res); err != nil {
		t.logger.MessageDropped(res.Kind().String(), name, err.Error())
	}
}

func (t *Thread) route(ext *Extension, msg message.Message) error {
	deliveries, err := t.cfg.Dispatcher.Resolve(ext.name, msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range deliveries {
		errs = append(errs, t.cfg.Router.Route(d.Dest, d.Msg))
	}
	return errors.Combine(errs...)
}

func (t *Thread) sendCmd(ext *Extension, cmd *message.Command, handler pathtable.Handler) error {
	out := cmd.Clone()
	out.Head().Src = ext.loc
	deliveries, err := t.cfg.Dispatcher.Resolve(ext.name, out)
	if err != nil {
		return err
	}

	// Open every path before anything leaves, so a failure sends nothing.
	for i, d := range deliveries {
		c := d.Msg.(*message.Command)
		err := ext.paths.Open(pathtable.Entry{CmdID: c.ID, CmdName: c.Name, Dir: pathtable.Out, Handler: handler})
		if err != nil {
			for _, prev := range deliveries[:i] {
				ext.paths.Close(prev.Msg.(*message.Command).ID, pathtable.Out)
			}
			return err
		}
	}
	for _, d := range deliveries {
		if err := t.cfg.Router.Route(d.Dest, d.Msg); err != nil {
			t.failPath(ext, d.Msg.(*message.Command), err)
		}
	}
	return nil
}

// failPath closes the out-path of an undeliverable command and hands its
// handler a synthesized final result on a later task.
func (t *Thread) failPath(ext *Extension, cmd *message.Command, cause error) {
	entry, ok := ext.paths.Get(cmd.ID, pathtable.Out)
	if !ok {
		return
	}
	ext.paths.Close(cmd.ID, pathtable.Out)
	status := message.StatusError
	if errors.Is(cause, errors.ErrCodeAlreadyClosed) {
		status = message.StatusClosed
	}
	res := &message.CommandResult{
		Header:       message.Header{Name: cmd.Name},
		ID:           cmd.ID,
		OriginalName: cmd.Name,
		Status:       status,
		Final:        true,
		Detail:       cause.Error(),
	}
	if entry.Handler == nil {
		return
	}
	if err := t.loop.Post(func() { entry.Handler(res) }, runloop.Back); err != nil {
		entry.Handler(res)
	}
}

func (t *Thread) sendOneWay(ext *Extension, msg message.Message) error {
	out := msg.Clone()
	out.Head().Src = ext.loc
	return t.route(ext, out)
}

func (t *Thread) returnResult(ext *Extension, res *message.CommandResult, cmd *message.Command) error {
	entry, ok := ext.paths.Get(cmd.ID, pathtable.In)
	if !ok {
		return errors.InvalidArgument("%s: command %s is not open", ext.name, cmd.ID)
	}
	if entry.ReplyTo.Extension == "" {
		ext.paths.CompleteIn(cmd.ID, res.Final)
		return nil
	}

	out := res.Clone().(*message.CommandResult)
	out.ID = cmd.ID
	out.OriginalName = cmd.Name
	if out.Name == "" {
		out.Name = cmd.Name
	}
	out.Src = ext.loc
	out.Dest = []message.Location{entry.ReplyTo}

	deliveries, err := t.cfg.Dispatcher.Resolve(ext.name, out)
	if err != nil {
		return err
	}
	ext.paths.CompleteIn(cmd.ID, out.Final)
	var errs []error
	for _, d := range deliveries {
		errs = append(errs, t.cfg.Router.Route(d.Dest, d.Msg))
	}
	return errors.Combine(errs...)
}
