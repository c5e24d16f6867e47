// Package engine runs one started graph: an extension thread per extension
// group, the routing between them, and the closing of all of it.
package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/aptima-ai/aptima-framework-sub006/closing"
	"github.com/aptima-ai/aptima-framework-sub006/dispatch"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/extension"
	"github.com/aptima-ai/aptima-framework-sub006/graph"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

// Engine owns a Graph and the extension threads that run it.
type Engine struct {
	graph      *graph.Graph
	dispatcher *dispatch.Dispatcher
	factory    extension.Factory
	upstream   extension.Router
	logger     *logging.Logger
	metrics    *metrics.Metrics

	loop    *runloop.Loop
	ownLoop bool
	node    *closing.Node

	// Immutable after New.
	threads map[string]*extension.Thread
	groups  []string

	threadCfg    extension.Config
	loopOpts     []runloop.Option
	dispatchOpts []dispatch.Option

	startOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithLoop runs the engine on an existing loop instead of its own. The loop
// owner runs and stops it.
func WithLoop(loop *runloop.Loop) Option {
	return func(e *Engine) {
		e.loop = loop
	}
}

// WithUpstream routes messages addressed outside this graph.
func WithUpstream(r extension.Router) Option {
	return func(e *Engine) {
		e.upstream = r
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLoopOptions passes options to every loop the engine creates.
func WithLoopOptions(opts ...runloop.Option) Option {
	return func(e *Engine) {
		e.loopOpts = append(e.loopOpts, opts...)
	}
}

// WithPhaseTimeout bounds lifecycle acknowledgments.
func WithPhaseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.threadCfg.PhaseTimeout = d
	}
}

// WithPathTimeout sets the default deadline of outbound commands.
func WithPathTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.threadCfg.PathTimeout = d
	}
}

// WithSweepInterval sets the period of the path timeout sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.threadCfg.SweepInterval = d
	}
}

// WithDispatchOptions passes options to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(e *Engine) {
		e.dispatchOpts = append(e.dispatchOpts, opts...)
	}
}

// New creates an engine for g. Nothing runs until Start.
func New(g *graph.Graph, factory extension.Factory, opts ...Option) (*Engine, error) {
	if g == nil || factory == nil {
		return nil, errors.InvalidArgument("engine needs a graph and a factory")
	}
	e := &Engine{
		graph:   g,
		factory: factory,
		logger:  logging.NewNop(),
		threads: make(map[string]*extension.Thread),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("engine")

	if e.loop == nil {
		loopOpts := append([]runloop.Option{
			runloop.WithName("engine:" + g.ID()),
			runloop.WithLogger(e.logger),
		}, e.loopOpts...)
		e.loop = runloop.New(loopOpts...)
		e.ownLoop = true
	}

	e.dispatcher = dispatch.New(g, append([]dispatch.Option{
		dispatch.WithLogger(e.logger),
		dispatch.WithMetrics(e.metrics),
	}, e.dispatchOpts...)...)

	e.node = closing.NewNode("engine:"+g.ID(), closing.Hooks{
		Destroy: e.destroy,
	}, closing.LoopExecutor(e.loop))

	byGroup := make(map[string][]graph.Node)
	for _, n := range g.LocalNodes() {
		byGroup[n.Group] = append(byGroup[n.Group], n)
	}
	for group, nodes := range byGroup {
		cfg := e.threadCfg
		cfg.Group = group
		cfg.GraphID = g.ID()
		cfg.AppURI = g.AppURI()
		cfg.Factory = factory
		cfg.Router = e
		cfg.Dispatcher = e.dispatcher
		cfg.Logger = e.logger
		cfg.Metrics = e.metrics
		cfg.LoopOptions = e.loopOpts

		th := extension.NewThread(cfg, nodes)
		if err := e.node.AddChild(th.Node()); err != nil {
			return nil, err
		}
		e.threads[group] = th
		e.groups = append(e.groups, group)
	}
	sort.Strings(e.groups)
	return e, nil
}

// ID returns the graph id.
func (e *Engine) ID() string {
	return e.graph.ID()
}

// Graph returns the graph the engine runs.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Loop returns the engine loop.
func (e *Engine) Loop() *runloop.Loop {
	return e.loop
}

// Node returns the engine's closing node.
func (e *Engine) Node() *closing.Node {
	return e.node
}

// Start runs every extension thread. onStarted runs once: on the engine loop
// with nil when every extension of every group reached STARTED, or on its own
// goroutine with the first failure after the partially started engine was
// closed and destroyed.
func (e *Engine) Start(onStarted func(error)) error {
	var err error = errors.InvalidArgument("engine %s already started", e.ID())
	e.startOnce.Do(func() {
		err = e.loop.Post(func() { e.start(onStarted) }, runloop.Back)
		if err == nil && e.ownLoop {
			err = e.loop.Start()
		}
	})
	return err
}

func (e *Engine) start(onStarted func(error)) {
	started := e.loop.Now()
	remaining := len(e.groups)
	reported := false
	report := func(err error) {
		if reported {
			return
		}
		reported = true
		if err == nil {
			e.logger.GraphStarted(e.ID(), len(e.graph.LocalNodes()), e.loop.Now().Sub(started))
			onStarted(nil)
			return
		}
		e.logger.Error("graph start failed", map[string]interface{}{
			"graph_id": e.ID(),
			"error":    err.Error(),
		})
		// Roll back; the report follows the destroy.
		e.node.Close()
		go func() {
			<-e.node.Destroyed()
			onStarted(err)
		}()
	}

	if remaining == 0 {
		report(nil)
		return
	}
	for _, group := range e.groups {
		th := e.threads[group]
		err := th.Start(func(err error) {
			// Runs on the thread loop.
			postErr := e.loop.Post(func() {
				if err != nil {
					report(err)
					return
				}
				remaining--
				if remaining == 0 {
					report(nil)
				}
			}, runloop.Back)
			if postErr != nil {
				e.logger.Warn("start report dropped", map[string]interface{}{"group": group, "error": postErr.Error()})
			}
		})
		if err != nil {
			report(errors.Wrapf(err, "starting group %s", group))
			return
		}
	}
}

// Close starts closing the engine. It is idempotent.
func (e *Engine) Close() {
	e.node.Close()
}

func (e *Engine) destroy() {
	e.logger.GraphStopped(e.ID())
	if e.ownLoop {
		e.loop.OnStopped(e.loop.Close)
		e.loop.Stop(true)
	}
}

// Route implements extension.Router. Destinations in this graph go straight
// to the thread hosting them; everything else goes upstream.
func (e *Engine) Route(dest message.Location, msg message.Message) error {
	if dest.AppURI != e.graph.AppURI() || dest.GraphID != e.graph.ID() {
		if e.upstream == nil {
			return errors.NotConnected(msg.Head().Name)
		}
		return e.upstream.Route(dest, msg)
	}
	return e.Deliver(dest, msg)
}

// Deliver hands msg to the local extension named by dest. An empty group is
// filled from the graph.
func (e *Engine) Deliver(dest message.Location, msg message.Message) error {
	group := dest.Group
	if group == "" {
		n, ok := e.graph.Node(dest.Extension)
		if !ok {
			return errors.NotFound("extension " + dest.Extension + " in graph " + e.ID())
		}
		group = n.Group
	}
	th, ok := e.threads[group]
	if !ok || !th.Hosts(dest.Extension) {
		return errors.NotFound("extension " + dest.Extension + " in group " + group)
	}
	dest.GraphID = e.ID()
	dest.Group = group
	msg.Head().Dest = []message.Location{dest}
	return th.Deliver(msg)
}

// Hosts reports whether the graph runs the named extension in this process.
func (e *Engine) Hosts(extension string) bool {
	n, ok := e.graph.Node(extension)
	if !ok {
		return false
	}
	_, local := e.threads[n.Group]
	return local
}

// Phases returns the phase of every local extension.
func (e *Engine) Phases() (map[string]extension.Phase, error) {
	out := make(map[string]extension.Phase)
	var errs []error
	for _, group := range e.groups {
		phases, err := e.threads[group].Phases()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for name, p := range phases {
			out[name] = p
		}
	}
	return out, errors.Combine(errs...)
}
