package app

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/aptima-ai/aptima-framework-sub006/addon"
	"github.com/aptima-ai/aptima-framework-sub006/bridge"
	"github.com/aptima-ai/aptima-framework-sub006/closing"
	"github.com/aptima-ai/aptima-framework-sub006/dispatch"
	"github.com/aptima-ai/aptima-framework-sub006/engine"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/graph"
	"github.com/aptima-ai/aptima-framework-sub006/heartbeat"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
	"github.com/aptima-ai/aptima-framework-sub006/proxy"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
	"github.com/aptima-ai/aptima-framework-sub006/telemetry"
)

// traceFlushTimeout bounds the span flush when an app exporting traces is
// destroyed.
const traceFlushTimeout = 5 * time.Second

// App is the root of a process: it owns the app loop, the running engines
// and the bridge to other apps.
type App struct {
	cfg      Config
	registry *addon.Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
	provider *telemetry.Provider
	bus      bridge.MessageBus
	clock    clock.Clock
	loopOpts []runloop.Option

	loop    *runloop.Loop
	owner   *proxy.Owner
	node    *closing.Node
	bridge  *bridge.Bridge
	sender  *heartbeat.Sender
	monitor *heartbeat.Monitor

	mu      sync.RWMutex
	engines map[string]*engine.Engine
	order   []string // Start order, for matching remote destinations

	startOnce sync.Once
	startErr  error
	loopOnce  sync.Once
}

// Option configures an App.
type Option func(*App)

// WithRegistry sets the addon registry engines create extensions from.
func WithRegistry(r *addon.Registry) Option {
	return func(a *App) {
		a.registry = r
	}
}

// WithLogger sets the app logger. Its level is set from the config.
func WithLogger(logger *logging.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics sink. Without it, metrics are created when
// enabled in the config.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) {
		a.metrics = m
	}
}

// WithTracer sets the tracer for operator commands and the bridge.
func WithTracer(t *telemetry.Tracer) Option {
	return func(a *App) {
		a.tracer = t
	}
}

// WithBus sets the bus of the bridge. The caller keeps ownership of it. A bus
// enables the bridge even when the config names no bridge kind.
func WithBus(bus bridge.MessageBus) Option {
	return func(a *App) {
		a.bus = bus
	}
}

// WithClock sets the clock of every loop and of the heartbeats.
func WithClock(c clock.Clock) Option {
	return func(a *App) {
		a.clock = c
	}
}

// WithLoopOptions passes options to every loop the app creates.
func WithLoopOptions(opts ...runloop.Option) Option {
	return func(a *App) {
		a.loopOpts = append(a.loopOpts, opts...)
	}
}

// New creates an app from cfg. Nothing runs until Start or Run.
func New(cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		engines: make(map[string]*engine.Engine),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = addon.NewRegistry()
	}
	if a.logger == nil {
		a.logger = logging.New()
	}
	a.logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	a.logger = a.logger.WithComponent("app")
	if a.tracer == nil && cfg.Telemetry.Endpoint != "" {
		p, err := telemetry.InitProvider(context.Background(), cfg.TraceProvider())
		if err != nil {
			return nil, errors.Wrap(err, "starting trace export")
		}
		a.provider = p
		a.tracer = p.Tracer()
	}
	if a.tracer == nil {
		a.tracer = telemetry.GetTracer()
	}
	if a.metrics == nil && cfg.Metrics.Enabled {
		m, err := metrics.New()
		if err != nil {
			return nil, errors.Wrap(err, "creating metrics")
		}
		a.metrics = m
	}

	if a.clock == nil {
		a.clock = clock.New()
	} else {
		a.loopOpts = append([]runloop.Option{runloop.WithClock(a.clock)}, a.loopOpts...)
	}

	a.loop = runloop.New(append([]runloop.Option{
		runloop.WithName("app"),
		runloop.WithLogger(a.logger),
	}, a.loopOpts...)...)
	a.owner = proxy.NewOwner("app", a.loop, proxy.WithMetrics(a.metrics))
	a.node = closing.NewNode("app", closing.Hooks{
		Teardown: a.teardown,
		Destroy:  a.destroy,
	}, closing.LoopExecutor(a.loop))

	if err := a.setupBridge(); err != nil {
		if a.provider != nil {
			_ = a.provider.Shutdown(context.Background())
		}
		return nil, err
	}
	return a, nil
}

func (a *App) setupBridge() error {
	bus := a.bus
	var owned bool
	switch {
	case bus != nil:
	case a.cfg.Bridge.Kind == BridgeMemory:
		bus = bridge.NewMemoryBus(bridge.DefaultBusConfig())
		owned = true
	case a.cfg.Bridge.Kind == BridgeNATS:
		natsCfg := bridge.DefaultNATSConfig()
		natsCfg.URL = a.cfg.Bridge.URL
		natsCfg.Name = a.cfg.URI
		natsCfg.Token = a.cfg.Bridge.Token
		natsCfg.User = a.cfg.Bridge.User
		natsCfg.Password = a.cfg.Bridge.Password
		natsCfg.Logger = a.logger
		natsCfg.OnClosed = func() {
			if a.bridge != nil {
				a.bridge.Node().Close()
			}
		}
		nb, err := bridge.NewNATSBus(natsCfg)
		if err != nil {
			return err
		}
		bus = nb
		owned = true
	default:
		return nil
	}

	opts := []bridge.Option{
		bridge.WithLogger(a.logger),
		bridge.WithMetrics(a.metrics),
		bridge.WithTracer(a.tracer),
	}
	if a.cfg.Bridge.SubjectPrefix != "" {
		opts = append(opts, bridge.WithSubjectPrefix(a.cfg.Bridge.SubjectPrefix))
	}
	if owned {
		opts = append(opts, bridge.WithOwnedBus())
	}
	fail := func(err error) error {
		if owned {
			_ = bus.Close()
		}
		return err
	}
	if err := a.setupHeartbeats(bus); err != nil {
		return fail(err)
	}
	if a.monitor != nil {
		opts = append(opts, bridge.WithConnectionHook(a.watchPeer))
	}
	b, err := bridge.New(bus, a.cfg.URI, a.inbound, opts...)
	if err != nil {
		return fail(err)
	}
	if err := a.node.AddChild(b.Node()); err != nil {
		return err
	}
	a.bridge = b
	return nil
}

func (a *App) setupHeartbeats(bus bridge.MessageBus) error {
	if iv := a.cfg.Bridge.HeartbeatInterval; iv > 0 {
		s, err := heartbeat.NewSender(heartbeat.SenderConfig{
			Bus:           bus,
			AppURI:        a.cfg.URI,
			SubjectPrefix: a.cfg.Bridge.SubjectPrefix,
			Interval:      iv,
			Graphs:        a.Graphs,
			Clock:         a.clock,
			Logger:        a.logger,
			Metrics:       a.metrics,
		})
		if err != nil {
			return err
		}
		a.sender = s
	}
	if to := a.cfg.Bridge.HeartbeatTimeout; to > 0 {
		check := to / 4
		if check <= 0 {
			check = to
		}
		m, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
			Bus:           bus,
			SubjectPrefix: a.cfg.Bridge.SubjectPrefix,
			Timeout:       to,
			CheckInterval: check,
			Clock:         a.clock,
			Logger:        a.logger,
			Metrics:       a.metrics,
		})
		if err != nil {
			return err
		}
		m.OnDead(a.peerDead)
		a.monitor = m
	}
	return nil
}

// watchPeer follows the bridge connections: a peer is monitored while a
// connection to it is open.
func (a *App) watchPeer(remote string, open bool) {
	if !open {
		a.monitor.Unwatch(remote)
		return
	}
	if err := a.monitor.Watch(remote); err != nil {
		a.logger.Warn("cannot watch peer", map[string]interface{}{
			"remote": remote,
			"error":  err.Error(),
		})
	}
}

func (a *App) peerDead(remote string) {
	if a.bridge != nil && a.bridge.Disconnect(remote) {
		a.logger.Warn("peer connection closed after missed heartbeats", map[string]interface{}{"remote": remote})
	}
}

// URI returns the app URI.
func (a *App) URI() string {
	return a.cfg.URI
}

// Config returns the app configuration.
func (a *App) Config() Config {
	return a.cfg
}

// Registry returns the addon registry.
func (a *App) Registry() *addon.Registry {
	return a.registry
}

// Metrics returns the metrics sink, nil when disabled.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Loop returns the app loop.
func (a *App) Loop() *runloop.Loop {
	return a.loop
}

// Node returns the app's closing node, the root of the closing tree.
func (a *App) Node() *closing.Node {
	return a.node
}

// Tracer returns the tracer of operator commands and the bridge.
func (a *App) Tracer() *telemetry.Tracer {
	return a.tracer
}

// Monitor returns the heartbeat monitor, nil when heartbeat_timeout is unset.
func (a *App) Monitor() *heartbeat.Monitor {
	return a.monitor
}

// Bridge returns the bridge, nil when none is configured.
func (a *App) Bridge() *bridge.Bridge {
	return a.bridge
}

// Start runs the app loop and the bridge.
func (a *App) Start() error {
	first := false
	a.startOnce.Do(func() {
		first = true
		a.startErr = a.start()
	})
	if !first {
		return errors.InvalidArgument("app already started")
	}
	return a.startErr
}

func (a *App) start() error {
	if a.node.IsClosing() {
		return errors.AlreadyClosed("app")
	}
	a.runLoop()
	if a.bridge != nil {
		if err := a.bridge.Start(); err != nil {
			a.Close()
			return errors.Wrap(err, "starting bridge")
		}
		if a.monitor != nil {
			_ = a.monitor.Start()
		}
		if a.sender != nil {
			_ = a.sender.Start()
		}
	}
	a.logger.Info("app started", map[string]interface{}{
		"uri":     a.cfg.URI,
		"bridged": a.bridge != nil,
	})
	return nil
}

func (a *App) runLoop() {
	a.loopOnce.Do(func() {
		_ = a.loop.Start()
	})
}

// Run starts the app unless already started, then the predefined graphs
// marked auto_start, and blocks until ctx is done or the app was closed. The
// app is destroyed on return.
func (a *App) Run(ctx context.Context) error {
	a.startOnce.Do(func() { a.startErr = a.start() })
	if a.startErr != nil {
		<-a.Done()
		return a.startErr
	}
	if err := a.startPredefined(ctx); err != nil {
		a.Close()
		<-a.Done()
		return err
	}
	select {
	case <-ctx.Done():
		a.Close()
		<-a.Done()
	case <-a.Done():
	}
	return nil
}

func (a *App) startPredefined(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, pg := range a.cfg.PredefinedGraphs {
		if !pg.AutoStart {
			continue
		}
		pg := pg
		g.Go(func() error {
			_, err := a.StartGraph(gctx, StartGraphRequest{PredefinedGraph: pg.Name})
			if err != nil {
				return errors.Wrapf(err, "auto-starting %s", pg)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close starts closing the app: every engine, then the bridge, then the app
// loop. It is idempotent.
func (a *App) Close() {
	a.runLoop()
	a.node.Close()
}

// Done is closed once the app is destroyed.
func (a *App) Done() <-chan struct{} {
	return a.node.Destroyed()
}

// Wait blocks until the app is destroyed or ctx is done.
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-a.Done():
		return nil
	case <-ctx.Done():
		return errors.WrapWithCode(ctx.Err(), errors.ErrCodeTimeout, "waiting for app")
	}
}

func (a *App) teardown(done func()) {
	a.owner.BeginClose()
	a.stopHeartbeats()
	go func() {
		<-a.owner.Released()
		done()
	}()
}

// stopHeartbeats tells peers this app is going away and stops watching them.
func (a *App) stopHeartbeats() {
	if a.sender != nil && a.sender.Stop() == nil {
		a.sender.SetStatus(heartbeat.StatusDraining)
		_ = a.sender.Beat()
	}
	if a.monitor != nil {
		_ = a.monitor.Stop()
	}
}

func (a *App) destroy() {
	if a.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), traceFlushTimeout)
		if err := a.provider.Shutdown(ctx); err != nil {
			a.logger.Warn("trace flush failed", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}
	a.logger.Info("app stopped", map[string]interface{}{"uri": a.cfg.URI})
	a.loop.OnStopped(a.loop.Close)
	a.loop.Stop(true)
}

// StartGraphRequest is the payload of start_graph. Exactly one of GraphJSON
// and PredefinedGraph is set.
type StartGraphRequest struct {
	GraphJSON       string
	PredefinedGraph string
	// GraphID fixes the id of the new graph.
	GraphID string
}

// StartGraph builds and starts a graph and returns its id once every
// extension reached STARTED. An invalid definition fails before anything is
// created. If an extension fails, the partially started engine is closed
// before StartGraph returns. Must not be called from the app loop.
func (a *App) StartGraph(ctx context.Context, req StartGraphRequest) (string, error) {
	ctx, span := a.tracer.StartGraphSpan(ctx, CmdStartGraph)
	spanOpts := telemetry.GraphSpanOptions{Predefined: req.PredefinedGraph}

	eng, err := a.startGraph(ctx, req)
	if eng != nil {
		spanOpts.GraphID = eng.ID()
		spanOpts.Nodes = len(eng.Graph().LocalNodes())
	}
	a.tracer.EndGraphSpan(span, spanOpts, err)
	a.metrics.GraphOperation(CmdStartGraph, err == nil)
	if err != nil {
		return "", err
	}
	return eng.ID(), nil
}

func (a *App) startGraph(ctx context.Context, req StartGraphRequest) (*engine.Engine, error) {
	raw, graphID, err := a.resolve(req)
	if err != nil {
		return nil, err
	}
	def, err := graph.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(def, graph.BuildOptions{AppURI: a.cfg.URI, GraphID: graphID})
	if err != nil {
		return nil, err
	}
	if _, dup := a.Engine(g.ID()); dup {
		return nil, errors.InvalidArgument("graph %s is already running", g.ID())
	}
	eng, err := engine.New(g, a.registry, a.engineOptions()...)
	if err != nil {
		return nil, err
	}

	if err := a.onLoop(func() error { return a.register(eng) }); err != nil {
		// Lost a race for the id; the engine never ran.
		eng.Close()
		return nil, err
	}

	started := make(chan error, 1)
	if err := eng.Start(func(err error) { started <- err }); err != nil {
		eng.Close()
		return eng, err
	}
	select {
	case err := <-started:
		return eng, err
	case <-ctx.Done():
		eng.Close()
		return eng, errors.WrapWithCode(ctx.Err(), errors.ErrCodeTimeout, "starting graph "+eng.ID())
	}
}

func (a *App) resolve(req StartGraphRequest) (raw, graphID string, err error) {
	switch {
	case req.GraphJSON != "" && req.PredefinedGraph != "":
		return "", "", errors.InvalidArgument("start_graph takes graph_json or predefined_graph, not both")
	case req.GraphJSON != "":
		return req.GraphJSON, req.GraphID, nil
	case req.PredefinedGraph != "":
		pg, ok := a.cfg.Predefined(req.PredefinedGraph)
		if !ok {
			return "", "", errors.NotFound("predefined graph " + req.PredefinedGraph)
		}
		graphID = req.GraphID
		if graphID == "" {
			graphID = pg.GraphID
		}
		return pg.Graph, graphID, nil
	default:
		return "", "", errors.InvalidArgument("start_graph needs graph_json or predefined_graph")
	}
}

func (a *App) engineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithUpstream(a),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithLoopOptions(a.loopOpts...),
		engine.WithPhaseTimeout(a.cfg.Lifecycle.PhaseTimeout),
		engine.WithPathTimeout(a.cfg.Path.DefaultTimeout),
		engine.WithSweepInterval(a.cfg.Path.SweepInterval),
	}
	if n := a.cfg.Dispatch.NotConnectedLogThreshold; n > 0 {
		opts = append(opts, engine.WithDispatchOptions(dispatch.WithNotConnectedThreshold(n)))
	}
	if !a.cfg.OneLoopPerEngine {
		opts = append(opts, engine.WithLoop(a.loop))
	}
	return opts
}

// onLoop runs fn on the app loop and waits for it.
func (a *App) onLoop(fn func() error) error {
	p, err := a.owner.Acquire()
	if err != nil {
		return err
	}
	defer p.Release()
	var ferr error
	if err := p.Notify(func() { ferr = fn() }, true); err != nil {
		return err
	}
	return ferr
}

// register adds eng to the closing tree and the routing table. Runs on the
// app loop.
func (a *App) register(eng *engine.Engine) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.engines[eng.ID()]; dup {
		return errors.InvalidArgument("graph %s is already running", eng.ID())
	}
	if err := a.node.AddChild(eng.Node()); err != nil {
		return err
	}
	a.engines[eng.ID()] = eng
	a.order = append(a.order, eng.ID())
	go func() {
		<-eng.Node().Destroyed()
		a.unregister(eng)
	}()
	return nil
}

func (a *App) unregister(eng *engine.Engine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engines[eng.ID()] != eng {
		return
	}
	delete(a.engines, eng.ID())
	for i, id := range a.order {
		if id == eng.ID() {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// StopGraph closes the graph and waits until its engine is destroyed.
func (a *App) StopGraph(ctx context.Context, graphID string) error {
	ctx, span := a.tracer.StartGraphSpan(ctx, CmdStopGraph)
	err := a.stopGraph(ctx, graphID)
	a.tracer.EndGraphSpan(span, telemetry.GraphSpanOptions{GraphID: graphID}, err)
	a.metrics.GraphOperation(CmdStopGraph, err == nil)
	return err
}

func (a *App) stopGraph(ctx context.Context, graphID string) error {
	if graphID == "" {
		return errors.InvalidArgument("stop_graph needs a graph_id")
	}
	var eng *engine.Engine
	err := a.onLoop(func() error {
		a.mu.RLock()
		eng = a.engines[graphID]
		a.mu.RUnlock()
		if eng == nil {
			return errors.NotFound("graph " + graphID)
		}
		eng.Close()
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-eng.Node().Destroyed():
		return nil
	case <-ctx.Done():
		return errors.WrapWithCode(ctx.Err(), errors.ErrCodeTimeout, "stopping graph "+graphID)
	}
}

// Graphs returns the ids of the running graphs in start order.
func (a *App) Graphs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

// Engine returns the engine running graphID.
func (a *App) Engine(graphID string) (*engine.Engine, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	eng, ok := a.engines[graphID]
	return eng, ok
}

// engineFor picks the engine a local destination belongs to. Without a graph
// id, the first started engine hosting the extension is used.
func (a *App) engineFor(dest message.Location) (*engine.Engine, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if dest.GraphID != "" {
		eng, ok := a.engines[dest.GraphID]
		return eng, ok
	}
	for _, id := range a.order {
		if eng := a.engines[id]; eng.Hosts(dest.Extension) {
			return eng, true
		}
	}
	return nil, false
}

// Route implements extension.Router for the engines: other local graphs are
// reached directly, other apps through the bridge. A command addressed to
// this app with no extension is run as an operator command and its result
// goes back to the sender.
func (a *App) Route(dest message.Location, msg message.Message) error {
	if !dest.IsLocal(a.cfg.URI) {
		if a.bridge == nil || a.bridge.Node().IsClosing() {
			return errors.NotConnected(msg.Head().Name)
		}
		return a.bridge.Route(dest, msg)
	}
	dest = dest.RewriteLocalhost(a.cfg.URI)
	if dest.Extension == "" {
		return a.operator(context.Background(), msg)
	}
	eng, ok := a.engineFor(dest)
	if !ok {
		return errors.NotFound("graph for " + dest.String())
	}
	return eng.Deliver(dest, msg)
}

// inbound receives messages from other apps. Commands addressed to the app
// itself, with no extension, are operator commands.
func (a *App) inbound(ctx context.Context, msg message.Message) error {
	head := msg.Head()
	if len(head.Dest) != 1 {
		return errors.InvalidArgument("inbound %s with %d destinations", msg.Kind(), len(head.Dest))
	}
	dest := head.Dest[0]
	if dest.Extension == "" {
		return a.operator(ctx, msg)
	}
	return a.Route(dest, msg)
}

// operator runs msg as an operator command off the caller's goroutine.
func (a *App) operator(ctx context.Context, msg message.Message) error {
	cmd, ok := msg.(*message.Command)
	if !ok {
		return errors.InvalidArgument("%s %q addressed to the app", msg.Kind(), msg.Head().Name)
	}
	if a.node.IsClosing() {
		return errors.AlreadyClosed("app")
	}
	go a.serveOperator(ctx, cmd)
	return nil
}

func (a *App) serveOperator(ctx context.Context, cmd *message.Command) {
	res := a.HandleCommand(ctx, cmd)
	if cmd.Src.IsZero() {
		return
	}
	res.Src = message.Location{AppURI: a.cfg.URI}
	if err := a.Route(cmd.Src, res); err != nil {
		a.logger.MessageDropped(res.Kind().String(), res.Name, err.Error())
	}
}
