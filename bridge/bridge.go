package bridge

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"

	"github.com/aptima-ai/aptima-framework-sub006/closing"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
	"github.com/aptima-ai/aptima-framework-sub006/telemetry"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "extgraph"

// Inbound receives the messages addressed to this app. ctx carries the
// sender's trace context.
type Inbound func(ctx context.Context, msg message.Message) error

// Bridge connects the local app to remote apps over a MessageBus.
type Bridge struct {
	bus      MessageBus
	ownsBus  bool
	localURI string
	prefix   string
	inbound  Inbound
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
	onConn   func(remote string, open bool)

	node *closing.Node

	mu    sync.Mutex
	conns map[string]*Connection
	sub   Subscription

	stop       chan struct{}
	readerDone chan struct{}
	startOnce  sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubjectPrefix sets the first subject token.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		b.prefix = prefix
	}
}

// WithLogger sets the bridge logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithTracer sets the tracer. The global tracer is used otherwise.
func WithTracer(t *telemetry.Tracer) Option {
	return func(b *Bridge) {
		b.tracer = t
	}
}

// WithConnectionHook sets a callback run when a connection to a remote app
// opens (open is true) and once it is destroyed. It must not block.
func WithConnectionHook(hook func(remote string, open bool)) Option {
	return func(b *Bridge) {
		b.onConn = hook
	}
}

// WithOwnedBus makes the bridge close the bus when it is destroyed.
func WithOwnedBus() Option {
	return func(b *Bridge) {
		b.ownsBus = true
	}
}

// New creates a bridge for the app at localURI. inbound receives every
// message addressed to it once Start was called.
func New(bus MessageBus, localURI string, inbound Inbound, opts ...Option) (*Bridge, error) {
	if bus == nil || inbound == nil {
		return nil, errors.InvalidArgument("bridge needs a bus and an inbound handler")
	}
	if localURI == "" || localURI == message.Localhost {
		return nil, errors.InvalidArgument("bridge needs a routable app uri, got %q", localURI)
	}
	b := &Bridge{
		bus:        bus,
		localURI:   localURI,
		prefix:     DefaultSubjectPrefix,
		inbound:    inbound,
		logger:     logging.NewNop(),
		conns:      make(map[string]*Connection),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tracer == nil {
		b.tracer = telemetry.GetTracer()
	}
	b.logger = b.logger.WithComponent("bridge")
	if err := ValidateSubject(Subject(b.prefix, localURI)); err != nil {
		return nil, err
	}
	b.node = closing.NewNode("bridge", closing.Hooks{
		Teardown: b.teardown,
		Destroy:  b.destroy,
	}, nil)
	return b, nil
}

// Subject returns the bus subject of the app at uri.
func Subject(prefix, uri string) string {
	return prefix + ".app." + base64.RawURLEncoding.EncodeToString([]byte(uri))
}

// LocalURI returns the URI the bridge receives for.
func (b *Bridge) LocalURI() string {
	return b.localURI
}

// Node returns the bridge's closing node.
func (b *Bridge) Node() *closing.Node {
	return b.node
}

// Start subscribes to the local subject and begins handing inbound messages
// over.
func (b *Bridge) Start() error {
	var err error = errors.InvalidArgument("bridge already started")
	b.startOnce.Do(func() {
		var sub Subscription
		sub, err = b.bus.Subscribe(Subject(b.prefix, b.localURI))
		if err != nil {
			close(b.readerDone)
			return
		}
		b.mu.Lock()
		b.sub = sub
		b.mu.Unlock()
		go b.read(sub)
		b.logger.Info("bridge listening", map[string]interface{}{
			"uri":     b.localURI,
			"subject": Subject(b.prefix, b.localURI),
		})
	})
	return err
}

// Route implements extension.Router for destinations in other apps.
func (b *Bridge) Route(dest message.Location, msg message.Message) error {
	if dest.AppURI == "" {
		return errors.InvalidArgument("bridge destination without an app uri")
	}
	conn, err := b.connection(dest.AppURI)
	if err != nil {
		return err
	}
	return conn.Send(context.Background(), msg)
}

// Connections returns the URIs of the remote apps with an open connection.
func (b *Bridge) Connections() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	uris := make([]string, 0, len(b.conns))
	for uri := range b.conns {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// Disconnect closes the connection to remote. Later routes to remote open a
// new one. It reports whether a connection was open.
func (b *Bridge) Disconnect(remote string) bool {
	b.mu.Lock()
	c, ok := b.conns[remote]
	b.mu.Unlock()
	if !ok || c.node.IsClosing() {
		return false
	}
	b.logger.Info("disconnecting", map[string]interface{}{"remote": remote})
	c.node.Close()
	return true
}

// connection returns the connection to remote, creating it on first use.
func (b *Bridge) connection(remote string) (*Connection, error) {
	b.mu.Lock()
	if c, ok := b.conns[remote]; ok && !c.node.IsClosing() {
		b.mu.Unlock()
		return c, nil
	}
	c := newConnection(b, remote)
	if err := b.node.AddChild(c.node); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.conns[remote] = c
	b.mu.Unlock()

	if b.onConn != nil {
		b.onConn(remote, true)
	}
	return c, nil
}

func (b *Bridge) forget(c *Connection) {
	b.mu.Lock()
	current := b.conns[c.remote] == c
	if current {
		delete(b.conns, c.remote)
	}
	b.mu.Unlock()

	if current && b.onConn != nil {
		b.onConn(c.remote, false)
	}
}

func (b *Bridge) read(sub Subscription) {
	defer close(b.readerDone)
	for {
		select {
		case <-b.stop:
			return
		case m, ok := <-sub.Messages():
			if !ok {
				// The bus ended the subscription under us.
				go b.node.Close()
				return
			}
			b.receive(m)
		}
	}
}

func (b *Bridge) receive(m *Message) {
	msg, err := Decode(m.Data)
	if err != nil {
		b.logger.Warn("undecodable envelope dropped", map[string]interface{}{
			"subject": m.Subject,
			"error":   err.Error(),
		})
		return
	}
	b.metrics.Bridged("in")

	ctx := telemetry.ExtractContext(context.Background(), telemetry.MapCarrier(m.Header))
	ctx, span := b.tracer.StartBridgeSpan(ctx, "receive")
	err = b.inbound(ctx, msg)
	b.tracer.EndBridgeSpan(span, spanOptions(msg, msg.Head().Src.AppURI), err)
	if err == nil {
		return
	}

	cmd, isCmd := msg.(*message.Command)
	if !isCmd || cmd.Src.AppURI == "" {
		b.logger.MessageDropped(msg.Kind().String(), msg.Head().Name, err.Error())
		return
	}
	// The sender holds an open path for the command; answer so it closes now
	// rather than at its deadline.
	status := message.StatusError
	if errors.Is(err, errors.ErrCodeAlreadyClosed) {
		status = message.StatusClosed
	}
	res := message.NewResult(cmd, status)
	res.Detail = err.Error()
	if len(cmd.Dest) > 0 {
		res.Src = cmd.Dest[0]
	}
	if rerr := b.Route(cmd.Src, res); rerr != nil {
		b.logger.MessageDropped(res.Kind().String(), res.Name, rerr.Error())
	}
}

func (b *Bridge) teardown(done func()) {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	close(b.stop)
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", map[string]interface{}{"error": err.Error()})
		}
	} else {
		b.startOnce.Do(func() { close(b.readerDone) })
	}
	go func() {
		<-b.readerDone
		done()
	}()
}

func (b *Bridge) destroy() {
	if !b.ownsBus {
		return
	}
	if err := b.bus.Close(); err != nil {
		b.logger.Warn("closing bus failed", map[string]interface{}{"error": err.Error()})
	}
}

func spanOptions(msg message.Message, peer string) telemetry.MessageSpanOptions {
	return telemetry.MessageSpanOptions{
		Kind:       msg.Kind().String(),
		Name:       msg.Head().Name,
		CmdID:      message.CommandID(msg),
		Peer:       peer,
		Properties: msg.Head().Properties,
	}
}
