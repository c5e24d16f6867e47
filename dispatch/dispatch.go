// Package dispatch resolves the destinations of an outbound message and
// prepares one independently owned copy per destination.
package dispatch

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/graph"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
)

const (
	// DefaultNotConnectedThreshold is the not-connected log window.
	DefaultNotConnectedThreshold = 1000

	maxTrackedNames = 4096
)

// Delivery is one message ready to be handed to the thread owning Dest.
type Delivery struct {
	Dest message.Location
	Msg  message.Message
}

// Dispatcher resolves destinations against one graph. It is safe for
// concurrent use by the threads of an engine.
type Dispatcher struct {
	graph     *graph.Graph
	logger    *logging.Logger
	metrics   *metrics.Metrics
	threshold int

	mu       sync.Mutex
	counters *lru.Cache[string, *notConnectedCount]
}

type notConnectedCount struct {
	window int
	total  int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithNotConnectedThreshold sets how many not-connected occurrences of one
// name share a single log line.
func WithNotConnectedThreshold(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// New creates a dispatcher for g.
func New(g *graph.Graph, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		graph:     g,
		logger:    logging.NewNop(),
		threshold: DefaultNotConnectedThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("dispatch")
	// Only fails for a non-positive size.
	d.counters, _ = lru.New[string, *notConnectedCount](maxTrackedNames)
	return d
}

// Graph returns the graph the dispatcher routes on.
func (d *Dispatcher) Graph() *graph.Graph {
	return d.graph
}

// Resolve computes the deliveries of msg sent by the extension src. msg is not
// modified. Explicit destinations bypass the routing table. A command may
// name an app with no extension, which addresses its operator.
//
// Commands sent to a single destination keep their id, or get one if it is
// missing. Commands fanned out to several destinations get a fresh id per
// copy so each result correlates to one destination. A conversion that leaves
// a copy without a name drops that destination.
//
// Zero deliveries fail with NOT_CONNECTED.
func (d *Dispatcher) Resolve(src string, msg message.Message) ([]Delivery, error) {
	if err := message.Validate(msg); err != nil {
		return nil, err
	}
	head := msg.Head()

	var deliveries []Delivery
	if len(head.Dest) > 0 {
		for _, loc := range head.Dest {
			if loc.Extension == "" {
				if !isAppAddressed(msg, loc) {
					return nil, errors.InvalidArgument("destination of %q has no extension", head.Name)
				}
				loc = loc.RewriteLocalhost(d.graph.AppURI())
			} else {
				loc = d.qualify(loc)
			}
			out := msg.Clone()
			out.Head().Dest = []message.Location{loc}
			deliveries = append(deliveries, Delivery{Dest: loc, Msg: out})
		}
	} else {
		if _, isResult := msg.(*message.CommandResult); isResult {
			d.notConnected(head.Name)
			return nil, errors.NotConnected(head.Name)
		}
		for _, dest := range d.graph.Routes(src, msg.Kind(), head.Name) {
			out, err := Convert(dest.Conversion, msg)
			if err != nil {
				return nil, err
			}
			if out.Head().Name == "" {
				d.logger.MessageDropped(msg.Kind().String(), head.Name, "conversion produced an empty name")
				continue
			}
			out.Head().Dest = []message.Location{dest.Loc}
			deliveries = append(deliveries, Delivery{Dest: dest.Loc, Msg: out})
		}
	}

	if len(deliveries) == 0 {
		d.notConnected(head.Name)
		return nil, errors.NotConnected(head.Name)
	}

	if _, isCmd := msg.(*message.Command); isCmd {
		assignIDs(deliveries)
	}
	for _, dl := range deliveries {
		d.metrics.Dispatched(dl.Msg.Kind().String())
	}
	return deliveries, nil
}

func assignIDs(deliveries []Delivery) {
	if len(deliveries) == 1 {
		cmd := deliveries[0].Msg.(*message.Command)
		if cmd.ID == "" {
			cmd.ID = message.NewCommandID()
		}
		return
	}
	for _, dl := range deliveries {
		dl.Msg.(*message.Command).ID = message.NewCommandID()
	}
}

// isAppAddressed reports whether loc names an app rather than an extension.
// Only commands can be sent to an app; it runs them as operator commands.
func isAppAddressed(msg message.Message, loc message.Location) bool {
	_, isCmd := msg.(*message.Command)
	return isCmd && loc.GraphID == "" && loc.Group == ""
}

// qualify rewrites localhost and fills the graph id of local destinations.
func (d *Dispatcher) qualify(loc message.Location) message.Location {
	local := loc.IsLocal(d.graph.AppURI())
	loc = loc.RewriteLocalhost(d.graph.AppURI())
	if local && loc.GraphID == "" {
		loc.GraphID = d.graph.ID()
	}
	if local && loc.Group == "" {
		if n, ok := d.graph.Node(loc.Extension); ok {
			loc.Group = n.Group
		}
	}
	return loc
}

// notConnected counts an occurrence and logs the first of every window.
func (d *Dispatcher) notConnected(name string) {
	d.metrics.NotConnected(name)

	d.mu.Lock()
	c, ok := d.counters.Get(name)
	if !ok {
		c = &notConnectedCount{}
		d.counters.Add(name, c)
	}
	c.window++
	c.total++
	first := c.window == 1
	total := c.total
	if c.window >= d.threshold {
		c.window = 0
	}
	d.mu.Unlock()

	if first {
		d.logger.NotConnected(name, total)
	}
}
