// Package metrics holds the Prometheus collectors of the runtime.
//
// A nil *Metrics is valid and records nothing, so every component can take
// one through its options without checking whether metrics are enabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "extgraph"

// Metrics aggregates the runtime collectors.
type Metrics struct {
	registry *prometheus.Registry

	dispatched     *prometheus.CounterVec // By kind
	notConnected   *prometheus.CounterVec // By message name
	pathsOpened    *prometheus.CounterVec // By direction
	pathsClosed    *prometheus.CounterVec // By direction and reason
	pathsOpen      prometheus.Gauge
	phases         *prometheus.CounterVec // By phase entered
	phaseOverdue   *prometheus.CounterVec // By phase awaited
	notifyRejected prometheus.Counter
	graphs         *prometheus.CounterVec // By operation and status
	activeGraphs   prometheus.Gauge
	bridged        *prometheus.CounterVec // By direction
	heartbeats     *prometheus.CounterVec // By direction
	peersDead      prometheus.Counter
}

// New creates the collectors and registers them with a fresh registry that
// also exports Go runtime and process metrics.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Messages handed to a destination thread",
		}, []string{"kind"}),
		notConnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "not_connected_total",
			Help:      "Messages that resolved to zero destinations",
		}, []string{"name"}),
		pathsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "opened_total",
			Help:      "Path entries opened",
		}, []string{"direction"}),
		pathsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "closed_total",
			Help:      "Path entries closed",
		}, []string{"direction", "reason"}), // reason: final, timeout, closed
		pathsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "open",
			Help:      "Currently open path entries",
		}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "phase_transitions_total",
			Help:      "Lifecycle phases entered",
		}, []string{"phase"}),
		phaseOverdue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "phase_ack_overdue_total",
			Help:      "Lifecycle acknowledgments that exceeded the phase timeout",
		}, []string{"phase"}),
		notifyRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "notify_rejected_total",
			Help:      "Notifications refused because the target was closing",
		}),
		graphs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "graph_operations_total",
			Help:      "start_graph and stop_graph operations",
		}, []string{"op", "status"}),
		activeGraphs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "active_graphs",
			Help:      "Graphs currently running",
		}),
		bridged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Messages crossing the process boundary",
		}, []string{"direction"}),
	}

	collectorsToRegister := []prometheus.Collector{
		m.dispatched, m.notConnected, m.pathsOpened, m.pathsClosed, m.pathsOpen,
		m.phases, m.phaseOverdue, m.notifyRejected, m.graphs, m.activeGraphs, m.bridged,
		m.heartbeats, m.peersDead,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range collectorsToRegister {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Dispatched records a message handed to a destination.
func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

// NotConnected records a message with zero resolvable destinations.
func (m *Metrics) NotConnected(name string) {
	if m == nil {
		return
	}
	m.notConnected.WithLabelValues(name).Inc()
}

// PathOpened records a new path entry.
func (m *Metrics) PathOpened(direction string) {
	if m == nil {
		return
	}
	m.pathsOpened.WithLabelValues(direction).Inc()
	m.pathsOpen.Inc()
}

// PathClosed records a removed path entry.
func (m *Metrics) PathClosed(direction, reason string) {
	if m == nil {
		return
	}
	m.pathsClosed.WithLabelValues(direction, reason).Inc()
	m.pathsOpen.Dec()
}

// PhaseEntered records a lifecycle transition.
func (m *Metrics) PhaseEntered(phase string) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(phase).Inc()
}

// PhaseOverdue records a lifecycle acknowledgment past its timeout.
func (m *Metrics) PhaseOverdue(phase string) {
	if m == nil {
		return
	}
	m.phaseOverdue.WithLabelValues(phase).Inc()
}

// NotifyRejected records a refused cross-thread notification.
func (m *Metrics) NotifyRejected() {
	if m == nil {
		return
	}
	m.notifyRejected.Inc()
}

// GraphOperation records a start_graph or stop_graph outcome.
func (m *Metrics) GraphOperation(op string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.graphs.WithLabelValues(op, status).Inc()
	if success {
		switch op {
		case "start_graph":
			m.activeGraphs.Inc()
		case "stop_graph":
			m.activeGraphs.Dec()
		}
	}
}

// Bridged records a message crossing the bridge ("in" or "out").
func (m *Metrics) Bridged(direction string) {
	if m == nil {
		return
	}
	m.bridged.WithLabelValues(direction).Inc()
}

// Heartbeat records a heartbeat published ("out") or received ("in").
func (m *Metrics) Heartbeat(direction string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(direction).Inc()
}

// PeerDead records a remote app presumed dead.
func (m *Metrics) PeerDead() {
	if m == nil {
		return
	}
	m.peersDead.Inc()
}
