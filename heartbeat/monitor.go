package heartbeat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aptima-ai/aptima-framework-sub006/bridge"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
)

// Monitor tracks the heartbeats of watched peers and reports the ones that
// went silent.
type Monitor struct {
	cfg     MonitorConfig
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	peers   map[string]*peer
	deadCBs []func(uri string)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type peer struct {
	sub      bridge.Subscription
	last     *Heartbeat
	seen     time.Time // Monitor clock at the last heartbeat, or at Watch
	reported bool      // Dead was reported for the current outage
}

// NewMonitor creates a monitor. Peers can be watched before Start, but dead
// peers are only reported once started.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultMonitorConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	m := &Monitor{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		peers:   make(map[string]*peer),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = logging.NewNop()
	}
	m.logger = m.logger.WithComponent("heartbeat")
	return m, nil
}

// Watch starts tracking the app at uri. Watching a watched peer is a no-op.
func (m *Monitor) Watch(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[uri]; ok {
		return nil
	}
	sub, err := m.cfg.Bus.Subscribe(Subject(m.cfg.SubjectPrefix, uri))
	if err != nil {
		return errors.Wrapf(err, "watching %s", uri)
	}
	p := &peer{sub: sub, seen: m.clock.Now()}
	m.peers[uri] = p
	go m.forward(uri, p)
	return nil
}

// Unwatch stops tracking the app at uri.
func (m *Monitor) Unwatch(uri string) {
	m.mu.Lock()
	p, ok := m.peers[uri]
	delete(m.peers, uri)
	m.mu.Unlock()
	if ok {
		_ = p.sub.Unsubscribe()
	}
}

// Peers returns the watched URIs in order.
func (m *Monitor) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uris := make([]string, 0, len(m.peers))
	for uri := range m.peers {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

func (m *Monitor) forward(uri string, p *peer) {
	for msg := range p.sub.Messages() {
		hb, err := Unmarshal(msg.Data)
		if err != nil || hb.AppURI != uri {
			m.logger.Debug("foreign heartbeat dropped", map[string]interface{}{"subject": msg.Subject})
			continue
		}
		m.metrics.Heartbeat("in")

		m.mu.Lock()
		if m.peers[uri] != p {
			m.mu.Unlock()
			return
		}
		back := p.reported
		p.last = hb
		p.seen = m.clock.Now()
		p.reported = false
		m.mu.Unlock()

		if back {
			m.logger.Info("peer alive again", map[string]interface{}{"uri": uri})
		}
	}
}

// IsAlive reports whether uri is watched and was heard from within the
// timeout.
func (m *Monitor) IsAlive(uri string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[uri]
	return ok && m.clock.Since(p.seen) <= m.cfg.Timeout
}

// LastHeartbeat returns the last heartbeat of uri, nil if none arrived.
func (m *Monitor) LastHeartbeat(uri string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[uri]; ok {
		return p.last
	}
	return nil
}

// OnDead registers a callback for peers presumed dead. Callbacks run on the
// monitor goroutine and must not block.
func (m *Monitor) OnDead(callback func(uri string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Start begins the periodic dead peer scan.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return errors.InvalidArgument("heartbeat monitor already started")
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	ticker := m.clock.Ticker(m.cfg.CheckInterval)
	go m.run(ticker)
	return nil
}

func (m *Monitor) run(ticker *clock.Ticker) {
	defer close(m.doneCh)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkDead()
		}
	}
}

func (m *Monitor) checkDead() {
	now := m.clock.Now()
	var dead []string

	m.mu.Lock()
	for uri, p := range m.peers {
		if !p.reported && now.Sub(p.seen) > m.cfg.Timeout {
			p.reported = true
			dead = append(dead, uri)
		}
	}
	callbacks := make([]func(string), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	sort.Strings(dead)
	for _, uri := range dead {
		m.metrics.PeerDead()
		m.logger.Warn("peer presumed dead", map[string]interface{}{
			"uri":     uri,
			"timeout": m.cfg.Timeout.String(),
		})
		for _, cb := range callbacks {
			cb(uri)
		}
	}
}

// Stop ends the scan and every peer subscription.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return errors.InvalidArgument("heartbeat monitor not started")
	}
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*peer)
	m.mu.Unlock()
	for _, p := range peers {
		_ = p.sub.Unsubscribe()
	}
	return nil
}
