package heartbeat

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/aptima-ai/aptima-framework-sub006/bridge"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
)

// Sender publishes the heartbeats of one app.
type Sender struct {
	cfg     SenderConfig
	subject string
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	status string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a sender. Nothing is published until Start.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSenderConfig()
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	s := &Sender{
		cfg:     cfg,
		subject: Subject(cfg.SubjectPrefix, cfg.AppURI),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		status:  StatusRunning,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	s.logger = s.logger.WithComponent("heartbeat")
	if err := bridge.ValidateSubject(s.subject); err != nil {
		return nil, err
	}
	return s, nil
}

// Subject returns the subject the sender publishes on.
func (s *Sender) Subject() string {
	return s.subject
}

// Start publishes one heartbeat right away and then one per interval.
func (s *Sender) Start() error {
	if s.running.Swap(true) {
		return errors.InvalidArgument("heartbeat sender already started")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	// The ticker exists before Start returns so a mock clock advanced right
	// after Start fires it.
	ticker := s.clock.Ticker(s.cfg.Interval)
	s.send()
	go s.run(ticker)
	return nil
}

func (s *Sender) run(ticker *clock.Ticker) {
	defer close(s.doneCh)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.send()
		}
	}
}

// SetStatus changes the status carried by the next heartbeats.
func (s *Sender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Beat publishes one heartbeat now, outside the interval.
func (s *Sender) Beat() error {
	return s.send()
}

func (s *Sender) send() error {
	data, err := s.build().Marshal()
	if err != nil {
		return err
	}
	if err := s.cfg.Bus.Publish(&bridge.Message{Subject: s.subject, Data: data}); err != nil {
		s.logger.Debug("heartbeat not published", map[string]interface{}{"error": err.Error()})
		return err
	}
	s.metrics.Heartbeat("out")
	return nil
}

func (s *Sender) build() *Heartbeat {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	hb := &Heartbeat{
		AppURI:    s.cfg.AppURI,
		Timestamp: s.clock.Now(),
		Status:    status,
	}
	if s.cfg.Graphs != nil {
		hb.Graphs = s.cfg.Graphs()
	}
	return hb
}

// Stop stops publishing. It returns once the publishing goroutine is gone.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return errors.InvalidArgument("heartbeat sender not started")
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
