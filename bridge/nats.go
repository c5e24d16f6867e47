package bridge

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
)

// NATSBus implements MessageBus using NATS.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	logger *logging.Logger
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	BusConfig

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// OnClosed runs once the connection is closed for good, including
	// after reconnects were exhausted.
	OnClosed func()

	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		BusConfig:      DefaultBusConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBusConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	b := &NATSBus{config: cfg, logger: cfg.Logger.WithComponent("nats")}

	conn, err := nats.Connect(cfg.URL, b.options()...)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeNotConnected, "nats connect")
	}
	b.conn = conn
	return b, nil
}

// NewNATSBusFromConn creates a NATSBus from an existing connection. The
// connection handlers of cfg are not installed.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBusConfig().BufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &NATSBus{conn: conn, config: cfg, logger: cfg.Logger.WithComponent("nats")}
}

func (b *NATSBus) options() []nats.Option {
	cfg := b.config
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]interface{}{"url": cfg.URL}
			if err != nil {
				fields["error"] = err.Error()
			}
			b.logger.Warn("nats disconnected", fields)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("nats reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.logger.Info("nats connection closed")
			if cfg.OnClosed != nil {
				cfg.OnClosed()
			}
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Publish sends msg, headers included.
func (b *NATSBus) Publish(msg *Message) error {
	if msg == nil {
		return errors.InvalidArgument("nil bus message")
	}
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return errBusClosed()
	}

	out := nats.NewMsg(msg.Subject)
	out.Data = msg.Data
	for k, v := range msg.Header {
		out.Header.Set(k, v)
	}
	if err := b.conn.PublishMsg(out); err != nil {
		return errors.Wrap(err, "nats publish")
	}
	return nil
}

// Subscribe creates a subscription to subject. Messages arriving while the
// channel is full are dropped and logged.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, errBusClosed()
	}

	s := &natsSubscription{ch: make(chan *Message, b.config.BufferSize)}
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		msg := &Message{Subject: m.Subject, Data: m.Data}
		if len(m.Header) > 0 {
			msg.Header = make(map[string]string, len(m.Header))
			for k := range m.Header {
				msg.Header[k] = m.Header.Get(k)
			}
		}
		s.deliver(msg, b.logger)
	})
	if err != nil {
		return nil, errors.Wrap(err, "nats subscribe")
	}
	s.sub = sub
	return s, nil
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return errors.Wrap(err, "nats drain")
	}
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

type natsSubscription struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func (s *natsSubscription) deliver(msg *Message, logger *logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		logger.Warn("subscription buffer full, message dropped", map[string]interface{}{"subject": msg.Subject})
	}
}

// Messages returns the message channel.
func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	if err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return errors.Wrap(err, "nats unsubscribe")
	}
	return nil
}
