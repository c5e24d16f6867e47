package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

// MemoryBus implements MessageBus with in-process channels. Several bridges
// sharing one MemoryBus talk to each other as if over NATS.
type MemoryBus struct {
	config BusConfig

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed atomic.Bool

	dropped atomic.Uint64
}

type memorySub struct {
	subject string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
	once    sync.Once
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(cfg BusConfig) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBusConfig().BufferSize
	}
	return &MemoryBus{
		config: cfg,
		subs:   make(map[string][]*memorySub),
	}
}

// Publish delivers msg to every subscriber. A subscriber whose buffer is
// full misses the message; Dropped counts those.
func (b *MemoryBus) Publish(msg *Message) error {
	if msg == nil {
		return errors.InvalidArgument("nil bus message")
	}
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return errBusClosed()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[msg.Subject] {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- copyMessage(msg):
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a subscription to subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, errBusClosed()
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Dropped returns how many deliveries were lost to full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus and ends every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.end()
		}
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.end()
	return nil
}

// end closes the channel once. Callers hold the bus lock, so no Publish is
// sending concurrently.
func (s *memorySub) end() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}

// copyMessage gives every subscriber its own header map; the payload is
// shared and never modified.
func copyMessage(msg *Message) *Message {
	out := &Message{Subject: msg.Subject, Data: msg.Data}
	if msg.Header != nil {
		out.Header = make(map[string]string, len(msg.Header))
		for k, v := range msg.Header {
			out.Header[k] = v
		}
	}
	return out
}
