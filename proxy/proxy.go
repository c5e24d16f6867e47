// Package proxy lets a goroutine schedule work on another thread's run loop
// while the target may be closing concurrently.
//
// Each thread-affined target embeds an Owner. Foreign goroutines Acquire a
// Proxy, Notify through it and Release it. The target is only destroyed after
// it has begun closing and every proxy has been released.
package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

// Owner tracks the liveness references held on one target.
type Owner struct {
	name    string
	loop    *runloop.Loop
	metrics *metrics.Metrics

	mu       sync.Mutex
	closing  bool
	refs     int
	released chan struct{}
	signaled bool
}

// Option configures an Owner.
type Option func(*Owner)

// WithMetrics records rejected notifications.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Owner) {
		o.metrics = m
	}
}

// NewOwner creates an owner for a target running on loop.
func NewOwner(name string, loop *runloop.Loop, opts ...Option) *Owner {
	o := &Owner{
		name:     name,
		loop:     loop,
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name returns the target name.
func (o *Owner) Name() string {
	return o.name
}

// Loop returns the target loop.
func (o *Owner) Loop() *runloop.Loop {
	return o.loop
}

// Acquire returns a new proxy. It fails with ALREADY_CLOSED once the target
// has begun closing.
func (o *Owner) Acquire() (*Proxy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return nil, errors.AlreadyClosed(o.name)
	}
	o.refs++
	return &Proxy{owner: o}, nil
}

// BeginClose makes the target refuse new proxies and notifications.
// It is idempotent.
func (o *Owner) BeginClose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return
	}
	o.closing = true
	o.maybeSignalLocked()
}

// Closing reports whether BeginClose was called.
func (o *Owner) Closing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

// Refs returns the number of live proxies.
func (o *Owner) Refs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refs
}

// Released is closed once the target is closing and no proxy remains.
func (o *Owner) Released() <-chan struct{} {
	return o.released
}

func (o *Owner) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs--
	o.maybeSignalLocked()
}

func (o *Owner) maybeSignalLocked() {
	if o.closing && o.refs == 0 && !o.signaled {
		o.signaled = true
		close(o.released)
	}
}

func (o *Owner) accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closing
}

// Proxy is a liveness reference on an Owner. It is safe for concurrent use.
type Proxy struct {
	owner    *Owner
	released atomic.Bool
}

// Notify schedules fn on the target loop. With sync set the caller blocks
// until fn has run; a sync notify issued from the target loop itself runs fn
// inline, and one issued before the loop was started fails with
// INVALID_ARGUMENT.
//
// Notify fails with ALREADY_CLOSED, without running fn, once the target has
// begun closing or its loop has stopped. The caller keeps whatever fn would
// have taken over.
func (p *Proxy) Notify(fn func(), sync bool) error {
	if fn == nil {
		return errors.InvalidArgument("proxy: nil notification")
	}
	o := p.owner
	if p.released.Load() {
		return errors.AlreadyClosed("released proxy for " + o.name)
	}
	if !o.accepting() {
		o.metrics.NotifyRejected()
		return errors.AlreadyClosed(o.name)
	}

	if !sync {
		if err := o.loop.Post(fn, runloop.Back); err != nil {
			o.metrics.NotifyRejected()
			return errors.AlreadyClosed(o.name)
		}
		return nil
	}

	if o.loop.InLoop() {
		fn()
		return nil
	}
	if o.loop.Idle() {
		// Nothing would ever run fn or close Done.
		return errors.InvalidArgument("proxy: sync notify to %s before its loop started", o.name)
	}
	ran := make(chan struct{})
	err := o.loop.Post(func() {
		defer close(ran)
		fn()
	}, runloop.Back)
	if err != nil {
		o.metrics.NotifyRejected()
		return errors.AlreadyClosed(o.name)
	}
	select {
	case <-ran:
		return nil
	case <-o.loop.Done():
		// The loop may have run fn just before exiting.
		select {
		case <-ran:
			return nil
		default:
			return errors.AlreadyClosed(o.name)
		}
	}
}

// Release drops the reference. Calling it more than once has no effect.
func (p *Proxy) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.owner.release()
	}
}
