package bridge

import (
	"context"
	"sync/atomic"

	"github.com/aptima-ai/aptima-framework-sub006/closing"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/telemetry"
)

// Connection is the outbound channel to one remote app.
type Connection struct {
	bridge  *Bridge
	remote  string
	subject string
	node    *closing.Node

	sent   atomic.Uint64
	failed atomic.Uint64
}

func newConnection(b *Bridge, remote string) *Connection {
	c := &Connection{
		bridge:  b,
		remote:  remote,
		subject: Subject(b.prefix, remote),
	}
	c.node = closing.NewNode("connection:"+remote, closing.Hooks{
		Destroy: func() { b.forget(c) },
	}, nil)
	return c
}

// Remote returns the URI of the remote app.
func (c *Connection) Remote() string {
	return c.remote
}

// Node returns the connection's closing node.
func (c *Connection) Node() *closing.Node {
	return c.node
}

// Stats returns the number of messages sent and failed.
func (c *Connection) Stats() (sent, failed uint64) {
	return c.sent.Load(), c.failed.Load()
}

// Send publishes msg to the remote app. A bus that refuses the message as
// closed closes the connection too.
func (c *Connection) Send(ctx context.Context, msg message.Message) error {
	if c.node.IsClosing() {
		return errors.AlreadyClosed("connection to " + c.remote)
	}
	b := c.bridge
	ctx, span := b.tracer.StartBridgeSpan(ctx, "send")

	err := c.publish(ctx, msg)
	b.tracer.EndBridgeSpan(span, spanOptions(msg, c.remote), err)
	if err != nil {
		c.failed.Add(1)
		if errors.Is(err, errors.ErrCodeAlreadyClosed) {
			c.node.Close()
		}
		return err
	}
	c.sent.Add(1)
	b.metrics.Bridged("out")
	return nil
}

func (c *Connection) publish(ctx context.Context, msg message.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	header := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, header)
	return c.bridge.bus.Publish(&Message{
		Subject: c.subject,
		Header:  header,
		Data:    data,
	})
}
