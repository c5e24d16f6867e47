package bridge

import (
	"strings"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

// Message is one bus message.
type Message struct {
	Subject string
	Header  map[string]string
	Data    []byte
}

// MessageBus is a subject based pub/sub transport.
type MessageBus interface {
	// Publish sends msg to every subscriber of msg.Subject.
	Publish(msg *Message) error

	// Subscribe delivers the messages of subject on a channel. The channel
	// is closed when the subscription or the bus ends.
	Subscribe(subject string) (Subscription, error)

	// Close shuts the bus down.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	Messages() <-chan *Message
	Unsubscribe() error
}

// BusConfig holds settings common to every bus.
type BusConfig struct {
	// BufferSize of subscription channels. Default: 256
	BufferSize int
}

// DefaultBusConfig returns configuration with sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{BufferSize: 256}
}

// ValidateSubject checks that subject is a literal subject: non-empty, with
// no empty tokens, no whitespace and no wildcards.
func ValidateSubject(subject string) error {
	if subject == "" {
		return errors.InvalidArgument("empty subject")
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return errors.InvalidArgument("subject %q is not a literal subject", subject)
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return errors.InvalidArgument("subject %q has an empty token", subject)
		}
	}
	return nil
}

func errBusClosed() error {
	return errors.AlreadyClosed("bus")
}
