package heartbeat

import (
	"encoding/base64"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"

	"github.com/aptima-ai/aptima-framework-sub006/bridge"
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
)

// Statuses carried by a heartbeat.
const (
	StatusRunning  = "running"
	StatusDraining = "draining"
)

// Heartbeat is one liveness signal of an app.
type Heartbeat struct {
	// AppURI identifies the sending app.
	AppURI string `cbor:"1,keyasint"`

	// Timestamp is the sender's clock when the heartbeat was built.
	Timestamp time.Time `cbor:"2,keyasint"`

	// Status is StatusRunning or StatusDraining.
	Status string `cbor:"3,keyasint"`

	// Graphs lists the ids of the graphs running in the sender.
	Graphs []string `cbor:"4,keyasint,omitempty"`
}

// Marshal encodes the heartbeat.
func (h *Heartbeat) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(h)
	if err != nil {
		return nil, errors.Wrap(err, "encoding heartbeat")
	}
	return data, nil
}

// Unmarshal decodes a heartbeat.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidArgument, "decoding heartbeat")
	}
	if h.AppURI == "" {
		return nil, errors.InvalidArgument("heartbeat without an app uri")
	}
	return &h, nil
}

// Subject returns the heartbeat subject of the app at uri. It lives next to
// the app's message subject under the same prefix.
func Subject(prefix, uri string) string {
	if prefix == "" {
		prefix = bridge.DefaultSubjectPrefix
	}
	return prefix + ".hb." + base64.RawURLEncoding.EncodeToString([]byte(uri))
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Bus carries the heartbeats.
	Bus bridge.MessageBus

	// AppURI is the URI of the sending app.
	AppURI string

	// SubjectPrefix is the first subject token.
	// Default: bridge.DefaultSubjectPrefix
	SubjectPrefix string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// Graphs reports the running graph ids. Optional.
	Graphs func() []string

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return errors.InvalidArgument("heartbeat sender needs a bus")
	}
	if c.AppURI == "" {
		return errors.InvalidArgument("heartbeat sender needs an app uri")
	}
	if c.Interval < 0 {
		return errors.InvalidArgument("heartbeat interval must not be negative")
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		SubjectPrefix: bridge.DefaultSubjectPrefix,
		Interval:      5 * time.Second,
	}
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Bus carries the heartbeats.
	Bus bridge.MessageBus

	// SubjectPrefix is the first subject token.
	// Default: bridge.DefaultSubjectPrefix
	SubjectPrefix string

	// Timeout after the last heartbeat before a peer is dead.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval of the dead peer scan.
	// Default: 1 second
	CheckInterval time.Duration

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return errors.InvalidArgument("heartbeat monitor needs a bus")
	}
	if c.Timeout < 0 || c.CheckInterval < 0 {
		return errors.InvalidArgument("heartbeat durations must not be negative")
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SubjectPrefix: bridge.DefaultSubjectPrefix,
		Timeout:       15 * time.Second,
		CheckInterval: time.Second,
	}
}
