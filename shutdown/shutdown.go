package shutdown

import (
	"context"
	"time"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
)

// Phases of a runtime process. Lower phases run first.
const (
	// PhaseIngress stops what feeds the app from outside: HTTP listeners,
	// operator endpoints.
	PhaseIngress = 10
	// PhaseApp closes the app: every graph, then the bridge.
	PhaseApp = 20
	// PhaseFlush flushes exporters and log output once nothing produces
	// spans or lines any more.
	PhaseFlush = 30
)

// Handler is implemented by components that take part in shutdown.
type Handler interface {
	// OnShutdown stops the component. ctx is cancelled when the shutdown
	// timeout is reached.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer is a closing root: Close starts closing it and Done is closed once
// it is destroyed. *app.App is one.
type Closer interface {
	Close()
	Done() <-chan struct{}
}

// CloseAndWait returns a handler that closes c and waits for it to be
// destroyed.
func CloseAndWait(c Closer) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		c.Close()
		select {
		case <-c.Done():
			return nil
		case <-ctx.Done():
			return errors.WrapWithCode(ctx.Err(), errors.ErrCodeTimeout, "waiting for close")
		}
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	// Err combines every handler error, or reports the timeout.
	Err error
}

// Failed reports whether any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of the handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// DefaultTimeout bounds ShutdownWithTimeout(0) and signal-triggered
	// shutdowns. Default: 30 seconds
	DefaultTimeout time.Duration

	// DefaultPhase is assigned by Register. Default: PhaseApp
	DefaultPhase int

	// ContinueOnError runs later phases after a handler failed.
	ContinueOnError bool

	// OnProgress is called after each handler.
	OnProgress func(result HandlerResult)

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return errors.InvalidArgument("shutdown: negative default timeout")
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    PhaseApp,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
