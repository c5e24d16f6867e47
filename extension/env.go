package extension

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/pathtable"
	"github.com/aptima-ai/aptima-framework-sub006/proxy"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

// Env is the handle an extension's logic uses to talk to the runtime. It is
// bound to the extension thread: every method except AcquireProxy fails with
// INVALID_ARGUMENT when called from another goroutine. Foreign goroutines
// acquire a proxy and notify onto the thread instead.
type Env struct {
	thread *Thread
	ext    *Extension
}

// Name returns the extension instance name.
func (e *Env) Name() string {
	return e.ext.name
}

// Location returns the address of the extension.
func (e *Env) Location() message.Location {
	return e.ext.loc
}

// Phase returns the current lifecycle phase.
func (e *Env) Phase() Phase {
	return e.ext.phase
}

// Logger returns a logger scoped to the extension.
func (e *Env) Logger() *logging.Logger {
	return e.ext.logger
}

// Clock returns the thread clock.
func (e *Env) Clock() clock.Clock {
	return e.thread.loop.Clock()
}

// NewTimer creates a timer on the extension thread. The extension must Close
// it before acknowledging deinit; the thread loop refuses to close with open
// timers.
func (e *Env) NewTimer(interval time.Duration, times int, fn func()) (*runloop.Timer, error) {
	if !e.thread.loop.InLoop() {
		return nil, errors.InvalidArgument("%s: NewTimer called off the extension thread", e.ext.name)
	}
	return e.thread.loop.NewTimer(interval, times, fn)
}

// Property looks up a node-local property by dot-separated path.
func (e *Env) Property(path string) (any, bool) {
	v, ok := message.Lookup(e.ext.props, path)
	if !ok {
		return nil, false
	}
	return message.CloneValue(v), true
}

// PropertyString returns a string property, or "" if absent.
func (e *Env) PropertyString(path string) string {
	v, _ := e.Property(path)
	s, _ := v.(string)
	return s
}

// AcquireProxy returns a proxy for scheduling work on the extension thread
// from another goroutine. It may be called from any goroutine.
func (e *Env) AcquireProxy() (*proxy.Proxy, error) {
	return e.thread.owner.Acquire()
}

// OnConfigureDone acknowledges OnConfigure.
func (e *Env) OnConfigureDone() error { return e.thread.ack(e.ext, opConfigure) }

// OnInitDone acknowledges OnInit.
func (e *Env) OnInitDone() error { return e.thread.ack(e.ext, opInit) }

// OnStartDone acknowledges OnStart.
func (e *Env) OnStartDone() error { return e.thread.ack(e.ext, opStart) }

// OnStopDone acknowledges OnStop.
func (e *Env) OnStopDone() error { return e.thread.ack(e.ext, opStop) }

// OnDeinitDone acknowledges OnDeinit.
func (e *Env) OnDeinitDone() error { return e.thread.ack(e.ext, opDeinit) }

// SendCmd sends cmd and registers handler for its results. handler sees any
// number of non-final results and exactly one terminal result per
// destination. cmd itself is not modified; on error nothing was sent.
func (e *Env) SendCmd(cmd *message.Command, handler pathtable.Handler) error {
	if err := e.check("send_cmd"); err != nil {
		return err
	}
	if cmd == nil {
		return errors.InvalidArgument("nil command")
	}
	return e.thread.sendCmd(e.ext, cmd, handler)
}

// SendData sends a data message.
func (e *Env) SendData(data *message.Data) error {
	if err := e.check("send_data"); err != nil {
		return err
	}
	if data == nil {
		return errors.InvalidArgument("nil data")
	}
	return e.thread.sendOneWay(e.ext, data)
}

// SendVideoFrame sends a video frame.
func (e *Env) SendVideoFrame(frame *message.VideoFrame) error {
	if err := e.check("send_video_frame"); err != nil {
		return err
	}
	if frame == nil {
		return errors.InvalidArgument("nil video frame")
	}
	return e.thread.sendOneWay(e.ext, frame)
}

// SendAudioFrame sends an audio frame.
func (e *Env) SendAudioFrame(frame *message.AudioFrame) error {
	if err := e.check("send_audio_frame"); err != nil {
		return err
	}
	if frame == nil {
		return errors.InvalidArgument("nil audio frame")
	}
	return e.thread.sendOneWay(e.ext, frame)
}

// ReturnResult answers cmd, a command this extension received. A final
// result closes the command; further results for it fail.
func (e *Env) ReturnResult(res *message.CommandResult, cmd *message.Command) error {
	if err := e.check("return_result"); err != nil {
		return err
	}
	if res == nil || cmd == nil {
		return errors.InvalidArgument("return_result needs a result and its command")
	}
	return e.thread.returnResult(e.ext, res, cmd)
}

func (e *Env) check(op string) error {
	if !e.thread.loop.InLoop() {
		return errors.InvalidArgument("%s: %s called off the extension thread", e.ext.name, op)
	}
	if !e.ext.phase.CanSend() {
		return errors.NotAllowedInPhase(op, e.ext.phase.String())
	}
	return nil
}
