package extension

import (
	"github.com/aptima-ai/aptima-framework-sub006/message"
)

// Logic is the user-supplied behavior of an extension. Every method runs on
// the extension thread. Lifecycle callbacks are acknowledged through the
// matching Env.On*Done method, synchronously or later.
type Logic interface {
	OnConfigure(env *Env)
	OnInit(env *Env)
	OnStart(env *Env)
	OnStop(env *Env)
	OnDeinit(env *Env)

	OnCommand(env *Env, cmd *message.Command)
	OnData(env *Env, data *message.Data)
	OnVideoFrame(env *Env, frame *message.VideoFrame)
	OnAudioFrame(env *Env, frame *message.AudioFrame)
}

// BaseLogic acknowledges every phase immediately, answers commands with an
// ERROR result and ignores data and frames. Embed it and override what you
// need.
type BaseLogic struct{}

func (BaseLogic) OnConfigure(env *Env) { _ = env.OnConfigureDone() }
func (BaseLogic) OnInit(env *Env)      { _ = env.OnInitDone() }
func (BaseLogic) OnStart(env *Env)     { _ = env.OnStartDone() }
func (BaseLogic) OnStop(env *Env)      { _ = env.OnStopDone() }
func (BaseLogic) OnDeinit(env *Env)    { _ = env.OnDeinitDone() }

func (BaseLogic) OnCommand(env *Env, cmd *message.Command) {
	res := message.NewResult(cmd, message.StatusError)
	res.Detail = "command not handled"
	_ = env.ReturnResult(res, cmd)
}

func (BaseLogic) OnData(*Env, *message.Data)             {}
func (BaseLogic) OnVideoFrame(*Env, *message.VideoFrame) {}
func (BaseLogic) OnAudioFrame(*Env, *message.AudioFrame) {}

// Factory creates and destroys extension logic by addon name. Both calls are
// asynchronous; done may run on any goroutine.
type Factory interface {
	Create(addon, instance string, done func(Logic, error))
	Destroy(addon string, logic Logic, done func())
}

// Router hands a message to the thread that owns dest.
type Router interface {
	Route(dest message.Location, msg message.Message) error
}
