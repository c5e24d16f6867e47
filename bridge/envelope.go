package bridge

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/message"
)

// envelopeVersion is bumped on incompatible envelope changes.
const envelopeVersion = 1

// envelope is the CBOR form of a message on the bus. Fields unused by a kind
// are omitted.
type envelope struct {
	Version    int                `cbor:"v"`
	Kind       string             `cbor:"k"`
	Name       string             `cbor:"n,omitempty"`
	Src        message.Location   `cbor:"src"`
	Dest       []message.Location `cbor:"dest,omitempty"`
	Properties map[string]any     `cbor:"props,omitempty"`

	// Command and CommandResult.
	ID string `cbor:"id,omitempty"`

	// CommandResult.
	OriginalName string `cbor:"orig,omitempty"`
	Status       int    `cbor:"status,omitempty"`
	Final        bool   `cbor:"final,omitempty"`
	Detail       string `cbor:"detail,omitempty"`

	// Data and frames.
	Buf []byte `cbor:"buf,omitempty"`

	// VideoFrame.
	Width       int    `cbor:"w,omitempty"`
	Height      int    `cbor:"h,omitempty"`
	PixelFormat string `cbor:"pix,omitempty"`

	// AudioFrame.
	SampleRate        int `cbor:"rate,omitempty"`
	Channels          int `cbor:"ch,omitempty"`
	SamplesPerChannel int `cbor:"spc,omitempty"`

	// Frames.
	Timestamp int64 `cbor:"ts,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Nested property objects decode as map[string]any, as they do from a
	// graph definition.
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes msg.
func Encode(msg message.Message) ([]byte, error) {
	if err := message.Validate(msg); err != nil {
		return nil, err
	}
	head := msg.Head()
	env := envelope{
		Version:    envelopeVersion,
		Kind:       msg.Kind().String(),
		Name:       head.Name,
		Src:        head.Src,
		Dest:       head.Dest,
		Properties: head.Properties,
	}
	switch m := msg.(type) {
	case *message.Command:
		env.ID = m.ID
	case *message.CommandResult:
		env.ID = m.ID
		env.OriginalName = m.OriginalName
		env.Status = int(m.Status)
		env.Final = m.Final
		env.Detail = m.Detail
	case *message.Data:
		env.Buf = m.Buf
	case *message.VideoFrame:
		env.Buf = m.Buf
		env.Width = m.Width
		env.Height = m.Height
		env.PixelFormat = m.PixelFormat
		env.Timestamp = m.Timestamp
	case *message.AudioFrame:
		env.Buf = m.Buf
		env.SampleRate = m.SampleRate
		env.Channels = m.Channels
		env.SamplesPerChannel = m.SamplesPerChannel
		env.Timestamp = m.Timestamp
	}
	data, err := encMode.Marshal(&env)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidArgument, "encoding "+env.Kind+" "+env.Name)
	}
	return data, nil
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (message.Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidArgument, "decoding envelope")
	}
	if env.Version != envelopeVersion {
		return nil, errors.InvalidArgument("unsupported envelope version %d", env.Version)
	}

	head := message.Header{
		Name:       env.Name,
		Src:        env.Src,
		Dest:       env.Dest,
		Properties: env.Properties,
	}
	var msg message.Message
	switch env.Kind {
	case message.KindCommand.String():
		msg = &message.Command{Header: head, ID: env.ID}
	case message.KindCommandResult.String():
		msg = &message.CommandResult{
			Header:       head,
			ID:           env.ID,
			OriginalName: env.OriginalName,
			Status:       message.StatusCode(env.Status),
			Final:        env.Final,
			Detail:       env.Detail,
		}
	case message.KindData.String():
		msg = &message.Data{Header: head, Buf: env.Buf}
	case message.KindVideoFrame.String():
		msg = &message.VideoFrame{
			Header:      head,
			Width:       env.Width,
			Height:      env.Height,
			PixelFormat: env.PixelFormat,
			Timestamp:   env.Timestamp,
			Buf:         env.Buf,
		}
	case message.KindAudioFrame.String():
		msg = &message.AudioFrame{
			Header:            head,
			SampleRate:        env.SampleRate,
			Channels:          env.Channels,
			SamplesPerChannel: env.SamplesPerChannel,
			Timestamp:         env.Timestamp,
			Buf:               env.Buf,
		}
	default:
		return nil, errors.InvalidArgument("unknown message kind %q", env.Kind)
	}
	if err := message.Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
