// Package message defines the typed messages exchanged between extensions and
// the locations that address them.
//
// Message is a closed sum type: Command, Data, VideoFrame, AudioFrame and
// CommandResult are its only implementations. Code that needs per-kind
// behavior uses a type switch over those five types.
package message

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

// Kind identifies the message class.
type Kind int

const (
	KindCommand Kind = iota
	KindData
	KindVideoFrame
	KindAudioFrame
	KindCommandResult
)

// String returns the routing-table name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "cmd"
	case KindData:
		return "data"
	case KindVideoFrame:
		return "video_frame"
	case KindAudioFrame:
		return "audio_frame"
	case KindCommandResult:
		return "cmd_result"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Header holds the fields common to every message.
type Header struct {
	Name       string
	Src        Location
	Dest       []Location
	Properties map[string]any
}

// Head returns the header itself. It lets the five message types satisfy
// Message through embedding.
func (h *Header) Head() *Header {
	return h
}

func (h *Header) clone() Header {
	out := Header{
		Name:       h.Name,
		Src:        h.Src,
		Properties: CloneProperties(h.Properties),
	}
	if h.Dest != nil {
		out.Dest = append([]Location(nil), h.Dest...)
	}
	return out
}

// Message is implemented by Command, Data, VideoFrame, AudioFrame and
// CommandResult only.
type Message interface {
	Kind() Kind
	Head() *Header
	// Clone returns an independently owned deep copy.
	Clone() Message
	sealed()
}

// NewCommandID returns a fresh command id.
func NewCommandID() string {
	return uuid.NewString()
}

// Command is a request that expects one or more CommandResults.
type Command struct {
	Header
	ID string
}

// NewCommand creates a command with a fresh id.
func NewCommand(name string) *Command {
	return &Command{Header: Header{Name: name}, ID: NewCommandID()}
}

func (*Command) Kind() Kind { return KindCommand }
func (*Command) sealed()    {}

func (c *Command) Clone() Message {
	return &Command{Header: c.Header.clone(), ID: c.ID}
}

// Data carries an opaque payload.
type Data struct {
	Header
	Buf []byte
}

// NewData creates a data message.
func NewData(name string, buf []byte) *Data {
	return &Data{Header: Header{Name: name}, Buf: buf}
}

func (*Data) Kind() Kind { return KindData }
func (*Data) sealed()    {}

func (d *Data) Clone() Message {
	return &Data{Header: d.Header.clone(), Buf: bytes.Clone(d.Buf)}
}

// VideoFrame carries one frame of video.
type VideoFrame struct {
	Header
	Width       int
	Height      int
	PixelFormat string
	Timestamp   int64
	Buf         []byte
}

// NewVideoFrame creates a video frame message.
func NewVideoFrame(name string) *VideoFrame {
	return &VideoFrame{Header: Header{Name: name}}
}

func (*VideoFrame) Kind() Kind { return KindVideoFrame }
func (*VideoFrame) sealed()    {}

func (f *VideoFrame) Clone() Message {
	out := *f
	out.Header = f.Header.clone()
	out.Buf = bytes.Clone(f.Buf)
	return &out
}

// AudioFrame carries one block of PCM samples.
type AudioFrame struct {
	Header
	SampleRate        int
	Channels          int
	SamplesPerChannel int
	Timestamp         int64
	Buf               []byte
}

// NewAudioFrame creates an audio frame message.
func NewAudioFrame(name string) *AudioFrame {
	return &AudioFrame{Header: Header{Name: name}}
}

func (*AudioFrame) Kind() Kind { return KindAudioFrame }
func (*AudioFrame) sealed()    {}

func (f *AudioFrame) Clone() Message {
	out := *f
	out.Header = f.Header.clone()
	out.Buf = bytes.Clone(f.Buf)
	return &out
}

// StatusCode is the outcome carried by a CommandResult.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusError
	StatusTimeout
	StatusClosed
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// CommandResult answers a Command. A command receives any number of
// non-final results followed by exactly one final result.
type CommandResult struct {
	Header
	ID           string
	OriginalName string
	Status       StatusCode
	Final        bool
	Detail       string
}

// NewResult creates a final result addressed to the sender of cmd.
func NewResult(cmd *Command, status StatusCode) *CommandResult {
	r := &CommandResult{
		Header:       Header{Name: cmd.Name},
		ID:           cmd.ID,
		OriginalName: cmd.Name,
		Status:       status,
		Final:        true,
	}
	if !cmd.Src.IsZero() {
		r.Dest = []Location{cmd.Src}
	}
	return r
}

func (*CommandResult) Kind() Kind { return KindCommandResult }
func (*CommandResult) sealed()    {}

func (r *CommandResult) Clone() Message {
	out := *r
	out.Header = r.Header.clone()
	return &out
}

// Validate checks the structural invariants of a message.
func Validate(msg Message) error {
	if msg == nil {
		return errors.InvalidArgument("nil message")
	}
	switch m := msg.(type) {
	case *Command:
		if m.Name == "" {
			return errors.InvalidArgument("command without a name")
		}
	case *CommandResult:
		if m.ID == "" {
			return errors.InvalidArgument("result without a command id")
		}
	case *Data, *VideoFrame, *AudioFrame:
		if msg.Head().Name == "" {
			return errors.InvalidArgument("%s without a name", msg.Kind())
		}
	}
	return nil
}

// CommandID returns the command id of a Command or CommandResult.
func CommandID(msg Message) string {
	switch m := msg.(type) {
	case *Command:
		return m.ID
	case *CommandResult:
		return m.ID
	default:
		return ""
	}
}
