package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/message"
)

func TestEnvelopeKeepsEveryKind(t *testing.T) {
	src := message.Location{AppURI: "msgpack://a/", GraphID: "g", Group: "g1", Extension: "x"}
	dest := []message.Location{{AppURI: "msgpack://b/", Extension: "y"}}

	cmd := message.NewCommand("ping")
	cmd.Src, cmd.Dest = src, dest
	cmd.Properties = map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{"a", "b"}}

	res := message.NewResult(cmd, message.StatusTimeout)
	res.Final = false
	res.Detail = "slow"

	video := message.NewVideoFrame("cam")
	video.Width, video.Height, video.PixelFormat, video.Timestamp = 640, 480, "rgba", 42
	video.Buf = []byte{1, 2, 3}

	audio := message.NewAudioFrame("mic")
	audio.SampleRate, audio.Channels, audio.SamplesPerChannel, audio.Timestamp = 16000, 2, 160, 7
	audio.Buf = []byte{4, 5}

	for _, msg := range []message.Message{cmd, res, message.NewData("chunk", []byte("hi")), video, audio} {
		t.Run(msg.Kind().String(), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestEnvelopeNestedPropertiesAreStringKeyed(t *testing.T) {
	d := message.NewData("chunk", nil)
	d.Properties = map[string]any{"outer": map[string]any{"inner": "v"}}

	data, err := Encode(d)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	v, ok := message.Lookup(got.Head().Properties, "outer.inner")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))

	data, err := encMode.Marshal(&envelope{Version: 99, Kind: "data", Name: "x"})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))

	data, err = encMode.Marshal(&envelope{Version: envelopeVersion, Kind: "telegram", Name: "x"})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
}

func TestEncodeValidates(t *testing.T) {
	_, err := Encode(&message.Command{})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
}
