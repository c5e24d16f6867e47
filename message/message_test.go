package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "cmd", KindCommand.String())
	assert.Equal(t, "data", KindData.String())
	assert.Equal(t, "video_frame", KindVideoFrame.String())
	assert.Equal(t, "audio_frame", KindAudioFrame.String())
	assert.Equal(t, "cmd_result", KindCommandResult.String())
}

func TestNewCommandAssignsUniqueIDs(t *testing.T) {
	a := NewCommand("ping")
	b := NewCommand("ping")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, KindCommand, a.Kind())
}

func TestCloneIsIndependent(t *testing.T) {
	cmd := NewCommand("ping")
	cmd.Dest = []Location{{Extension: "b"}}
	cmd.Properties = map[string]any{
		"nested": map[string]any{"n": 1},
		"list":   []any{"x"},
	}

	clone := cmd.Clone().(*Command)
	clone.Dest[0].Extension = "c"
	clone.Properties["nested"].(map[string]any)["n"] = 2
	clone.Properties["list"].([]any)[0] = "y"

	assert.Equal(t, cmd.ID, clone.ID)
	assert.Equal(t, "b", cmd.Dest[0].Extension)
	assert.Equal(t, 1, cmd.Properties["nested"].(map[string]any)["n"])
	assert.Equal(t, "x", cmd.Properties["list"].([]any)[0])
}

func TestFrameCloneCopiesBuffer(t *testing.T) {
	f := NewVideoFrame("frame")
	f.Width, f.Height = 2, 2
	f.Buf = []byte{1, 2, 3, 4}

	clone := f.Clone().(*VideoFrame)
	clone.Buf[0] = 9

	assert.Equal(t, byte(1), f.Buf[0])
	assert.Equal(t, 2, clone.Width)
}

func TestNewResultAddressesSender(t *testing.T) {
	cmd := NewCommand("ping")
	cmd.Src = Location{AppURI: "localhost", GraphID: "g", Group: "grp", Extension: "a"}

	res := NewResult(cmd, StatusOK)

	assert.Equal(t, cmd.ID, res.ID)
	assert.Equal(t, "ping", res.OriginalName)
	assert.True(t, res.Final)
	assert.Equal(t, []Location{cmd.Src}, res.Dest)
	assert.Equal(t, cmd.ID, CommandID(res))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(NewCommand("x")))
	assert.True(t, errors.Is(Validate(NewCommand("")), errors.ErrCodeInvalidArgument))
	assert.True(t, errors.Is(Validate(NewData("", nil)), errors.ErrCodeInvalidArgument))
	assert.True(t, errors.Is(Validate(&CommandResult{}), errors.ErrCodeInvalidArgument))
	assert.True(t, errors.Is(Validate(nil), errors.ErrCodeInvalidArgument))
}

func TestLocationRewrite(t *testing.T) {
	loc := Location{AppURI: Localhost, GraphID: "g", Extension: "a"}

	rewritten := loc.RewriteLocalhost("msgpack://127.0.0.1:8001/")
	assert.Equal(t, "msgpack://127.0.0.1:8001/", rewritten.AppURI)
	assert.Equal(t, rewritten, rewritten.RewriteLocalhost("other"), "rewrite happens once")

	assert.True(t, loc.Equal(rewritten, "msgpack://127.0.0.1:8001/"))
	assert.False(t, loc.Equal(rewritten, "other"))
	assert.True(t, loc.IsLocal("anything"))
	assert.False(t, rewritten.IsLocal("other"))
}

func TestProperties(t *testing.T) {
	h := &Header{}
	require.NoError(t, h.SetProperty("a.b", "v"))
	require.NoError(t, h.SetProperty("n", 3))

	v, ok := h.Property("a.b")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, "v", h.PropertyString("a.b"))

	_, ok = h.Property("a.c")
	assert.False(t, ok)

	err := h.SetProperty("n.x", 1)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
}
