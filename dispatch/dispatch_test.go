package dispatch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/graph"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/message"
)

const appURI = "msgpack://127.0.0.1:8001/"

const topology = `{
  "nodes": [
    {"name": "a", "addon": "x", "extension_group": "g1"},
    {"name": "b", "addon": "x", "extension_group": "g2"},
    {"name": "c", "addon": "x", "extension_group": "g2"}
  ],
  "connections": [
    {"extension": "a",
     "cmd": [
       {"name": "ping", "dest": [{"extension": "b"}]},
       {"name": "foo", "dest": [{"extension": "b"}, {"extension": "c"}]},
       {"name": "rename", "dest": [{"extension": "b", "msg_conversion": {"type": "per_property",
         "rules": [{"path": "@name", "conversion_mode": "fixed_value", "value": "renamed"},
                   {"path": "copy.of.x", "conversion_mode": "from_original", "original_path": "x"},
                   {"path": "orig_name", "conversion_mode": "from_original", "original_path": "@name"}]}}]},
       {"name": "keep", "dest": [{"extension": "b", "msg_conversion": {"type": "per_property", "keep_original": true,
         "rules": [{"path": "added", "conversion_mode": "fixed_value", "value": 1}]}}]},
       {"name": "vanish", "dest": [{"extension": "b", "msg_conversion": {"type": "per_property",
         "rules": [{"path": "@name", "conversion_mode": "fixed_value", "value": ""}]}},
         {"extension": "c"}]},
       {"name": "gone", "dest": [{"extension": "b", "msg_conversion": {"type": "per_property",
         "rules": [{"path": "@name", "conversion_mode": "fixed_value", "value": ""}]}}]}],
     "data": [{"name": "chunk", "dest": [{"extension": "c", "msg_conversion": {"type": "passthrough"}}]}]}
  ]
}`

func newDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	def, err := graph.Parse([]byte(topology))
	require.NoError(t, err)
	g, err := graph.Build(def, graph.BuildOptions{AppURI: appURI, GraphID: "g"})
	require.NoError(t, err)
	return New(g, opts...)
}

func TestSingleDestinationKeepsID(t *testing.T) {
	d := newDispatcher(t)
	cmd := message.NewCommand("ping")

	out, err := d.Resolve("a", cmd)
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := out[0].Msg.(*message.Command)
	assert.Equal(t, cmd.ID, got.ID)
	assert.Equal(t, "b", out[0].Dest.Extension)
	assert.Equal(t, []message.Location{out[0].Dest}, got.Dest)
	assert.Empty(t, cmd.Dest, "caller's message is untouched")
}

func TestSingleDestinationAssignsMissingID(t *testing.T) {
	d := newDispatcher(t)
	cmd := &message.Command{Header: message.Header{Name: "ping"}}

	out, err := d.Resolve("a", cmd)
	require.NoError(t, err)
	assert.NotEmpty(t, out[0].Msg.(*message.Command).ID)
	assert.Empty(t, cmd.ID)
}

func TestFanOutGetsFreshIDs(t *testing.T) {
	d := newDispatcher(t)
	cmd := message.NewCommand("foo")

	out, err := d.Resolve("a", cmd)
	require.NoError(t, err)
	require.Len(t, out, 2)

	first := out[0].Msg.(*message.Command)
	second := out[1].Msg.(*message.Command)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, cmd.ID, first.ID)
	assert.NotEqual(t, cmd.ID, second.ID)
	assert.Equal(t, "b", out[0].Dest.Extension)
	assert.Equal(t, "c", out[1].Dest.Extension)
}

func TestExplicitDestinationBypassesTable(t *testing.T) {
	d := newDispatcher(t)
	cmd := message.NewCommand("not-in-table")
	cmd.Dest = []message.Location{{AppURI: message.Localhost, Extension: "c"}}

	out, err := d.Resolve("a", cmd)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, message.Location{AppURI: appURI, GraphID: "g", Group: "g2", Extension: "c"}, out[0].Dest)
}

func TestExplicitRemoteDestinationKeepsGraphID(t *testing.T) {
	d := newDispatcher(t)
	data := message.NewData("chunk", nil)
	data.Dest = []message.Location{{AppURI: "msgpack://10.0.0.9:8001/", Extension: "z"}}

	out, err := d.Resolve("a", data)
	require.NoError(t, err)
	assert.Empty(t, out[0].Dest.GraphID)
}

func TestCommandToAppHasNoExtension(t *testing.T) {
	d := newDispatcher(t)
	cmd := message.NewCommand("start_graph")
	cmd.Dest = []message.Location{{AppURI: message.Localhost}}

	out, err := d.Resolve("a", cmd)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, message.Location{AppURI: appURI}, out[0].Dest, "no graph or group is filled in")
	assert.Equal(t, cmd.ID, out[0].Msg.(*message.Command).ID)

	remote := message.NewCommand("stop_graph")
	remote.Dest = []message.Location{{AppURI: "msgpack://10.0.0.9:8001/"}}
	out, err = d.Resolve("a", remote)
	require.NoError(t, err)
	assert.Equal(t, message.Location{AppURI: "msgpack://10.0.0.9:8001/"}, out[0].Dest)
}

func TestOnlyCommandsAddressAnApp(t *testing.T) {
	d := newDispatcher(t)
	data := message.NewData("chunk", nil)
	data.Dest = []message.Location{{AppURI: message.Localhost}}
	_, err := d.Resolve("a", data)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))

	cmd := message.NewCommand("ping")
	cmd.Dest = []message.Location{{AppURI: message.Localhost, GraphID: "g"}}
	_, err = d.Resolve("a", cmd)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument), "a graph without an extension is not an app")
}

func TestResultNeedsExplicitDestination(t *testing.T) {
	d := newDispatcher(t)
	res := message.NewResult(message.NewCommand("ping"), message.StatusOK)

	_, err := d.Resolve("b", res)
	assert.True(t, errors.Is(err, errors.ErrCodeNotConnected))
}

func TestConversionRules(t *testing.T) {
	d := newDispatcher(t)
	cmd := message.NewCommand("rename")
	cmd.Properties = map[string]any{"x": "value", "dropped": true}

	out, err := d.Resolve("a", cmd)
	require.NoError(t, err)
	got := out[0].Msg.(*message.Command)

	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "value", got.PropertyString("copy.of.x"))
	assert.Equal(t, "rename", got.PropertyString("orig_name"))
	_, kept := got.Property("dropped")
	assert.False(t, kept, "keep_original=false starts from an empty bag")
	assert.Equal(t, "rename", cmd.Name)
	assert.Equal(t, cmd.ID, got.ID)
}

func TestConversionKeepOriginal(t *testing.T) {
	d := newDispatcher(t)
	cmd := message.NewCommand("keep")
	cmd.Properties = map[string]any{"x": "value"}

	out, err := d.Resolve("a", cmd)
	require.NoError(t, err)
	got := out[0].Msg.(*message.Command)

	assert.Equal(t, "keep", got.Name)
	assert.Equal(t, "value", got.PropertyString("x"))
	assert.Equal(t, 1.0, got.Properties["added"])
}

func TestEmptyNameConversionSkipsDestination(t *testing.T) {
	d := newDispatcher(t)
	cmd := message.NewCommand("vanish")

	out, err := d.Resolve("a", cmd)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c", out[0].Dest.Extension)
	assert.Equal(t, cmd.ID, out[0].Msg.(*message.Command).ID, "a single remaining destination keeps the id")

	_, err = d.Resolve("a", message.NewCommand("gone"))
	assert.True(t, errors.Is(err, errors.ErrCodeNotConnected))
}

func TestPassthroughData(t *testing.T) {
	d := newDispatcher(t)
	data := message.NewData("chunk", []byte("abc"))

	out, err := d.Resolve("a", data)
	require.NoError(t, err)
	require.Len(t, out, 1)
	got := out[0].Msg.(*message.Data)
	assert.Equal(t, []byte("abc"), got.Buf)
	got.Buf[0] = 'z'
	assert.Equal(t, byte('a'), data.Buf[0])
}

func TestNotConnectedRateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	d := newDispatcher(t, WithLogger(logger), WithNotConnectedThreshold(3))
	for i := 0; i < 7; i++ {
		_, err := d.Resolve("a", message.NewCommand("unrouted"))
		require.True(t, errors.Is(err, errors.ErrCodeNotConnected))
	}
	_, _ = d.Resolve("a", message.NewData("other", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var unrouted, other int
	for _, l := range lines {
		switch {
		case strings.Contains(l, `"unrouted"`):
			unrouted++
		case strings.Contains(l, `"other"`):
			other++
		}
	}
	assert.Equal(t, 3, unrouted, "occurrences 1, 4 and 7 are logged")
	assert.Equal(t, 1, other, "counters are per name")
}

func TestInvalidMessage(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Resolve("a", message.NewCommand(""))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
}
