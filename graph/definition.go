package graph

import (
	"encoding/json"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

// Definition is the JSON document accepted by start_graph.
type Definition struct {
	Nodes       []NodeDef       `json:"nodes"`
	Connections []ConnectionDef `json:"connections,omitempty"`
}

// NodeDef declares one extension instance.
type NodeDef struct {
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Addon    string         `json:"addon"`
	Group    string         `json:"extension_group"`
	App      string         `json:"app,omitempty"`
	Property map[string]any `json:"property,omitempty"`
	// Interfaces maps an interface name to the commands it groups.
	Interfaces map[string][]string `json:"interfaces,omitempty"`
}

// ConnectionDef lists the outbound flows of one source extension.
type ConnectionDef struct {
	App        string    `json:"app,omitempty"`
	Group      string    `json:"extension_group,omitempty"`
	Extension  string    `json:"extension"`
	Cmd        []FlowDef `json:"cmd,omitempty"`
	Data       []FlowDef `json:"data,omitempty"`
	VideoFrame []FlowDef `json:"video_frame,omitempty"`
	AudioFrame []FlowDef `json:"audio_frame,omitempty"`
	Interface  []FlowDef `json:"interface,omitempty"`
}

// FlowDef routes one message name (or interface name) to its destinations.
type FlowDef struct {
	Name string    `json:"name"`
	Dest []DestDef `json:"dest"`
}

// DestDef is one destination of a flow.
type DestDef struct {
	App           string         `json:"app,omitempty"`
	Group         string         `json:"extension_group,omitempty"`
	Extension     string         `json:"extension"`
	MsgConversion *ConversionDef `json:"msg_conversion,omitempty"`
}

// ConversionDef declares how a message is rewritten for one destination.
type ConversionDef struct {
	Type         string    `json:"type"`
	KeepOriginal bool      `json:"keep_original,omitempty"`
	Rules        []RuleDef `json:"rules,omitempty"`
}

// RuleDef is one property rule of a per_property conversion.
type RuleDef struct {
	Path           string `json:"path"`
	ConversionMode string `json:"conversion_mode"`
	OriginalPath   string `json:"original_path,omitempty"`
	Value          any    `json:"value,omitempty"`
}

// Parse decodes a graph definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidGraph, "parsing graph definition")
	}
	return &def, nil
}
