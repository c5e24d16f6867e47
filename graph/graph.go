// Package graph builds the immutable routing topology of a started graph.
//
// A Graph is constructed once from a Definition and never mutated. It is
// safe to share between the threads of an engine without locking.
package graph

import (
	"github.com/google/uuid"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/message"
)

// Node is one extension instance of the graph.
type Node struct {
	Name       string
	Addon      string
	Group      string
	AppURI     string
	Property   map[string]any
	Interfaces map[string][]string
}

// Location returns the address of the node within graph id.
func (n Node) Location(graphID string) message.Location {
	return message.Location{AppURI: n.AppURI, GraphID: graphID, Group: n.Group, Extension: n.Name}
}

// Dest is one resolved destination of a route.
type Dest struct {
	Loc        message.Location
	Conversion *Conversion
}

type routeKey struct {
	src  string
	kind message.Kind
	name string
}

type interfaceRoute struct {
	members map[string]struct{}
	dests   []Dest
}

// Graph is the immutable topology of one started graph.
type Graph struct {
	id     string
	appURI string
	nodes  []Node
	byName map[string]int
	routes map[routeKey][]Dest
	ifaces map[string][]interfaceRoute
}

// BuildOptions controls Build.
type BuildOptions struct {
	// AppURI is the URI of this process; "localhost" is rewritten to it.
	AppURI string
	// GraphID names the graph. A fresh id is generated when empty.
	GraphID string
}

// Build validates def and constructs the graph. Any dangling reference fails
// with INVALID_GRAPH before anything is created.
func Build(def *Definition, opts BuildOptions) (*Graph, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, errors.InvalidGraph("graph has no nodes")
	}
	if opts.AppURI == "" {
		opts.AppURI = message.Localhost
	}
	g := &Graph{
		id:     opts.GraphID,
		appURI: opts.AppURI,
		byName: make(map[string]int, len(def.Nodes)),
		routes: make(map[routeKey][]Dest),
		ifaces: make(map[string][]interfaceRoute),
	}
	if g.id == "" {
		g.id = uuid.NewString()
	}

	for _, nd := range def.Nodes {
		if nd.Type != "" && nd.Type != "extension" {
			return nil, errors.InvalidGraph("node %q: unsupported type %q", nd.Name, nd.Type)
		}
		if nd.Name == "" || nd.Addon == "" || nd.Group == "" {
			return nil, errors.InvalidGraph("node %q: name, addon and extension_group are required", nd.Name)
		}
		if _, dup := g.byName[nd.Name]; dup {
			return nil, errors.InvalidGraph("duplicate node %q", nd.Name)
		}
		g.byName[nd.Name] = len(g.nodes)
		g.nodes = append(g.nodes, Node{
			Name:       nd.Name,
			Addon:      nd.Addon,
			Group:      nd.Group,
			AppURI:     g.rewrite(nd.App),
			Property:   message.CloneProperties(nd.Property),
			Interfaces: cloneInterfaces(nd.Interfaces),
		})
	}

	for _, conn := range def.Connections {
		src, ok := g.node(conn.Extension)
		if !ok {
			return nil, errors.InvalidGraph("connection source %q is not a node", conn.Extension)
		}
		if conn.Group != "" && conn.Group != src.Group {
			return nil, errors.InvalidGraph("connection source %q: group %q does not match node group %q", conn.Extension, conn.Group, src.Group)
		}
		classes := []struct {
			kind  message.Kind
			flows []FlowDef
		}{
			{message.KindCommand, conn.Cmd},
			{message.KindData, conn.Data},
			{message.KindVideoFrame, conn.VideoFrame},
			{message.KindAudioFrame, conn.AudioFrame},
		}
		for _, class := range classes {
			for _, flow := range class.flows {
				dests, err := g.buildDests(src.Name, flow)
				if err != nil {
					return nil, err
				}
				key := routeKey{src: src.Name, kind: class.kind, name: flow.Name}
				if _, dup := g.routes[key]; dup {
					return nil, errors.InvalidGraph("node %q: duplicate %s flow %q", src.Name, class.kind, flow.Name)
				}
				g.routes[key] = dests
			}
		}
		for _, flow := range conn.Interface {
			members, ok := src.Interfaces[flow.Name]
			if !ok {
				return nil, errors.InvalidGraph("node %q: interface %q is not declared", src.Name, flow.Name)
			}
			dests, err := g.buildDests(src.Name, flow)
			if err != nil {
				return nil, err
			}
			route := interfaceRoute{members: make(map[string]struct{}, len(members)), dests: dests}
			for _, m := range members {
				route.members[m] = struct{}{}
			}
			g.ifaces[src.Name] = append(g.ifaces[src.Name], route)
		}
	}
	return g, nil
}

func (g *Graph) buildDests(src string, flow FlowDef) ([]Dest, error) {
	if flow.Name == "" {
		return nil, errors.InvalidGraph("node %q: flow without a name", src)
	}
	if len(flow.Dest) == 0 {
		return nil, errors.InvalidGraph("node %q: flow %q has no destinations", src, flow.Name)
	}
	dests := make([]Dest, 0, len(flow.Dest))
	for _, d := range flow.Dest {
		target, ok := g.node(d.Extension)
		if !ok {
			return nil, errors.InvalidGraph("flow %q of %q: destination %q is not a node", flow.Name, src, d.Extension)
		}
		if d.Group != "" && d.Group != target.Group {
			return nil, errors.InvalidGraph("flow %q of %q: destination %q is not in group %q", flow.Name, src, d.Extension, d.Group)
		}
		if d.App != "" && g.rewrite(d.App) != target.AppURI {
			return nil, errors.InvalidGraph("flow %q of %q: destination %q is not hosted by %q", flow.Name, src, d.Extension, d.App)
		}
		conv, err := buildConversion(d.MsgConversion)
		if err != nil {
			return nil, errors.Wrapf(err, "flow %q of %q", flow.Name, src)
		}
		dests = append(dests, Dest{Loc: target.Location(g.id), Conversion: conv})
	}
	return dests, nil
}

func (g *Graph) rewrite(app string) string {
	return message.Location{AppURI: app}.RewriteLocalhost(g.appURI).AppURI
}

func (g *Graph) node(name string) (Node, bool) {
	i, ok := g.byName[name]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// ID returns the graph id.
func (g *Graph) ID() string {
	return g.id
}

// AppURI returns the URI local nodes are hosted at.
func (g *Graph) AppURI() string {
	return g.appURI
}

// Node returns the node with the given name.
func (g *Graph) Node(name string) (Node, bool) {
	return g.node(name)
}

// Nodes returns every node in declaration order.
func (g *Graph) Nodes() []Node {
	return append([]Node(nil), g.nodes...)
}

// LocalNodes returns the nodes hosted by this process, in declaration order.
func (g *Graph) LocalNodes() []Node {
	var out []Node
	for _, n := range g.nodes {
		if n.AppURI == g.appURI {
			out = append(out, n)
		}
	}
	return out
}

// Groups returns the local extension groups in first-declared order.
func (g *Graph) Groups() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range g.LocalNodes() {
		if _, ok := seen[n.Group]; ok {
			continue
		}
		seen[n.Group] = struct{}{}
		out = append(out, n.Group)
	}
	return out
}

// Routes returns the static destinations of a message named name sent by src.
// Commands without a direct route fall back to the interfaces of src whose
// member list contains the name.
func (g *Graph) Routes(src string, kind message.Kind, name string) []Dest {
	if dests, ok := g.routes[routeKey{src: src, kind: kind, name: name}]; ok {
		return append([]Dest(nil), dests...)
	}
	if kind != message.KindCommand {
		return nil
	}
	var out []Dest
	for _, route := range g.ifaces[src] {
		if _, ok := route.members[name]; ok {
			out = append(out, route.dests...)
		}
	}
	return out
}

func cloneInterfaces(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
