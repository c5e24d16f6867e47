package message

import "strings"

// Localhost is the reserved app URI meaning "this process".
const Localhost = "localhost"

// Location addresses one extension endpoint in the graph.
type Location struct {
	AppURI    string `json:"app,omitempty" cbor:"app,omitempty"`
	GraphID   string `json:"graph,omitempty" cbor:"graph,omitempty"`
	Group     string `json:"extension_group,omitempty" cbor:"extension_group,omitempty"`
	Extension string `json:"extension,omitempty" cbor:"extension,omitempty"`
}

// String renders the location as app/graph/group/extension.
func (l Location) String() string {
	return strings.Join([]string{l.AppURI, l.GraphID, l.Group, l.Extension}, "/")
}

// IsZero reports whether every field is empty.
func (l Location) IsZero() bool {
	return l == Location{}
}

// IsLocal reports whether the location refers to this process.
func (l Location) IsLocal(localURI string) bool {
	return l.AppURI == "" || l.AppURI == Localhost || l.AppURI == localURI
}

// RewriteLocalhost replaces an empty or "localhost" app URI with uri.
func (l Location) RewriteLocalhost(uri string) Location {
	if l.AppURI == "" || l.AppURI == Localhost {
		l.AppURI = uri
	}
	return l
}

// Equal compares two locations after rewriting both against localURI.
func (l Location) Equal(other Location, localURI string) bool {
	return l.RewriteLocalhost(localURI) == other.RewriteLocalhost(localURI)
}
