// Package bridge carries messages between apps.
//
// # Overview
//
// A message whose destination names another app URI leaves the process
// through the Bridge. The Bridge encodes it into a CBOR envelope and publishes
// it on the subject of the destination app over a MessageBus. Every app
// subscribes to its own subject and hands decoded messages back to the
// runtime, which routes them like local traffic.
//
// # Available Buses
//
//   - NATSBus: apps in different processes or hosts, over NATS
//   - MemoryBus: apps in one process, for tests and embedded setups
//
// # Subjects
//
// The subject of an app is the configured prefix, the token "app", and the
// base64url encoding of its URI:
//
//	extgraph.app.bXNncGFjazovLzEyNy4wLjAuMTo4MDAxLw
//
// Encoding keeps the dots and colons of a URI from splitting the subject into
// tokens.
//
// # Connections
//
// Traffic to each remote app goes through a Connection. Connections are
// children of the bridge in the closing tree: closing the bridge closes them,
// and a broken Connection closes itself without taking the bridge down.
//
// # Tracing
//
// Outbound messages carry the W3C trace context of the sender in the bus
// message header, so a command and its result show up in one trace across
// apps.
package bridge
