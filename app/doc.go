// Package app is the process root of the runtime.
//
// An App owns the app loop, the engines of the started graphs and the bridge
// to other apps. Graphs are started and stopped by operator commands
// (start_graph, stop_graph, close_app), either through the Go API or as
// commands received over the bridge. Closing the app closes every engine and
// the bridge before the app loop stops.
//
// Configuration is read from TOML:
//
//	uri = "msgpack://127.0.0.1:8001/"
//	log_level = "info"
//
//	[path]
//	default_timeout = "30s"
//	sweep_interval = "1s"
//
//	[bridge]
//	kind = "nats"
//	url = "nats://127.0.0.1:4222"
//	heartbeat_interval = "5s"
//	heartbeat_timeout = "15s"
//
//	[[predefined_graph]]
//	name = "default"
//	auto_start = true
//	file = "graphs/default.json"
//
// With heartbeat_timeout set, a peer that stays silent that long has its
// bridge connection closed; the next message to it opens a new one.
package app
