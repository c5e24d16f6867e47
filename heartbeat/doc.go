// Package heartbeat detects remote apps that stopped answering.
//
// Every bridged app may run a Sender that publishes a small CBOR-encoded
// Heartbeat on its own heartbeat subject at a fixed interval. A Monitor
// subscribes to the heartbeat subjects of the peers it talks to and reports
// a peer as dead once nothing was heard from it for the configured timeout.
//
//	┌──────────────┐   <prefix>.hb.<base64url(uri)>   ┌──────────────┐
//	│ Sender (A)   │ ───────────────────────────────> │ Monitor (B)  │
//	└──────────────┘                                  └──────────────┘
//
// Liveness is judged on the monitor's clock at receipt, never on the
// sender's Timestamp, so skew between hosts does not matter. A freshly
// watched peer gets a full timeout before it can be reported.
//
// The app watches a peer when the bridge opens a connection to it and
// closes that connection when the monitor reports it dead:
//
//	monitor.OnDead(func(uri string) {
//	    b.Disconnect(uri)
//	})
//
// Set the timeout to two or three heartbeat intervals. OnDead fires once per
// outage; a peer that comes back and dies again is reported again.
package heartbeat
