// Package lifecycle creates, observes and retires connection handles.
//
// # Overview
//
// The Manager is the only writer of the connection registry. It turns a
// descriptor into a live handle, wires the handle's client events to status
// changes and logs, discovers what the server supports, and swaps a
// standalone handle for a cluster handle when the server turns out to be a
// cluster member.
//
//	descriptor
//	    │ Connect
//	    ▼
//	┌──────────┐ Add  ┌──────────┐
//	│  Handle  │─────▶│ Registry │
//	└──────────┘      └──────────┘
//	    │ Attach            ▲
//	    ▼                   │ Replace (same id, same position)
//	connect event ──▶ ProbeCapabilities ──▶ upgrade
//
// # Events
//
// Attach registers observers once per handle:
//
//	error    log, status errored, optional onError
//	end      closed: status ended; lost: reconnect notice, re-arm probe
//	ready    status ready, optional one-shot onReady
//	connect  one-shot ProbeCapabilities
//
// Reconnection is never driven from here. The store client retries on its
// own; the manager only observes. Handles are never removed on error.
//
// # Capability Probing
//
// After the first connect three queries run concurrently:
//
//	COMMAND       command table and read-only flags
//	MODULE LIST   installed modules and versions
//	INFO cluster  cluster_enabled marker (standalone handles only)
//
// Each may fail on its own. Failures are logged and leave the matching
// capability unknown; nothing is reported to the user.
//
// # Cluster Auto-Upgrade
//
// When INFO cluster reports cluster_enabled:1 the manager:
//  1. derives a cluster descriptor seeded with the standalone host/port and
//     the same connection id
//  2. builds the cluster client and handle
//  3. replaces the standalone handle in the registry
//  4. closes the standalone client
//  5. attaches the cluster handle
//
// Cluster handles never issue INFO cluster, so the upgrade cannot repeat.
//
// # Health Monitoring
//
// HealthMonitor pings every registered handle on an interval and marks a
// handle errored after consecutive failures, so the UI shows a disconnected
// status before the next request fails.
package lifecycle
