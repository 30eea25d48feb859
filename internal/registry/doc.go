// Package registry implements the connection registry: the ordered, shared
// set of live connection handles that request handlers route through.
//
// # Overview
//
// Every HTTP route that touches the store resolves its connection here.
// The UI addresses connections by their stable connection id, or by the
// legacy "host:port:db" form, and lists them in the order they were added.
//
//	┌─────────────────────────────────────┐
//	│            HTTP handlers            │
//	└─────────────────────────────────────┘
//	        │ Resolve(id)      │ ListForDisplay()
//	        ▼                  ▼
//	┌─────────────────────────────────────┐
//	│              Registry               │
//	│  [h0] [h1] [h2] ... insertion order │
//	└─────────────────────────────────────┘
//	        ▲ Add / Replace / Remove
//	        │
//	┌─────────────────────────────────────┐
//	│         lifecycle.Manager           │
//	└─────────────────────────────────────┘
//
// # Identity
//
// Two descriptors are the same connection when connection.IsSameConnection
// says so. Add does not check this itself; callers use Contains first and
// skip duplicates.
//
// # Replacement
//
// When a standalone address turns out to be a cluster member the lifecycle
// manager builds a cluster handle with the same connection id and calls
// Replace. The new handle takes the old one's position, so listings and
// links stay stable:
//
//	before:  [a] [R:10.0.0.1:6379:0 standalone] [c]
//	after:   [a] [R:10.0.0.1:6379:0 cluster]    [c]
//
// # Ownership
//
// The registry never closes handles. Remove and Replace hand the displaced
// handle back so the caller can release it.
//
// # Display
//
// ListForDisplay produces DisplayRecords, which carry no credentials and
// serialize as
//
//	{"label": "...", "connectionId": "...", "foldingChar": ":",
//	 "options": {"host": "...", "port": 6379, "db": 0, "type": "Standalone"}}
package registry
