// Package storage defines the store client contract the console is built on
// and the runtime Handle that binds one client to a connection identity.
//
// # Overview
//
// The console never speaks the store's wire protocol itself. Everything goes
// through the Client interface, which go-redis backs in production and an
// in-memory fake (package storagetest) backs in tests:
//
//	┌─────────────────────────────────────┐
//	│   registry / lifecycle / keytree    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│      Handle (id, status, caps)      │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│   Client (Do, ScanKeys, On, Close)  │
//	└─────────────────────────────────────┘
//	        │                    │
//	        ▼                    ▼
//	┌──────────────┐    ┌─────────────────┐
//	│ RedisClient  │    │ storagetest     │
//	│ (go-redis)   │    │ .Client (fake)  │
//	└──────────────┘    └─────────────────┘
//
// # Events
//
// A Client reports its lifecycle through four events:
//
//	connect  a physical connection was established
//	ready    the connection finished its handshake
//	error    a transport or authentication failure
//	end      a connection was lost, or the client was closed
//
// RedisClient derives them from go-redis: OnConnect emits connect and ready,
// a dial hook reports dial failures and a process hook classifies command
// errors. Server error replies (WRONGTYPE, unknown command) are ordinary
// results and never become events. Reconnection is left to go-redis' own
// retry and pooling; listeners only observe.
//
// # Handles
//
// A Handle owns the stable connection id, the display label, the folding
// character used by the key tree, the status and the capabilities learned by
// probing. Capabilities start empty, which callers must read as unknown.
//
// # Error Handling
//
// ErrNil: the server replied with a nil value
//   - GET on a missing key
//   - Callers translate it to their own not-found errors
//
// ErrClientClosed: the client was closed explicitly
//   - Returned by every call after Close
//   - Passed to end listeners so they can tell a close from a lost connection
package storage
