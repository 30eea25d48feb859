// Package connection describes how to reach one store instance and decides
// when two such descriptions name the same server.
//
// # Overview
//
// A Descriptor is the configuration-time value the operator submits (or the
// configuration file carries). It is a tagged variant with four kinds:
//
//	┌──────────────┬──────────────────────────────────────────────┐
//	│ Kind         │ Address fields                               │
//	├──────────────┼──────────────────────────────────────────────┤
//	│ standalone   │ Host, Port                                   │
//	│ socket       │ Path                                         │
//	│ sentinel     │ SentinelGroup, SentinelNodes (may be partial)│
//	│ cluster      │ Nodes (may be partial)                       │
//	└──────────────┴──────────────────────────────────────────────┘
//
// Every kind carries a logical database index, auth and TLS options and a
// display label. Only the address fields and the database index take part
// in identity; see IsSameConnection.
//
// # Identity
//
// Cluster and sentinel topologies are discovered incrementally, so an
// operator may know only some member nodes. Two descriptors of those kinds
// are the same connection when they share at least one node and the same
// database index. Standalone and socket descriptors compare their single
// address exactly.
//
// # Adapters
//
// Descriptor.Normalize is the only place where the kind is inferred from
// which fields are present (older configuration files carry no kind).
// Descriptor.ClientOptions is the only adapter from a descriptor to the
// store client's options; callers never inspect optional fields directly.
package connection
