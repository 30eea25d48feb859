// Package registry holds the ordered set of live connections the console knows about.
// See doc.go for complete package documentation.
package registry

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/storage"
)

// ErrNotFound is returned when no handle matches a connection reference.
var ErrNotFound = errors.New("connection not found")

// Registry is the single source of truth for which connections currently
// exist. It keeps handles in insertion order, which is also the order the UI
// lists them in.
//
// Identity is judged by connection.IsSameConnection against each handle's
// descriptor; lookups from HTTP routes use the stable connection id instead.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│             Registry                │
//	├─────────────────────────────────────┤
//	│  handles: []*storage.Handle         │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  id "R:10.0.0.1:6379:0" → handle    │
//	│  descriptor → IsSameConnection scan │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Lookups and listings use RLock for parallel access
//   - Add, Replace and Remove use Lock, so a listing never observes a
//     partially applied replacement
//   - Returned slices are copies; handles themselves are thread-safe
//   - The registry never calls into a handle's client and never closes one
//
// Performance Characteristics:
//   - FindByID, FindByIdentity, Contains: O(n) linear scan
//   - Add: O(1) amortized
//   - Replace, Remove: O(n)
//
// A console typically holds a handful of connections, so linear scans keep
// the ordering trivially correct.
type Registry struct {
	// handles in insertion order. Replace keeps positions stable.
	handles []*storage.Handle

	// mu protects handles.
	mu sync.RWMutex
}

// New creates an empty registry.
//
// Example:
//
//	reg := registry.New()
//	reg.Add(storage.NewHandle(desc, client, ":"))
func New() *Registry {
	return &Registry{}
}

// Add appends h to the registry.
//
// Add does not enforce uniqueness. Callers decide between skipping and
// replacing by checking Contains first; the lifecycle manager skips.
//
// Thread Safety:
// This method is thread-safe and can be called concurrently.
func (r *Registry) Add(h *storage.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, h)
}

// FindByIdentity returns the first handle whose descriptor is the same
// connection as d, judged with d as the candidate.
//
// Parameters:
//   - d: Descriptor to match (password, TLS, label and id are ignored)
//
// Returns:
//   - The matching handle and true
//   - nil and false if nothing matches
func (r *Registry) FindByIdentity(d connection.Descriptor) (*storage.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexByIdentity(d)
	if i < 0 {
		return nil, false
	}
	return r.handles[i], true
}

// Contains reports whether a handle for the same connection as d exists.
func (r *Registry) Contains(d connection.Descriptor) bool {
	_, ok := r.FindByIdentity(d)
	return ok
}

// FindByID returns the handle with the exact connection id.
func (r *Registry) FindByID(id string) (*storage.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexByID(id)
	if i < 0 {
		return nil, false
	}
	return r.handles[i], true
}

// Resolve looks up a handle by the reference used in URLs.
//
// The reference is tried as a connection id first. Failing that, the
// "host:port:db" form is parsed and matched both by its derived standalone
// id and by identity, so a link built from an address keeps working after a
// configured id or a cluster upgrade.
//
// Returns:
//   - The handle on success
//   - ErrNotFound if nothing matches
//
// Example:
//
//	h, err := reg.Resolve("localhost:6379:0")
//	if errors.Is(err, registry.ErrNotFound) {
//	    // 404
//	}
func (r *Registry) Resolve(ref string) (*storage.Handle, error) {
	if h, ok := r.FindByID(ref); ok {
		return h, nil
	}
	d, ok := connection.ParseAddressID(ref)
	if !ok {
		return nil, ErrNotFound
	}
	if h, ok := r.FindByID(d.ConnectionID()); ok {
		return h, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		hd := h.Descriptor()
		if connection.IsSameConnection(hd, d) || connection.IsSameConnection(d, hd) {
			return h, nil
		}
	}
	return nil, ErrNotFound
}

// Replace substitutes h for the first handle matching old by identity,
// keeping its position.
//
// Replacement process:
// 1. Locates the first handle for which IsSameConnection(old, handle) holds
// 2. Stores h at that index under the write lock
// 3. Returns the displaced handle so the caller can close it
//
// Parameters:
//   - old: Descriptor of the handle being replaced
//   - h: Fully constructed replacement handle
//
// Returns:
//   - The displaced handle and true
//   - nil and false if no handle matched (the registry is unchanged)
//
// Thread Safety:
// Readers observe either the old or the new handle, never a gap.
func (r *Registry) Replace(old connection.Descriptor, h *storage.Handle) (*storage.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexByIdentity(old)
	if i < 0 {
		return nil, false
	}
	prev := r.handles[i]
	r.handles[i] = h
	return prev, true
}

// Remove deletes the handle with the given id and returns it.
//
// The registry never closes a handle; releasing its client is the caller's
// job.
//
// Returns:
//   - The removed handle and true
//   - nil and false if id is unknown
func (r *Registry) Remove(id string) (*storage.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexByID(id)
	if i < 0 {
		return nil, false
	}
	h := r.handles[i]
	r.handles = slices.Delete(r.handles, i, i+1)
	return h, true
}

// List returns a copy of the handles in order.
func (r *Registry) List() []*storage.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handles)
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Descriptors returns the descriptor of every handle in order, as persisted
// to the configuration file. A handle whose id no longer follows from its
// descriptor (a derived id kept across a cluster upgrade) gets that id
// pinned in the descriptor.
func (r *Registry) Descriptors() []connection.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connection.Descriptor, 0, len(r.handles))
	for _, h := range r.handles {
		d := h.Descriptor()
		if d.ConnectionID() != h.ID() {
			d.ID = h.ID()
		}
		out = append(out, d)
	}
	return out
}

// ListForDisplay projects every handle to a DisplayRecord, in order.
//
// The whole projection is computed under one read lock, so a concurrent
// Replace is either fully visible or not at all.
func (r *Registry) ListForDisplay() []DisplayRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DisplayRecord, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, Display(h))
	}
	return out
}

// indexByIdentity must be called with mu held.
func (r *Registry) indexByIdentity(d connection.Descriptor) int {
	return slices.IndexFunc(r.handles, func(h *storage.Handle) bool {
		return connection.IsSameConnection(d, h.Descriptor())
	})
}

// indexByID must be called with mu held.
func (r *Registry) indexByID(id string) int {
	return slices.IndexFunc(r.handles, func(h *storage.Handle) bool {
		return h.ID() == id
	})
}
