package storage

import (
	"strings"
	"sync"

	"github.com/dreamware/kvconsole/internal/connection"
)

// Status is the lifecycle state of a Handle.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusEnded      Status = "ended"
	StatusErrored    Status = "errored"
)

// ClusterState records whether the server reported cluster mode.
type ClusterState int

const (
	ClusterUnknown ClusterState = iota
	ClusterDisabled
	ClusterEnabled
)

func (s ClusterState) String() string {
	switch s {
	case ClusterDisabled:
		return "disabled"
	case ClusterEnabled:
		return "enabled"
	}
	return "unknown"
}

// Capabilities is what capability probing learned about the server. Empty
// command sets mean "unknown", not "no commands".
type Capabilities struct {
	AllCommands      map[string]struct{}
	ReadOnlyCommands map[string]struct{}
	InstalledModules map[string]string
	Cluster          ClusterState
}

// CommandsKnown reports whether the command list was loaded.
func (c Capabilities) CommandsKnown() bool {
	return len(c.AllCommands) > 0
}

// IsReadOnly reports whether name is flagged read-only by the server. The
// second result is false when the command list is unknown.
func (c Capabilities) IsReadOnly(name string) (readOnly bool, known bool) {
	if !c.CommandsKnown() {
		return false, false
	}
	_, ok := c.ReadOnlyCommands[strings.ToLower(name)]
	return ok, true
}

// HasModule reports whether a module with the given name is installed,
// ignoring case.
func (c Capabilities) HasModule(name string) bool {
	for m := range c.InstalledModules {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

func (c Capabilities) clone() Capabilities {
	out := Capabilities{Cluster: c.Cluster}
	if c.AllCommands != nil {
		out.AllCommands = make(map[string]struct{}, len(c.AllCommands))
		for k := range c.AllCommands {
			out.AllCommands[k] = struct{}{}
		}
	}
	if c.ReadOnlyCommands != nil {
		out.ReadOnlyCommands = make(map[string]struct{}, len(c.ReadOnlyCommands))
		for k := range c.ReadOnlyCommands {
			out.ReadOnlyCommands[k] = struct{}{}
		}
	}
	if c.InstalledModules != nil {
		out.InstalledModules = make(map[string]string, len(c.InstalledModules))
		for k, v := range c.InstalledModules {
			out.InstalledModules[k] = v
		}
	}
	return out
}

// Handle is one live connection: a Client bound to the descriptor it was
// built from and the stable id the UI addresses it by.
// Thread-safe: status, capabilities and descriptor flags are guarded by mu.
type Handle struct {
	id          string
	label       string
	foldingChar string
	client      Client

	mu         sync.RWMutex
	descriptor connection.Descriptor
	status     Status
	lastErr    error
	caps       Capabilities
	attached   bool
}

// NewHandle wraps client. The handle id is d.ConnectionID() and starts in
// StatusConnecting.
func NewHandle(d connection.Descriptor, client Client, foldingChar string) *Handle {
	return &Handle{
		id:          d.ConnectionID(),
		label:       d.DisplayLabel(),
		foldingChar: foldingChar,
		client:      client,
		descriptor:  d,
		status:      StatusConnecting,
	}
}

// Successor wraps client for d under h's id, label and folding char. It
// builds the replacement of a handle whose connection changes kind.
func (h *Handle) Successor(d connection.Descriptor, client Client) *Handle {
	return &Handle{
		id:          h.id,
		label:       h.label,
		foldingChar: h.foldingChar,
		client:      client,
		descriptor:  d,
		status:      StatusConnecting,
	}
}

func (h *Handle) ID() string          { return h.id }
func (h *Handle) Label() string       { return h.label }
func (h *Handle) FoldingChar() string { return h.foldingChar }
func (h *Handle) Client() Client      { return h.client }

// Descriptor returns a copy of the descriptor the handle was built from.
func (h *Handle) Descriptor() connection.Descriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d := h.descriptor
	d.Nodes = append([]connection.Node(nil), d.Nodes...)
	d.SentinelNodes = append([]connection.Node(nil), d.SentinelNodes...)
	return d
}

// Kind is shorthand for Descriptor().Kind.
func (h *Handle) Kind() connection.Kind {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.descriptor.Kind
}

// MarkClusterDetected flags the descriptor as a standalone address that
// belongs to a cluster.
func (h *Handle) MarkClusterDetected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.descriptor.ClusterDetected = true
}

// Status returns the current status and the error that caused it, if any.
func (h *Handle) Status() (Status, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.lastErr
}

// SetStatus records a status transition.
func (h *Handle) SetStatus(s Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
	h.lastErr = err
}

// Capabilities returns a deep copy of the probed capabilities.
func (h *Handle) Capabilities() Capabilities {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.caps.clone()
}

// UpdateCapabilities applies fn to the capabilities under the handle lock.
func (h *Handle) UpdateCapabilities(fn func(*Capabilities)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.caps)
}

// MarkAttached records that lifecycle observers were registered. It returns
// false if the handle was already attached.
func (h *Handle) MarkAttached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attached {
		return false
	}
	h.attached = true
	return true
}

// Close closes the underlying client.
func (h *Handle) Close() error {
	return h.client.Close()
}
