package api

import (
	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/keytree"
	"github.com/dreamware/kvconsole/internal/storage"
)

// ServerInfo is returned by GET /apiv2/server/info.
type ServerInfo struct {
	Version     string `json:"version"`
	ReadOnly    bool   `json:"readOnly"`
	FoldingChar string `json:"foldingChar"`
	Connections int    `json:"connections"`
}

// ConnectRequest adds a connection. It is the descriptor itself.
type ConnectRequest = connection.Descriptor

// ConnectResponse answers POST /apiv2/connections. Existing is set when an
// equivalent connection was already open and its id is returned instead.
type ConnectResponse struct {
	ConnectionID string `json:"connectionId"`
	Existing     bool   `json:"existing,omitempty"`
}

// TestResponse answers POST /apiv2/connections/test.
type TestResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ConnectionInfo answers GET /apiv2/connections/:connectionId/info.
type ConnectionInfo struct {
	ConnectionID string                       `json:"connectionId"`
	Label        string                       `json:"label"`
	Status       storage.Status               `json:"status"`
	LastError    string                       `json:"lastError,omitempty"`
	Healthy      *bool                        `json:"healthy,omitempty"`
	Capabilities CapabilitiesSummary          `json:"capabilities"`
	Memory       string                       `json:"usedMemory,omitempty"`
	Keys         int64                        `json:"keys"`
	Info         map[string]map[string]string `json:"info,omitempty"`
}

// CapabilitiesSummary is the wire form of probed capabilities. Zero command
// counts mean the command table was not loaded; a nil ClusterEnabled means
// the cluster state is unknown.
type CapabilitiesSummary struct {
	Commands         int               `json:"commands"`
	ReadOnlyCommands int               `json:"readOnlyCommands"`
	Modules          map[string]string `json:"modules,omitempty"`
	ClusterEnabled   *bool             `json:"clusterEnabled"`
}

// SummarizeCapabilities builds the wire form of c.
func SummarizeCapabilities(c storage.Capabilities) CapabilitiesSummary {
	out := CapabilitiesSummary{
		Commands:         len(c.AllCommands),
		ReadOnlyCommands: len(c.ReadOnlyCommands),
		Modules:          c.InstalledModules,
	}
	if c.Cluster != storage.ClusterUnknown {
		enabled := c.Cluster == storage.ClusterEnabled
		out.ClusterEnabled = &enabled
	}
	return out
}

// TreeResponse answers GET /apiv2/keystree/:connectionId.
type TreeResponse struct {
	Prefix      string         `json:"prefix"`
	FoldingChar string         `json:"foldingChar"`
	Nodes       []keytree.Node `json:"nodes"`
}

// ExecRequest is one ad-hoc command line.
type ExecRequest struct {
	Command string `json:"command"`
}

// ExecResponse carries the raw reply of an ad-hoc command.
type ExecResponse struct {
	Reply any `json:"reply"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
