package registry

import (
	"encoding/json"
	"fmt"

	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/storage"
)

// DisplayType is the connection type shown in the UI.
type DisplayType string

const (
	TypeSocket     DisplayType = "Socket"
	TypeSentinel   DisplayType = "Sentinel"
	TypeCluster    DisplayType = "Cluster"
	TypeStandalone DisplayType = "Standalone"
)

// DisplayRecord is the UI-safe projection of a handle. It carries no
// credentials.
//
// Host, Port and DB depend on the type:
//
//	Standalone  literal host, port, db
//	Cluster     first node's host and port, db
//	Sentinel    first sentinel node's host and port, db as "{group}-{db}"
//	Socket      "UnixSocket", "-", db
type DisplayRecord struct {
	Label        string
	ConnectionID string
	FoldingChar  string
	Type         DisplayType
	Host         string
	Port         any
	DB           any
}

type displayOptions struct {
	Host string      `json:"host"`
	Port any         `json:"port"`
	DB   any         `json:"db"`
	Type DisplayType `json:"type"`
}

// MarshalJSON renders {label, connectionId, foldingChar, options:{host,port,db,type}}.
func (r DisplayRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Label        string         `json:"label"`
		ConnectionID string         `json:"connectionId"`
		FoldingChar  string         `json:"foldingChar"`
		Options      displayOptions `json:"options"`
	}{
		Label:        r.Label,
		ConnectionID: r.ConnectionID,
		FoldingChar:  r.FoldingChar,
		Options: displayOptions{
			Host: r.Host,
			Port: r.Port,
			DB:   r.DB,
			Type: r.Type,
		},
	})
}

// Display projects one handle.
func Display(h *storage.Handle) DisplayRecord {
	d := h.Descriptor()
	rec := DisplayRecord{
		Label:        h.Label(),
		ConnectionID: h.ID(),
		FoldingChar:  h.FoldingChar(),
		DB:           int(d.DB),
	}

	switch d.Kind {
	case connection.KindUnixSocket:
		rec.Type = TypeSocket
		rec.Host = "UnixSocket"
		rec.Port = "-"
	case connection.KindSentinel:
		rec.Type = TypeSentinel
		if len(d.SentinelNodes) > 0 {
			rec.Host = d.SentinelNodes[0].Host
			rec.Port = int(d.SentinelNodes[0].Port)
		}
		rec.DB = fmt.Sprintf("%s-%d", d.SentinelGroup, d.DB)
	case connection.KindCluster:
		rec.Type = TypeCluster
		if len(d.Nodes) > 0 {
			rec.Host = d.Nodes[0].Host
			rec.Port = int(d.Nodes[0].Port)
		}
	default:
		rec.Type = TypeStandalone
		rec.Host = d.Host
		rec.Port = int(d.Port)
	}
	return rec
}
