package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDescriptor is returned by Validate for descriptors that cannot
// reach any server.
var ErrInvalidDescriptor = errors.New("invalid connection descriptor")

const (
	// DefaultPort is the store's standard port.
	DefaultPort Port = 6379
	// DefaultSentinelPort is the standard sentinel port.
	DefaultSentinelPort Port = 26379
)

// Kind selects which address fields of a Descriptor are meaningful.
type Kind string

const (
	KindStandalone Kind = "standalone"
	KindUnixSocket Kind = "socket"
	KindSentinel   Kind = "sentinel"
	KindCluster    Kind = "cluster"
)

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStandalone, KindUnixSocket, KindSentinel, KindCluster:
		return true
	}
	return false
}

// Port is a TCP port that decodes from either a number or a numeric string.
type Port int

// ParsePort coerces v to a port. Strings are trimmed and parsed as base 10.
func ParsePort(v any) (Port, error) {
	switch p := v.(type) {
	case nil:
		return 0, nil
	case int:
		return Port(p), nil
	case int64:
		return Port(p), nil
	case float64:
		return Port(int(p)), nil
	case Port:
		return p, nil
	case string:
		s := strings.TrimSpace(p)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("port %q: %w", p, err)
		}
		return Port(n), nil
	}
	return 0, fmt.Errorf("port: unsupported type %T", v)
}

func (p *Port) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParsePort(v)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p *Port) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParsePort(node.Value)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DatabaseIndex selects a logical database. Absent or non-numeric values
// decode to 0.
type DatabaseIndex int

// ParseDatabaseIndex coerces v to a database index, falling back to 0 for
// anything that is not a non-negative integer.
func ParseDatabaseIndex(v any) DatabaseIndex {
	var n int
	switch d := v.(type) {
	case int:
		n = d
	case int64:
		n = int(d)
	case float64:
		n = int(d)
	case DatabaseIndex:
		n = int(d)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(d))
		if err != nil {
			return 0
		}
		n = parsed
	}
	if n < 0 {
		return 0
	}
	return DatabaseIndex(n)
}

func (d *DatabaseIndex) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*d = ParseDatabaseIndex(v)
	return nil
}

func (d *DatabaseIndex) UnmarshalYAML(node *yaml.Node) error {
	*d = ParseDatabaseIndex(node.Value)
	return nil
}

// Node is one member address of a cluster or sentinel group.
type Node struct {
	Host string `json:"host" yaml:"host"`
	Port Port   `json:"port" yaml:"port"`
}

// Addr returns host:port.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}

// Equal compares hosts case-insensitively and ports exactly.
func (n Node) Equal(o Node) bool {
	return strings.EqualFold(n.Host, o.Host) && n.Port == o.Port
}

// Descriptor describes how to reach one logical store connection. It is
// treated as immutable once submitted; methods take value receivers and
// return modified copies.
type Descriptor struct {
	Kind Kind `json:"kind" yaml:"kind"`

	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port Port   `json:"port,omitempty" yaml:"port,omitempty"`

	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	Nodes []Node `json:"nodes,omitempty" yaml:"nodes,omitempty"`

	SentinelGroup    string `json:"sentinelGroup,omitempty" yaml:"sentinelGroup,omitempty"`
	SentinelNodes    []Node `json:"sentinelNodes,omitempty" yaml:"sentinelNodes,omitempty"`
	SentinelPassword string `json:"sentinelPassword,omitempty" yaml:"sentinelPassword,omitempty"`

	DB DatabaseIndex `json:"db" yaml:"db"`

	Username      string `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
	TLS           bool   `json:"tls,omitempty" yaml:"tls,omitempty"`
	TLSSkipVerify bool   `json:"tlsSkipVerify,omitempty" yaml:"tlsSkipVerify,omitempty"`

	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	ID    string `json:"connectionId,omitempty" yaml:"connectionId,omitempty"`

	// ClusterDetected marks a standalone address whose server reported
	// cluster mode and is waiting to be replaced by a cluster connection.
	ClusterDetected bool `json:"-" yaml:"-"`
}

// Normalize infers a missing kind from the populated address fields and fills
// default ports. It is the only place where field presence decides the kind.
func (d Descriptor) Normalize() Descriptor {
	if d.Kind == "" {
		switch {
		case d.Path != "":
			d.Kind = KindUnixSocket
		case len(d.SentinelNodes) > 0:
			d.Kind = KindSentinel
		case len(d.Nodes) > 0:
			d.Kind = KindCluster
		default:
			d.Kind = KindStandalone
		}
	}
	if d.Kind == KindStandalone && d.Port == 0 {
		d.Port = DefaultPort
	}
	d.Nodes = withDefaultPort(d.Nodes, DefaultPort)
	d.SentinelNodes = withDefaultPort(d.SentinelNodes, DefaultSentinelPort)
	if d.DB < 0 {
		d.DB = 0
	}
	return d
}

func withDefaultPort(nodes []Node, def Port) []Node {
	if len(nodes) == 0 {
		return nodes
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		if n.Port == 0 {
			n.Port = def
		}
		out[i] = n
	}
	return out
}

// Validate reports whether d carries the fields its kind needs.
func (d Descriptor) Validate() error {
	if d.DB < 0 {
		return fmt.Errorf("%w: negative database index %d", ErrInvalidDescriptor, d.DB)
	}
	switch d.Kind {
	case KindStandalone:
		if d.Host == "" {
			return fmt.Errorf("%w: standalone connection needs a host", ErrInvalidDescriptor)
		}
	case KindUnixSocket:
		if d.Path == "" {
			return fmt.Errorf("%w: socket connection needs a path", ErrInvalidDescriptor)
		}
	case KindSentinel:
		if d.SentinelGroup == "" || len(d.SentinelNodes) == 0 {
			return fmt.Errorf("%w: sentinel connection needs a group name and at least one node", ErrInvalidDescriptor)
		}
	case KindCluster:
		if len(d.Nodes) == 0 {
			return fmt.Errorf("%w: cluster connection needs at least one node", ErrInvalidDescriptor)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, d.Kind)
	}
	return nil
}

// ConnectionID returns the configured id, or derives a stable one from the
// address and database index.
func (d Descriptor) ConnectionID() string {
	if d.ID != "" {
		return d.ID
	}
	switch d.Kind {
	case KindUnixSocket:
		return fmt.Sprintf("U:%s:%d", d.Path, d.DB)
	case KindSentinel:
		if len(d.SentinelNodes) > 0 {
			n := d.SentinelNodes[0]
			return fmt.Sprintf("S:%s:%s:%d:%d", d.SentinelGroup, n.Host, n.Port, d.DB)
		}
		return fmt.Sprintf("S:%s::%d", d.SentinelGroup, d.DB)
	case KindCluster:
		if len(d.Nodes) > 0 {
			return fmt.Sprintf("C:%s:%d:%d", d.Nodes[0].Host, d.Nodes[0].Port, d.DB)
		}
		return fmt.Sprintf("C::%d", d.DB)
	default:
		return fmt.Sprintf("R:%s:%d:%d", d.Host, d.Port, d.DB)
	}
}

// DisplayLabel returns Label or a label derived from the address.
func (d Descriptor) DisplayLabel() string {
	if d.Label != "" {
		return d.Label
	}
	switch d.Kind {
	case KindUnixSocket:
		return fmt.Sprintf("%s:%d", d.Path, d.DB)
	case KindSentinel:
		return fmt.Sprintf("%s:%d", d.SentinelGroup, d.DB)
	case KindCluster:
		if len(d.Nodes) > 0 {
			return fmt.Sprintf("%s:%d", d.Nodes[0].Addr(), d.DB)
		}
	}
	return fmt.Sprintf("%s:%d:%d", d.Host, d.Port, d.DB)
}

// AsCluster builds the descriptor used when a standalone server turns out to
// be a cluster member. The standalone address becomes the only seed node;
// database index, auth, TLS, label and id carry over.
func (d Descriptor) AsCluster() Descriptor {
	return Descriptor{
		Kind:          KindCluster,
		Nodes:         []Node{{Host: d.Host, Port: d.Port}},
		DB:            d.DB,
		Username:      d.Username,
		Password:      d.Password,
		TLS:           d.TLS,
		TLSSkipVerify: d.TLSSkipVerify,
		Label:         d.Label,
		ID:            d.ID,
	}
}

// Redacted returns a copy without secrets, safe for logs and API responses.
func (d Descriptor) Redacted() Descriptor {
	if d.Password != "" {
		d.Password = "***"
	}
	if d.SentinelPassword != "" {
		d.SentinelPassword = "***"
	}
	return d
}

// ParseAddressID resolves the "host:port:db" form some URLs use instead of an
// opaque connection id. The second result is false when s is not of that
// form.
func ParseAddressID(s string) (Descriptor, bool) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return Descriptor{}, false
	}
	db, err := strconv.Atoi(s[i+1:])
	if err != nil || db < 0 {
		return Descriptor{}, false
	}
	host, portStr, err := net.SplitHostPort(s[:i])
	if err != nil || host == "" {
		return Descriptor{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Descriptor{}, false
	}
	return Descriptor{Kind: KindStandalone, Host: host, Port: Port(port), DB: DatabaseIndex(db)}, true
}
