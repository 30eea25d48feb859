package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func standalone(host string, port Port, db DatabaseIndex) Descriptor {
	return Descriptor{Kind: KindStandalone, Host: host, Port: port, DB: db}
}

func cluster(db DatabaseIndex, nodes ...Node) Descriptor {
	return Descriptor{Kind: KindCluster, Nodes: nodes, DB: db}
}

func sentinel(group string, db DatabaseIndex, nodes ...Node) Descriptor {
	return Descriptor{Kind: KindSentinel, SentinelGroup: group, SentinelNodes: nodes, DB: db}
}

// TestIsSameConnection covers every branch of the identity rules.
func TestIsSameConnection(t *testing.T) {
	tests := []struct {
		name      string
		candidate Descriptor
		other     Descriptor
		want      bool
	}{
		{
			name:      "standalone identical address",
			candidate: standalone("10.0.0.1", 6379, 0),
			other:     standalone("10.0.0.1", 6379, 0),
			want:      true,
		},
		{
			name:      "standalone different db",
			candidate: standalone("10.0.0.1", 6379, 0),
			other:     standalone("10.0.0.1", 6379, 1),
			want:      false,
		},
		{
			name:      "standalone different port",
			candidate: standalone("10.0.0.1", 6379, 0),
			other:     standalone("10.0.0.1", 6380, 0),
			want:      false,
		},
		{
			name:      "standalone host compared exactly",
			candidate: standalone("Redis.local", 6379, 0),
			other:     standalone("redis.local", 6379, 0),
			want:      false,
		},
		{
			name: "standalone ignores password tls label and id",
			candidate: Descriptor{Kind: KindStandalone, Host: "h", Port: 6379,
				Password: "a", TLS: true, Label: "prod", ID: "one"},
			other: Descriptor{Kind: KindStandalone, Host: "h", Port: 6379,
				Password: "b", TLSSkipVerify: true, Label: "other", ID: "two"},
			want: true,
		},
		{
			name:      "standalone candidate without host",
			candidate: Descriptor{Kind: KindStandalone},
			other:     Descriptor{Kind: KindStandalone},
			want:      false,
		},
		{
			name:      "socket same path and db",
			candidate: Descriptor{Kind: KindUnixSocket, Path: "/tmp/redis.sock", DB: 2},
			other:     Descriptor{Kind: KindUnixSocket, Path: "/tmp/redis.sock", DB: 2},
			want:      true,
		},
		{
			name:      "socket different db",
			candidate: Descriptor{Kind: KindUnixSocket, Path: "/tmp/redis.sock", DB: 2},
			other:     Descriptor{Kind: KindUnixSocket, Path: "/tmp/redis.sock", DB: 3},
			want:      false,
		},
		{
			name:      "cluster one node in common",
			candidate: cluster(0, Node{"a", 7000}, Node{"b", 7001}),
			other:     cluster(0, Node{"c", 7002}, Node{"B", 7001}),
			want:      true,
		},
		{
			name:      "cluster disjoint nodes",
			candidate: cluster(0, Node{"a", 7000}),
			other:     cluster(0, Node{"b", 7000}),
			want:      false,
		},
		{
			name:      "cluster shared node different db",
			candidate: cluster(0, Node{"a", 7000}),
			other:     cluster(1, Node{"a", 7000}),
			want:      false,
		},
		{
			name:      "cluster against standalone mid-upgrade",
			candidate: cluster(0, Node{"10.0.0.1", 6379}),
			other: Descriptor{Kind: KindStandalone, Host: "10.0.0.1", Port: 6379,
				ClusterDetected: true},
			want: true,
		},
		{
			name:      "cluster against plain standalone does not fall through",
			candidate: cluster(0, Node{"10.0.0.1", 6379}),
			other:     standalone("10.0.0.1", 6379, 0),
			want:      false,
		},
		{
			name:      "cluster without nodes",
			candidate: cluster(0),
			other:     cluster(0, Node{"a", 7000}),
			want:      false,
		},
		{
			name:      "sentinel same group one node in common",
			candidate: sentinel("mymaster", 0, Node{"s1", 26379}, Node{"s2", 26379}),
			other:     sentinel("MyMaster", 0, Node{"s2", 26379}),
			want:      true,
		},
		{
			name:      "sentinel group name differs with identical nodes",
			candidate: sentinel("mymaster", 0, Node{"s1", 26379}),
			other:     sentinel("other", 0, Node{"s1", 26379}),
			want:      false,
		},
		{
			name:      "sentinel different db",
			candidate: sentinel("mymaster", 0, Node{"s1", 26379}),
			other:     sentinel("mymaster", 1, Node{"s1", 26379}),
			want:      false,
		},
		{
			name:      "sentinel against standalone",
			candidate: sentinel("mymaster", 0, Node{"s1", 26379}),
			other:     standalone("s1", 26379, 0),
			want:      false,
		},
		{
			name:      "unknown kind",
			candidate: Descriptor{Kind: "bogus", Host: "h"},
			other:     Descriptor{Kind: "bogus", Host: "h"},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSameConnection(tt.candidate, tt.other))
		})
	}
}

// TestIsSameConnectionSymmetricForSameKind checks that swapping roles does not
// change the answer when both sides have the same kind.
func TestIsSameConnectionSymmetricForSameKind(t *testing.T) {
	pairs := [][2]Descriptor{
		{standalone("h", 6379, 0), standalone("h", 6379, 0)},
		{standalone("h", 6379, 0), standalone("h", 6379, 4)},
		{cluster(0, Node{"a", 1}, Node{"b", 2}), cluster(0, Node{"b", 2})},
		{sentinel("g", 1, Node{"s", 1}), sentinel("G", 1, Node{"s", 1}, Node{"t", 2})},
	}
	for _, p := range pairs {
		assert.Equal(t, IsSameConnection(p[0], p[1]), IsSameConnection(p[1], p[0]))
	}
}
