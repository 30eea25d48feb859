package connection

import "strings"

// IsSameConnection reports whether candidate and other refer to the same
// underlying server and logical database.
//
// The candidate's kind decides which rule applies and no other rule is
// consulted afterwards:
//
//  1. cluster: any node shared with other's cluster nodes, equal db. A
//     standalone other flagged ClusterDetected matches when its host/port is
//     one of the candidate's nodes.
//  2. sentinel: group names equal ignoring case, any sentinel node shared,
//     equal db.
//  3. standalone: exact host, equal port, equal db.
//  4. socket: exact path, equal db.
//
// Password, TLS settings, label and connection id never take part.
func IsSameConnection(candidate, other Descriptor) bool {
	switch candidate.Kind {
	case KindCluster:
		if len(candidate.Nodes) == 0 {
			return false
		}
		if other.Kind == KindCluster && len(other.Nodes) > 0 {
			return candidate.DB == other.DB && anyNodeInCommon(candidate.Nodes, other.Nodes)
		}
		if other.Kind == KindStandalone && other.ClusterDetected {
			seed := Node{Host: other.Host, Port: other.Port}
			return candidate.DB == other.DB && anyNodeInCommon(candidate.Nodes, []Node{seed})
		}
		return false

	case KindSentinel:
		if len(candidate.SentinelNodes) == 0 {
			return false
		}
		if !strings.EqualFold(candidate.SentinelGroup, other.SentinelGroup) {
			return false
		}
		return candidate.DB == other.DB && anyNodeInCommon(candidate.SentinelNodes, other.SentinelNodes)

	case KindStandalone:
		if candidate.Host == "" {
			return false
		}
		return candidate.Host == other.Host && candidate.Port == other.Port && candidate.DB == other.DB

	case KindUnixSocket:
		if candidate.Path == "" {
			return false
		}
		return candidate.Path == other.Path && candidate.DB == other.DB
	}
	return false
}

func anyNodeInCommon(a, b []Node) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Equal(y) {
				return true
			}
		}
	}
	return false
}
