package connection

import (
	"crypto/tls"

	"github.com/redis/go-redis/v9"
)

// ClientOptions is the client-side counterpart of a Descriptor. Exactly one
// of Simple, Failover or Cluster is set, matching Kind.
type ClientOptions struct {
	Kind     Kind
	Simple   *redis.Options
	Failover *redis.FailoverOptions
	Cluster  *redis.ClusterOptions
}

// ClientOptions converts d into the options of the matching go-redis client.
// Replies are requested in RESP2 so that raw command output keeps the flat
// array shape the console renders.
func (d Descriptor) ClientOptions() ClientOptions {
	var tlsConfig *tls.Config
	if d.TLS {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: d.TLSSkipVerify, //nolint:gosec // operator opt-in
			MinVersion:         tls.VersionTLS12,
		}
		if d.Kind == KindStandalone {
			tlsConfig.ServerName = d.Host
		}
	}

	switch d.Kind {
	case KindUnixSocket:
		return ClientOptions{Kind: d.Kind, Simple: &redis.Options{
			Network:   "unix",
			Addr:      d.Path,
			Username:  d.Username,
			Password:  d.Password,
			DB:        int(d.DB),
			Protocol:  2,
			TLSConfig: tlsConfig,
		}}

	case KindSentinel:
		addrs := make([]string, len(d.SentinelNodes))
		for i, n := range d.SentinelNodes {
			addrs[i] = n.Addr()
		}
		return ClientOptions{Kind: d.Kind, Failover: &redis.FailoverOptions{
			MasterName:       d.SentinelGroup,
			SentinelAddrs:    addrs,
			SentinelPassword: d.SentinelPassword,
			Username:         d.Username,
			Password:         d.Password,
			DB:               int(d.DB),
			Protocol:         2,
			TLSConfig:        tlsConfig,
		}}

	case KindCluster:
		addrs := make([]string, len(d.Nodes))
		for i, n := range d.Nodes {
			addrs[i] = n.Addr()
		}
		return ClientOptions{Kind: d.Kind, Cluster: &redis.ClusterOptions{
			Addrs:     addrs,
			Username:  d.Username,
			Password:  d.Password,
			Protocol:  2,
			TLSConfig: tlsConfig,
		}}

	default:
		return ClientOptions{Kind: KindStandalone, Simple: &redis.Options{
			Network:   "tcp",
			Addr:      Node{Host: d.Host, Port: d.Port}.Addr(),
			Username:  d.Username,
			Password:  d.Password,
			DB:        int(d.DB),
			Protocol:  2,
			TLSConfig: tlsConfig,
		}}
	}
}
