package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/kvconsole/internal/storage"
)

// HandleSource lists the live handles. *registry.Registry satisfies it; the
// interface keeps this package free of a registry import.
type HandleSource interface {
	List() []*storage.Handle
}

var statuses = []storage.Status{
	storage.StatusConnecting,
	storage.StatusReady,
	storage.StatusEnded,
	storage.StatusErrored,
}

// Collector reports registry state on every scrape instead of tracking it
// on the lifecycle path.
type Collector struct {
	source HandleSource

	connections *prometheus.Desc
	byStatus    *prometheus.Desc
	commands    *prometheus.Desc
}

// NewCollector creates a Collector over source.
func NewCollector(source HandleSource) *Collector {
	return &Collector{
		source:      source,
		connections: prometheus.NewDesc(namespace+"_connections", "Registered connections.", nil, nil),
		byStatus:    prometheus.NewDesc(namespace+"_connections_by_status", "Registered connections per status.", []string{"status"}, nil),
		commands:    prometheus.NewDesc(namespace+"_connection_known_commands", "Commands learned by capability probing.", []string{"connection_id"}, nil),
	}
}

// Describe sends all descriptor definitions to the channel.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.byStatus
	ch <- c.commands
}

// Collect pulls current values from the registry.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	handles := c.source.List()
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(len(handles)))

	counts := make(map[storage.Status]int, len(statuses))
	for _, h := range handles {
		s, _ := h.Status()
		counts[s]++
		ch <- prometheus.MustNewConstMetric(c.commands, prometheus.GaugeValue,
			float64(len(h.Capabilities().AllCommands)), h.ID())
	}
	for _, s := range statuses {
		ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}
