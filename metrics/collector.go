// Package metrics exposes gateway state to Prometheus.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"uwbgateway/broadcast"
	"uwbgateway/probe"
	"uwbgateway/registry"
)

var allStatuses = []registry.Status{
	registry.StatusDiscovered,
	registry.StatusConnected,
	registry.StatusError,
	registry.StatusOffline,
	registry.StatusStale,
}

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	CountByStatus func() map[registry.Status]int
	CachedPeers   func() int
	HubStats      func() broadcast.Stats
	JournalDrops  func() uint64
}

// Collector Prometheus metrics collector
type Collector struct {
	sources   Sources
	gatewayID string
	version   string

	gatewayInfo        *prometheus.Desc
	peers              *prometheus.Desc
	telemetryCached    *prometheus.Desc
	probeAttemptsTotal *prometheus.Desc
	transitionsTotal   *prometheus.Desc
	subscribers        *prometheus.Desc
	broadcastsTotal    *prometheus.Desc
	subscriberDrops    *prometheus.Desc
	journalDrops       *prometheus.Desc

	metricsLock      sync.RWMutex
	attemptsByResult map[string]float64
	transitionsByTo  map[registry.Status]float64
}

// NewCollector creates a collector reading gauges from sources.
func NewCollector(gatewayID, version string, sources Sources) *Collector {
	return &Collector{
		sources:   sources,
		gatewayID: gatewayID,
		version:   version,
		gatewayInfo: prometheus.NewDesc(
			"uwb_gateway_info",
			"Gateway process info metric (always 1)",
			[]string{"gateway_id", "version"},
			nil,
		),
		peers: prometheus.NewDesc(
			"uwb_gateway_peers",
			"Number of registry records by status",
			[]string{"status"},
			nil,
		),
		telemetryCached: prometheus.NewDesc(
			"uwb_gateway_telemetry_cached_peers",
			"Number of peers with cached telemetry",
			nil,
			nil,
		),
		probeAttemptsTotal: prometheus.NewDesc(
			"uwb_gateway_probe_attempts_total",
			"Total probe attempts by result",
			[]string{"result"},
			nil,
		),
		transitionsTotal: prometheus.NewDesc(
			"uwb_gateway_status_transitions_total",
			"Total registry status transitions by target status",
			[]string{"status"},
			nil,
		),
		subscribers: prometheus.NewDesc(
			"uwb_gateway_subscribers",
			"Number of live snapshot subscribers",
			nil,
			nil,
		),
		broadcastsTotal: prometheus.NewDesc(
			"uwb_gateway_broadcasts_total",
			"Total snapshot broadcasts",
			nil,
			nil,
		),
		subscriberDrops: prometheus.NewDesc(
			"uwb_gateway_subscriber_drops_total",
			"Total subscribers dropped for falling behind",
			nil,
			nil,
		),
		journalDrops: prometheus.NewDesc(
			"uwb_gateway_journal_drops_total",
			"Total journal entries dropped because the writer fell behind",
			nil,
			nil,
		),
		attemptsByResult: make(map[string]float64),
		transitionsByTo:  make(map[registry.Status]float64),
	}
}

// RecordAttempt counts a finished probe attempt.
func (c *Collector) RecordAttempt(_ registry.PeerID, attempt probe.Attempt) {
	result := "failure"
	if attempt.Success {
		result = "success"
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.attemptsByResult[result]++
}

// RecordTransition counts a registry status transition.
func (c *Collector) RecordTransition(t registry.Transition) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.transitionsByTo[t.To]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.gatewayInfo
	ch <- c.peers
	ch <- c.telemetryCached
	ch <- c.probeAttemptsTotal
	ch <- c.transitionsTotal
	ch <- c.subscribers
	ch <- c.broadcastsTotal
	ch <- c.subscriberDrops
	ch <- c.journalDrops
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.gatewayInfo, prometheus.GaugeValue, 1, c.gatewayID, c.version)

	if c.sources.CountByStatus != nil {
		counts := c.sources.CountByStatus()
		for _, status := range allStatuses {
			ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(counts[status]), string(status))
		}
	}
	if c.sources.CachedPeers != nil {
		ch <- prometheus.MustNewConstMetric(c.telemetryCached, prometheus.GaugeValue, float64(c.sources.CachedPeers()))
	}
	if c.sources.HubStats != nil {
		stats := c.sources.HubStats()
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(stats.Subscribers))
		ch <- prometheus.MustNewConstMetric(c.broadcastsTotal, prometheus.CounterValue, float64(stats.Published))
		ch <- prometheus.MustNewConstMetric(c.subscriberDrops, prometheus.CounterValue, float64(stats.Dropped))
	}
	if c.sources.JournalDrops != nil {
		ch <- prometheus.MustNewConstMetric(c.journalDrops, prometheus.CounterValue, float64(c.sources.JournalDrops()))
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	results := make([]string, 0, len(c.attemptsByResult))
	for result := range c.attemptsByResult {
		results = append(results, result)
	}
	sort.Strings(results)
	for _, result := range results {
		ch <- prometheus.MustNewConstMetric(c.probeAttemptsTotal, prometheus.CounterValue, c.attemptsByResult[result], result)
	}
	for status, count := range c.transitionsByTo {
		ch <- prometheus.MustNewConstMetric(c.transitionsTotal, prometheus.CounterValue, count, string(status))
	}
}

// NewRegistry returns a private registry holding collector plus the Go
// runtime and process collectors.
func NewRegistry(collector *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
