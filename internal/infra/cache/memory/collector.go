package memory

import "github.com/prometheus/client_golang/prometheus"

const collectorNamespace = "scan_cache"

// StatsCollector exports a ScanCache's Stats as Prometheus metrics on every
// scrape.
type StatsCollector struct {
	cache *ScanCache

	entries     *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a collector reading from cache.
func NewStatsCollector(cache *ScanCache) *StatsCollector {
	return &StatsCollector{
		cache:       cache,
		entries:     prometheus.NewDesc(prometheus.BuildFQName(collectorNamespace, "", "entries"), "Number of cached scans.", nil, nil),
		hits:        prometheus.NewDesc(prometheus.BuildFQName(collectorNamespace, "", "hits_total"), "Lookups served from the cache.", nil, nil),
		misses:      prometheus.NewDesc(prometheus.BuildFQName(collectorNamespace, "", "misses_total"), "Lookups not found or expired.", nil, nil),
		evictions:   prometheus.NewDesc(prometheus.BuildFQName(collectorNamespace, "", "evictions_total"), "Entries evicted to make room.", nil, nil),
		expirations: prometheus.NewDesc(prometheus.BuildFQName(collectorNamespace, "", "expirations_total"), "Entries dropped after their TTL.", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expirations
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(s.Expirations))
}
