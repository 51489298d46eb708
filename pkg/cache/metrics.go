// Tiercache exports lookup, promotion and maintenance counters, in addition to a collector that turns the
// coordinator's stats snapshot into gauges.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_lookups_total",
		Help: "Total number of cache lookups by the tier that resolved them.",
	}, []string{"tier" /* memory | disk | none */})
	cachePromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_promotions_total",
		Help: "Total number of disk hits copied into the memory tier.",
	}, []string{"status" /* ok | skipped */})
	writeBackFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_write_back_flushes_total",
		Help: "Total number of dirty memory entries written to disk.",
	}, []string{"status" /* ok | failed */})
	maintenanceRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_maintenance_removed_total",
		Help: "Total number of entries removed by maintenance cycles.",
	}, []string{"kind" /* memory_expired | disk_expired | size_enforced */})
	diskCorruptReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiercache_disk_corrupt_reads_total",
		Help: "Total number of disk entries that could not be read back and were served as misses.",
	})
)

// StatsCollector exports a CombinedStats snapshot as gauges on every scrape.
type StatsCollector struct {
	stats func() CombinedStats

	size          *prometheus.Desc
	capacity      *prometheus.Desc
	hitRate       *prometheus.Desc
	bytesUsed     *prometheus.Desc
	bytesCapacity *prometheus.Desc
	requests      *prometheus.Desc
	hits          *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector builds a collector reading from `stats`, typically Tiered.Stats.
func NewStatsCollector(stats func() CombinedStats) *StatsCollector {
	layerLabels := []string{"layer"}
	return &StatsCollector{
		stats:         stats,
		size:          prometheus.NewDesc("tiercache_layer_entries", "Entries held by a cache layer.", layerLabels, nil),
		capacity:      prometheus.NewDesc("tiercache_layer_capacity", "Entry capacity of a cache layer.", layerLabels, nil),
		hitRate:       prometheus.NewDesc("tiercache_layer_hit_rate", "Hit rate percentage of a layer.", layerLabels, nil),
		bytesUsed:     prometheus.NewDesc("tiercache_disk_bytes_used", "Bytes used by the disk layer.", nil, nil),
		bytesCapacity: prometheus.NewDesc("tiercache_disk_bytes_capacity", "Byte cap of the disk layer.", nil, nil),
		requests:      prometheus.NewDesc("tiercache_get_requests_total", "Coordinator get requests.", nil, nil),
		hits:          prometheus.NewDesc("tiercache_get_hits_total", "Coordinator get hits.", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.size, c.capacity, c.hitRate, c.bytesUsed, c.bytesCapacity, c.requests, c.hits,
	} {
		ch <- desc
	}
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stats()
	for _, layer := range []LayerStats{stats.Memory, stats.Disk} {
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(layer.Size), layer.Name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(layer.Capacity), layer.Name)
		ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, layer.HitRate, layer.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.bytesUsed, prometheus.GaugeValue, float64(stats.Disk.BytesUsed))
	ch <- prometheus.MustNewConstMetric(c.bytesCapacity, prometheus.GaugeValue, float64(stats.Disk.BytesCapacity))
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(stats.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.TotalHits))
}
