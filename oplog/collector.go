package oplog

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// Collector exports storage metrics of the log: the retained length and
// pebble's compaction, memtable and WAL figures.
type Collector struct {
	log      *Pebble
	retained *prometheus.Desc
	floors   *prometheus.Desc
	metrics  []pebbleMetric
}

func pebbleDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("scenesync_oplog_pebble_"+name, help, nil, nil)
}

func NewCollector(log *Pebble) *Collector {
	return &Collector{
		log: log,
		retained: prometheus.NewDesc(
			"scenesync_oplog_retained_deltas",
			"Number of deltas retained for catch-up",
			nil, nil,
		),
		floors: prometheus.NewDesc(
			"scenesync_oplog_floor",
			"Newest evicted time per origin replica",
			[]string{"src"}, nil,
		),
		metrics: []pebbleMetric{
			{pebbleDesc("compaction_count_total", "Total number of compactions performed"),
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{pebbleDesc("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{pebbleDesc("compaction_in_progress_bytes", "Number of bytes being compacted currently"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
			{pebbleDesc("memtable_size_bytes", "Current size of the memtable in bytes"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{pebbleDesc("memtable_count", "Current count of memtables"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{pebbleDesc("wal_files", "Number of live WAL files"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
			{pebbleDesc("wal_size_bytes", "Size of live WAL data in bytes"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
			{pebbleDesc("wal_bytes_written_total", "Total physical bytes written to the WAL"),
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.retained
	ch <- c.floors
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.retained, prometheus.GaugeValue, float64(c.log.Len()))
	for src, ts := range c.log.Floor() {
		ch <- prometheus.MustNewConstMetric(c.floors, prometheus.GaugeValue, float64(ts), src)
	}
	c.log.lock.Lock()
	db := c.log.db
	var stats *pebble.Metrics
	if db != nil {
		stats = db.Metrics()
	}
	c.log.lock.Unlock()
	if stats == nil {
		return
	}
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(stats))
	}
}
