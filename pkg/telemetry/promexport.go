package telemetry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// RenderExposition produces the Prometheus text exposition for the store.
// Each family gets one `# TYPE` line; histograms additionally emit `_count`,
// `_sum`, a `+Inf` bucket, and a derived `_p95` gauge. The key metrics are
// always present, even at zero, for stable dashboard discovery.
func RenderExposition(m *Metrics) string {
	snap := m.Snapshot()

	for _, name := range KeyCounters {
		if _, ok := snap.Counters[name]; !ok {
			snap.Counters[name] = 0
		}
	}
	for _, name := range KeyGauges {
		if _, ok := snap.Gauges[name]; !ok {
			snap.Gauges[name] = 0
		}
	}
	for _, name := range KeyHistograms {
		if _, ok := snap.Histograms[name]; !ok {
			snap.Histograms[name] = HistogramStats{}
		}
	}

	var b strings.Builder

	for _, name := range sortedKeys(snap.Counters) {
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		fmt.Fprintf(&b, "%s %s\n", name, formatValue(snap.Counters[name]))
	}

	for _, name := range sortedKeys(snap.Gauges) {
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %s\n", name, formatValue(snap.Gauges[name]))
	}

	for _, name := range sortedKeys(snap.Histograms) {
		stats := snap.Histograms[name]
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		fmt.Fprintf(&b, "%s_count %d\n", name, stats.Count)
		fmt.Fprintf(&b, "%s_sum %s\n", name, formatValue(stats.Sum))
		fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", name, stats.Count)
		fmt.Fprintf(&b, "# TYPE %s_p95 gauge\n", name)
		fmt.Fprintf(&b, "%s_p95 %s\n", name, formatValue(stats.P95))
	}

	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Collector bridges the metrics store into a prometheus registry so the
// standard promhttp handler (and the Go runtime collectors registered next to
// it) can serve the same numbers.
type Collector struct {
	metrics *Metrics
}

// NewCollector creates a prometheus collector reading from m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{metrics: m}
}

// Describe implements prometheus.Collector. Descriptors are dynamic, so the
// unchecked-collector convention applies: send nothing.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	for name, value := range snap.Counters {
		desc := prometheus.NewDesc(name, "sentinel counter", nil, nil)
		metric, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, value)
		if err == nil {
			ch <- metric
		}
	}
	for name, value := range snap.Gauges {
		desc := prometheus.NewDesc(name, "sentinel gauge", nil, nil)
		metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, value)
		if err == nil {
			ch <- metric
		}
	}
	for name, stats := range snap.Histograms {
		desc := prometheus.NewDesc(name, "sentinel histogram", nil, nil)
		metric, err := prometheus.NewConstHistogram(desc, stats.Count, stats.Sum, map[float64]uint64{})
		if err == nil {
			ch <- metric
		}
		p95Desc := prometheus.NewDesc(name+"_p95", "sentinel histogram p95", nil, nil)
		p95, err := prometheus.NewConstMetric(p95Desc, prometheus.GaugeValue, stats.P95)
		if err == nil {
			ch <- p95
		}
	}
}

var _ prometheus.Collector = (*Collector)(nil)
