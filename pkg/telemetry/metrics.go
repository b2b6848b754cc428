package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

// Documented metric-name contracts. The golden-signal view and the Prometheus
// exposition both key off these names, so they are part of the external
// interface and must not drift.
const (
	MetricInvocations        = "agent_invocations_total"
	MetricInvocationFailures = "agent_invocations_failed_total"
	MetricViolations         = "guardrail_violations_total"
	MetricCostUSD            = "agent_cost_usd_total"
	MetricInvocationLatency  = "agent_invocation_duration_ms"

	MetricExportedSpans    = "export_spans_total"
	MetricSkippedSpans     = "export_spans_skipped_total"
	MetricDroppedSpans     = "export_queue_dropped_total"
	MetricExportQueueDepth = "export_queue_depth"

	MetricDecisionFlushes       = "decision_log_flushes_total"
	MetricDecisionFlushFailures = "decision_log_flush_failures_total"
	MetricDecisionBatchSize     = "decision_log_batch_size"
)

// KeyCounters and KeyGauges are always present in the exposition output, even
// at zero, so dashboards can discover them before first traffic.
var (
	KeyCounters = []string{
		MetricInvocations,
		MetricInvocationFailures,
		MetricViolations,
		MetricCostUSD,
		MetricExportedSpans,
		MetricSkippedSpans,
		MetricDroppedSpans,
		MetricDecisionFlushes,
		MetricDecisionFlushFailures,
	}
	KeyGauges = []string{
		MetricExportQueueDepth,
		MetricDecisionBatchSize,
	}
	KeyHistograms = []string{
		MetricInvocationLatency,
	}
)

// DefaultHistogramRing is the per-histogram sample retention.
const DefaultHistogramRing = 500

type sample struct {
	value float64
	at    time.Time
}

// histogram retains the most recent ringSize samples, discarding the oldest
// on overflow. Cumulative count/sum survive ring eviction for exposition.
type histogram struct {
	ring []sample
	pos  int
	n    int

	totalCount uint64
	totalSum   float64
}

func (h *histogram) record(v float64) {
	h.ring[h.pos] = sample{value: v, at: time.Now()}
	h.pos = (h.pos + 1) % len(h.ring)
	if h.n < len(h.ring) {
		h.n++
	}
	h.totalCount++
	h.totalSum += v
}

func (h *histogram) values() []float64 {
	out := make([]float64, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.ring[i].value
	}
	return out
}

// HistogramStats are computed on read over the retained ring, not maintained
// incrementally: ring size is small and reads are infrequent relative to
// writes.
type HistogramStats struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// MetricsSnapshot is a point-in-time copy of every metric family.
type MetricsSnapshot struct {
	Counters   map[string]float64        `json:"counters"`
	Gauges     map[string]float64        `json:"gauges"`
	Histograms map[string]HistogramStats `json:"histograms"`
}

// Metrics is the in-memory store for counters, gauges, and bounded
// histograms. All methods are safe for concurrent use; the write path takes a
// single short-held lock.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
	ringSize   int
}

// NewMetrics creates a metrics store with the default histogram ring size.
func NewMetrics() *Metrics {
	return NewMetricsWithRing(DefaultHistogramRing)
}

// NewMetricsWithRing creates a metrics store retaining ringSize samples per
// histogram.
func NewMetricsWithRing(ringSize int) *Metrics {
	if ringSize <= 0 {
		ringSize = DefaultHistogramRing
	}
	return &Metrics{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
		ringSize:   ringSize,
	}
}

// IncrCounter adds delta to the named counter.
func (m *Metrics) IncrCounter(name string, delta float64) {
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

// SetGauge sets the named gauge to value.
func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// RecordHistogram appends a sample to the named histogram ring.
func (m *Metrics) RecordHistogram(name string, value float64) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = &histogram{ring: make([]sample, m.ringSize)}
		m.histograms[name] = h
	}
	h.record(value)
	m.mu.Unlock()
}

// Counter returns the current value of a counter (0 if absent).
func (m *Metrics) Counter(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Gauge returns the current value of a gauge (0 if absent).
func (m *Metrics) Gauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name]
}

// Histogram returns read-side stats for the named histogram.
func (m *Metrics) Histogram(name string) HistogramStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.histograms[name]
	if !ok {
		return HistogramStats{}
	}
	return computeStats(h)
}

// Snapshot returns a copy of all counters, gauges, and histogram stats.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Counters:   make(map[string]float64, len(m.counters)),
		Gauges:     make(map[string]float64, len(m.gauges)),
		Histograms: make(map[string]HistogramStats, len(m.histograms)),
	}
	for k, v := range m.counters {
		snap.Counters[k] = v
	}
	for k, v := range m.gauges {
		snap.Gauges[k] = v
	}
	for k, h := range m.histograms {
		snap.Histograms[k] = computeStats(h)
	}
	return snap
}

// Reset clears every metric. Intended for tests; production metrics accumulate
// for the process lifetime.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.counters = make(map[string]float64)
	m.gauges = make(map[string]float64)
	m.histograms = make(map[string]*histogram)
	m.mu.Unlock()
}

// GoldenSignals derives the at-a-glance health view from the documented
// metric names. Pure read-side aggregation.
func (m *Metrics) GoldenSignals() domain.GoldenSignals {
	m.mu.RLock()
	invocations := m.counters[MetricInvocations]
	failures := m.counters[MetricInvocationFailures]
	violations := m.counters[MetricViolations]
	cost := m.counters[MetricCostUSD]
	var p95 float64
	if h, ok := m.histograms[MetricInvocationLatency]; ok {
		p95 = computeStats(h).P95
	}
	m.mu.RUnlock()

	signals := domain.GoldenSignals{SuccessRate: 1, P95LatencyMS: p95}
	successes := invocations - failures
	if invocations > 0 {
		signals.SuccessRate = successes / invocations
		signals.ViolationRate = violations / invocations
	}
	if successes > 0 {
		signals.CostPerSuccessUSD = cost / successes
	}
	return signals
}

func computeStats(h *histogram) HistogramStats {
	values := h.values()
	stats := HistogramStats{Count: h.totalCount, Sum: h.totalSum}
	if len(values) == 0 {
		return stats
	}

	sort.Float64s(values)
	stats.Min = values[0]
	stats.Max = values[len(values)-1]

	var ringSum float64
	for _, v := range values {
		ringSum += v
	}
	stats.Avg = ringSum / float64(len(values))

	stats.P50 = percentile(values, 0.50)
	stats.P95 = percentile(values, 0.95)
	stats.P99 = percentile(values, 0.99)
	return stats
}

// percentile uses the nearest-rank method over a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
