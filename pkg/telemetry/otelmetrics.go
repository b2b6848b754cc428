package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	invocationCounter metric.Int64Counter
	violationCounter  metric.Int64Counter
	decisionCounter   metric.Int64Counter
	costCounter       metric.Float64Counter
	invocationLatency metric.Float64Histogram
)

// InvocationMetrics captures the fields mirrored to the OTel meter for one
// agent invocation.
type InvocationMetrics struct {
	AgentID       string
	Stage         string
	CorrelationID string
	Success       bool
	Violations    int
	Decisions     int
	CostUSD       float64
	Duration      time.Duration
}

// RecordInvocationMetrics emits OTel counters and histograms describing an
// agent invocation. This mirrors the in-process metrics store onto whatever
// meter provider the host application configured; when none is configured the
// global no-op provider absorbs the writes.
func RecordInvocationMetrics(ctx context.Context, m InvocationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("agent.id", m.AgentID),
		attribute.String("agent.stage", m.Stage),
		attribute.Bool("invocation.success", m.Success),
	}

	invocationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		invocationLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if m.Violations > 0 {
		violationCounter.Add(ctx, int64(m.Violations), metric.WithAttributes(attrs...))
	}
	if m.Decisions > 0 {
		decisionCounter.Add(ctx, int64(m.Decisions), metric.WithAttributes(attrs...))
	}
	if m.CostUSD > 0 {
		costCounter.Add(ctx, m.CostUSD, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("sentinel.workflow")

		invocationCounter, metricsInitErr = meter.Int64Counter(
			"sentinel.invocations_total",
			metric.WithDescription("Agent invocations partitioned by stage and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		violationCounter, metricsInitErr = meter.Int64Counter(
			"sentinel.guardrail.violations_total",
			metric.WithDescription("Guardrail violations raised during invocations"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"sentinel.guardrail.decisions_total",
			metric.WithDescription("Policy decision points evaluated"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		costCounter, metricsInitErr = meter.Float64Counter(
			"sentinel.llm.cost_usd",
			metric.WithDescription("Accumulated LLM spend"),
			metric.WithUnit("USD"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationLatency, metricsInitErr = meter.Float64Histogram(
			"sentinel.invocation.duration_ms",
			metric.WithDescription("Observed agent invocation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
