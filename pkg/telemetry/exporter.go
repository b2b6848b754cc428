package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentinelai/sentinel-oss/internal/governance"
	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

// maxAttributeLen bounds string attribute values on the wire; longer values
// are truncated with a trailing ellipsis.
const maxAttributeLen = 500

// scopeKey is the fallback handle index. When a child cannot resolve its
// direct parent id, the (correlation id, workflow root span name) pair is the
// ONLY other lookup performed; there is deliberately no scan over stored keys.
type scopeKey struct {
	correlationID string
	name          string
}

// spanHandle pairs a backend span with the context that carries it. The
// backend requires parent context at creation time, so handles are created
// eagerly on span start: children started before the parent's network
// round-trip completes still inherit the correct backend trace id.
type spanHandle struct {
	ctx       context.Context
	span      trace.Span
	createdAt time.Time
	ended     bool
}

// ExporterConfig tunes the async export pipeline.
type ExporterConfig struct {
	// RootSpanName is the workflow root span name used by the fallback
	// parent index.
	RootSpanName string
	// QueueCapacity bounds the fallback render queue.
	QueueCapacity int
	// UnhealthyThreshold is the queue depth treated as "backend cannot keep
	// up".
	UnhealthyThreshold int
	// HealthInterval rate-limits backend health re-checks.
	HealthInterval time.Duration
	// HandleRetention bounds how long ended handles stay resolvable for
	// late-arriving children.
	HandleRetention time.Duration
	// GracePeriod bounds the shutdown drain.
	GracePeriod time.Duration
}

func (c *ExporterConfig) applyDefaults() {
	if c.RootSpanName == "" {
		c.RootSpanName = "workflow"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.UnhealthyThreshold <= 0 || c.UnhealthyThreshold > c.QueueCapacity {
		c.UnhealthyThreshold = c.QueueCapacity * 3 / 4
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HandleRetention <= 0 {
		c.HandleRetention = 5 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
}

// Exporter bridges registry spans to the external trace backend. Producer
// callbacks are cheap and in-memory; the single background worker owns every
// blocking operation. It implements SpanObserver.
type Exporter struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	flusher func(context.Context) error
	cfg     ExporterConfig
	metrics *Metrics
	breaker *governance.CircuitBreaker

	mu        sync.Mutex
	handles   map[string]*spanHandle
	byScope   map[scopeKey]*spanHandle
	queue     chan domain.Span
	healthy   atomic.Bool
	accepting atomic.Bool

	exported atomic.Uint64
	skipped  atomic.Uint64
	dropped  atomic.Uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewExporter wires the exporter to a backend tracer. flusher forces the
// backend client's buffered spans onto the network; it may be nil when the
// backend performs its own flushing. metrics may be nil.
func NewExporter(tracer trace.Tracer, flusher func(context.Context) error, cfg ExporterConfig, metrics *Metrics, logger *slog.Logger) *Exporter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if flusher == nil {
		flusher = func(context.Context) error { return nil }
	}

	e := &Exporter{
		logger:  logger.With("component", "exporter"),
		tracer:  tracer,
		flusher: flusher,
		cfg:     cfg,
		metrics: metrics,
		breaker: governance.NewCircuitBreaker(governance.CircuitBreakerConfig{
			MaxFailures: 3,
			Timeout:     cfg.HealthInterval,
		}),
		handles: make(map[string]*spanHandle),
		byScope: make(map[scopeKey]*spanHandle),
		queue:   make(chan domain.Span, cfg.QueueCapacity),
		done:    make(chan struct{}),
	}
	e.healthy.Store(true)
	e.accepting.Store(true)

	e.wg.Add(1)
	go e.worker()

	return e
}

// OnSpanStart eagerly creates the backend handle so later children inherit
// the right trace id. Runs on the producer path: in-memory only.
func (e *Exporter) OnSpanStart(span domain.Span) {
	if !e.accepting.Load() {
		return
	}

	e.mu.Lock()
	parentCtx := e.resolveParentLocked(span.CorrelationID, span.ParentID)
	ctx, backendSpan := e.tracer.Start(parentCtx, span.Name,
		trace.WithTimestamp(span.StartTime),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	handle := &spanHandle{ctx: ctx, span: backendSpan, createdAt: time.Now()}
	e.handles[span.ID] = handle
	e.byScope[scopeKey{span.CorrelationID, span.Name}] = handle
	e.mu.Unlock()
}

// OnSpanEnd closes the live handle if one exists; otherwise the span is
// enqueued for the background worker to render in full. Never blocks: a full
// queue sheds the span and counts the drop.
func (e *Exporter) OnSpanEnd(span domain.Span) {
	if !e.accepting.Load() {
		return
	}
	if span.Open() {
		// Open spans must never be exported as terminal.
		e.logger.Warn("Refusing to export span without end time", "span_id", span.ID, "name", span.Name)
		return
	}

	e.mu.Lock()
	handle, ok := e.handles[span.ID]
	if ok && !handle.ended {
		applySpanData(handle.span, span)
		handle.span.End(trace.WithTimestamp(span.EndTime))
		handle.ended = true
		e.mu.Unlock()
		e.exported.Add(1)
		if e.metrics != nil {
			e.metrics.IncrCounter(MetricExportedSpans, 1)
		}
		return
	}
	e.mu.Unlock()

	select {
	case e.queue <- span:
	default:
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.IncrCounter(MetricDroppedSpans, 1)
		}
		e.logger.Warn("Dropping span", "span_id", span.ID, "name", span.Name, "error", domain.ErrQueueFull)
	}
}

// Healthy reports whether the backend is believed to be keeping up.
func (e *Exporter) Healthy() bool {
	return e.healthy.Load()
}

// QueueDepth returns the current fallback queue depth.
func (e *Exporter) QueueDepth() int {
	return len(e.queue)
}

// Stats returns cumulative exporter counters.
func (e *Exporter) Stats() (exported, skipped, dropped uint64) {
	return e.exported.Load(), e.skipped.Load(), e.dropped.Load()
}

// HealthCheck adapts exporter state to the health registry contract.
func (e *Exporter) HealthCheck(context.Context) domain.HealthResult {
	depth := e.QueueDepth()
	result := domain.HealthResult{
		Name:   "trace_exporter",
		Passed: e.healthy.Load(),
		Detail: map[string]any{
			"queue_depth":   depth,
			"queue_cap":     e.cfg.QueueCapacity,
			"spans_dropped": e.dropped.Load(),
		},
	}
	if !e.accepting.Load() {
		result.Passed = false
		result.Message = domain.ErrExporterClosed.Error()
		return result
	}
	if !result.Passed {
		result.Message = "trace backend is not keeping up with span volume"
	}
	return result
}

// Shutdown stops intake, drains the queue within the grace period, and forces
// a final backend flush. Safe to call more than once.
func (e *Exporter) Shutdown(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.accepting.Store(false)
		close(e.done)
		e.wg.Wait()

		drainCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, e.cfg.GracePeriod)
			defer cancel()
		}

		e.drain(drainCtx)
		e.closeLiveHandles()

		if flushErr := e.flusher(drainCtx); flushErr != nil {
			e.logger.Error("Final backend flush failed", "error", flushErr)
			err = flushErr
		}
	})
	return err
}

func (e *Exporter) worker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case span := <-e.queue:
			e.render(span)
		case <-ticker.C:
			e.checkBackendHealth()
			e.sweepHandles()
		}
	}
}

// render creates and immediately closes a backend span for a queue entry,
// using the best parent match available at dequeue time.
func (e *Exporter) render(span domain.Span) {
	if e.metrics != nil {
		e.metrics.SetGauge(MetricExportQueueDepth, float64(len(e.queue)))
	}

	if !e.healthy.Load() {
		// Treat as drained but not delivered; retrying indefinitely would
		// grow memory without bound while the backend is down.
		e.skipped.Add(1)
		if e.metrics != nil {
			e.metrics.IncrCounter(MetricSkippedSpans, 1)
		}
		return
	}

	e.mu.Lock()
	parentCtx := e.resolveParentLocked(span.CorrelationID, span.ParentID)
	e.mu.Unlock()

	_, backendSpan := e.tracer.Start(parentCtx, span.Name,
		trace.WithTimestamp(span.StartTime),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	applySpanData(backendSpan, span)
	backendSpan.End(trace.WithTimestamp(span.EndTime))

	e.exported.Add(1)
	if e.metrics != nil {
		e.metrics.IncrCounter(MetricExportedSpans, 1)
	}
}

// resolveParentLocked looks up the parent handle by direct span id first and
// by the (correlation id, root span name) index second. Spans with no
// resolvable parent become new trace roots; that is documented behaviour, not
// a bug.
func (e *Exporter) resolveParentLocked(correlationID, parentID string) context.Context {
	if parentID != "" {
		if h, ok := e.handles[parentID]; ok {
			return h.ctx
		}
	}
	if correlationID != "" {
		if h, ok := e.byScope[scopeKey{correlationID, e.cfg.RootSpanName}]; ok {
			return h.ctx
		}
	}
	return context.Background()
}

// checkBackendHealth marks the backend unhealthy when the queue depth crosses
// the threshold (the network sink cannot keep up) or when flushes keep
// failing. Runs at most once per HealthInterval.
func (e *Exporter) checkBackendHealth() {
	depth := len(e.queue)
	if e.metrics != nil {
		e.metrics.SetGauge(MetricExportQueueDepth, float64(depth))
	}

	if depth >= e.cfg.UnhealthyThreshold {
		if e.healthy.CompareAndSwap(true, false) {
			e.logger.Warn("Trace backend marked unhealthy", "queue_depth", depth, "threshold", e.cfg.UnhealthyThreshold)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.flusher(ctx)
	})
	cancel()

	wasHealthy := e.healthy.Load()
	nowHealthy := err == nil
	e.healthy.Store(nowHealthy)
	if wasHealthy && !nowHealthy {
		e.logger.Warn("Trace backend flush failing, skipping export until recovery", "error", err)
	} else if !wasHealthy && nowHealthy {
		e.logger.Info("Trace backend recovered", "queue_depth", depth)
	}
}

// sweepHandles evicts handles past the retention window. Ended handles only
// exist to give late children a parent context; unbounded retention would be
// a leak.
func (e *Exporter) sweepHandles() {
	cutoff := time.Now().Add(-e.cfg.HandleRetention)

	e.mu.Lock()
	for id, h := range e.handles {
		if h.ended && h.createdAt.Before(cutoff) {
			delete(e.handles, id)
		}
	}
	for key, h := range e.byScope {
		if h.ended && h.createdAt.Before(cutoff) {
			delete(e.byScope, key)
		}
	}
	e.mu.Unlock()
}

func (e *Exporter) drain(ctx context.Context) {
	for {
		select {
		case span := <-e.queue:
			e.render(span)
		case <-ctx.Done():
			remaining := len(e.queue)
			if remaining > 0 {
				e.logger.Warn("Shutdown grace period expired with spans unexported", "remaining", remaining)
			}
			return
		default:
			return
		}
	}
}

// closeLiveHandles ends any handle whose registry span never closed, marking
// it cancelled so the backend does not record a bogus success. Buffered
// attributes on live handles survive into the final flush.
func (e *Exporter) closeLiveHandles() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.handles {
		if !h.ended {
			h.span.SetAttributes(attribute.Bool("sentinel.aborted", true))
			h.span.End()
			h.ended = true
		}
	}
}

// applySpanData copies registry tags and events onto the backend span.
// Attribute keys are dot-separated; oversized string values are truncated.
func applySpanData(backendSpan trace.Span, span domain.Span) {
	attrs := make([]attribute.KeyValue, 0, len(span.Tags)+3)
	attrs = append(attrs,
		attribute.String("sentinel.span.id", span.ID),
		attribute.String("sentinel.correlation.id", span.CorrelationID),
	)
	if span.ParentID != "" {
		attrs = append(attrs, attribute.String("sentinel.parent.id", span.ParentID))
	}
	for k, v := range span.Tags {
		attrs = append(attrs, attribute.String(k, truncateValue(v)))
	}
	backendSpan.SetAttributes(attrs...)

	for _, event := range span.Events {
		eventAttrs := make([]attribute.KeyValue, 0, len(event.Fields))
		for k, v := range event.Fields {
			eventAttrs = append(eventAttrs, anyToAttribute(k, v))
		}
		backendSpan.AddEvent("span.event",
			trace.WithTimestamp(event.Timestamp),
			trace.WithAttributes(eventAttrs...),
		)
	}
}

func truncateValue(s string) string {
	if len(s) <= maxAttributeLen {
		return s
	}
	return s[:maxAttributeLen] + "…"
}

func anyToAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, truncateValue(v))
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, truncateValue(fmt.Sprintf("%v", v)))
	}
}
