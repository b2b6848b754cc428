// Package audit provides the batched, durable policy-decision log used for
// guardrail audit trails.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
	"github.com/sentinelai/sentinel-oss/pkg/telemetry"
)

// LoggerConfig tunes decision batching.
type LoggerConfig struct {
	// BatchSize triggers an async flush once this many decisions are
	// buffered.
	BatchSize int
	// FlushInterval triggers a periodic flush regardless of batch size.
	FlushInterval time.Duration
}

func (c *LoggerConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
}

// Logger batches policy decisions in memory and flushes them to a durable
// sink on a size or time trigger. Failed writes leave entries queued so the
// next flush retries them: delivery is at-least-once, duplicates are
// tolerable for an audit log.
type Logger struct {
	logger  *slog.Logger
	sink    DecisionSink
	cfg     LoggerConfig
	metrics *telemetry.Metrics

	mu    sync.Mutex
	batch []domain.PolicyDecision

	kick     chan struct{}
	reload   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

// NewLogger creates a decision logger writing to sink. metrics may be nil.
func NewLogger(sink DecisionSink, cfg LoggerConfig, metrics *telemetry.Metrics, logger *slog.Logger) *Logger {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		logger:  logger.With("component", "audit"),
		sink:    sink,
		cfg:     cfg,
		metrics: metrics,
		batch:   make([]domain.PolicyDecision, 0, cfg.BatchSize),
		kick:    make(chan struct{}, 1),
		reload:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Log appends a decision to the in-memory batch. Reaching the batch-size
// threshold wakes the background flusher; the caller never waits on the sink.
func (l *Logger) Log(decision domain.PolicyDecision) {
	l.mu.Lock()
	l.batch = append(l.batch, decision)
	size := len(l.batch)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.SetGauge(telemetry.MetricDecisionBatchSize, float64(size))
	}

	if size >= l.cfg.BatchSize {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// SetFlushInterval applies a new periodic flush interval, typically from a
// configuration reload. Non-positive values are ignored.
func (l *Logger) SetFlushInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	if d == l.cfg.FlushInterval {
		l.mu.Unlock()
		return
	}
	l.cfg.FlushInterval = d
	l.mu.Unlock()

	select {
	case l.reload <- struct{}{}:
	default:
	}
}

// BatchLen returns the number of decisions awaiting flush.
func (l *Logger) BatchLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batch)
}

// Flush atomically swaps the batch out and writes it to the sink. The batch
// is cleared only on success; on failure every entry is restored for the next
// attempt.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.batch) == 0 {
		l.mu.Unlock()
		return nil
	}
	pending := l.batch
	l.batch = make([]domain.PolicyDecision, 0, l.cfg.BatchSize)
	l.mu.Unlock()

	err := l.sink.Write(ctx, pending)
	if err != nil {
		// Requeue ahead of anything logged during the write so durable
		// ordering stays close to decision order.
		l.mu.Lock()
		l.batch = append(pending, l.batch...)
		size := len(l.batch)
		l.mu.Unlock()

		if l.metrics != nil {
			l.metrics.IncrCounter(telemetry.MetricDecisionFlushFailures, 1)
			l.metrics.SetGauge(telemetry.MetricDecisionBatchSize, float64(size))
		}
		l.logger.Error("Decision flush failed, entries retained for retry", "entries", len(pending), "error", err)
		return err
	}

	if l.metrics != nil {
		l.metrics.IncrCounter(telemetry.MetricDecisionFlushes, 1)
		l.metrics.SetGauge(telemetry.MetricDecisionBatchSize, float64(l.BatchLen()))
	}
	return nil
}

// Start launches the periodic flush loop.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop cancels the periodic loop, performs one final flush, and closes the
// sink. Safe to call more than once.
func (l *Logger) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		l.wg.Wait()

		if flushErr := l.Flush(ctx); flushErr != nil {
			err = flushErr
		}
		if closeErr := l.sink.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.reload:
			ticker.Reset(l.flushInterval())
			continue
		case <-l.kick:
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = l.Flush(ctx)
		cancel()
	}
}

func (l *Logger) flushInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.FlushInterval
}
